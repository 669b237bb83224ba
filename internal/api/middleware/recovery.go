package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/govflow/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope. The log line carries
// the caller and the job being acted on, when the route has one.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}
			attrs := []any{
				"error", err,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
			}
			if id, ok := GetUserID(r); ok {
				attrs = append(attrs, "user_id", id)
			}
			if jobID := chi.URLParam(r, "jobID"); jobID != "" {
				attrs = append(attrs, "job_id", jobID)
			}
			slog.Error("panic recovered", attrs...)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
