package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/govflow/internal/api/middleware"
	"github.com/kiranshivaraju/govflow/internal/api/response"
	"github.com/kiranshivaraju/govflow/internal/jobs"
	"github.com/kiranshivaraju/govflow/internal/slotfill"
	"github.com/kiranshivaraju/govflow/internal/store"
)

const maxBodyBytes = 64 << 10

// writeError maps domain errors onto envelope codes. Messages are meant for
// end users; internal detail only goes to the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *jobs.ValidationError
	var cerr *slotfill.ClassificationError
	switch {
	case errors.As(err, &verr):
		details := map[string]any{"job_type": verr.JobType}
		if len(verr.Missing) > 0 {
			details["missing"] = verr.Missing
		}
		if verr.Reason != "" {
			details["reason"] = verr.Reason
		}
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"Some required details are missing or invalid", details)
	case errors.As(err, &cerr):
		slog.Warn("classification failed", "path", r.URL.Path, "attempts", cerr.Attempts, "error", cerr.Err)
		response.Error(w, http.StatusServiceUnavailable, "CLASSIFICATION_FAILED", cerr.UserMessage(), nil)
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, slotfill.ErrConversationNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "We could not find that request", nil)
	case errors.Is(err, jobs.ErrStaleInput):
		response.Error(w, http.StatusConflict, "STALE_INPUT", "This request is no longer waiting for input", nil)
	case errors.Is(err, jobs.ErrInputKindMismatch):
		response.Error(w, http.StatusUnprocessableEntity, "INPUT_KIND_MISMATCH", "That is not the input we asked for", nil)
	case errors.Is(err, jobs.ErrInputExpired):
		response.Error(w, http.StatusGone, "INPUT_TIMEOUT", jobs.UserMessage(jobs.CodeInputTimeout), nil)
	case errors.Is(err, jobs.ErrIllegalTransition):
		response.Error(w, http.StatusConflict, "ILLEGAL_TRANSITION", "That action is not possible for this request right now", nil)
	case errors.Is(err, slotfill.ErrClarificationExhausted):
		response.Error(w, http.StatusUnprocessableEntity, "CLARIFICATION_EXHAUSTED",
			"We could not collect all the details we need. Please start again with a more detailed request.", nil)
	case errors.Is(err, slotfill.ErrEmptyMessage):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Please tell us what you would like to do", nil)
	case errors.Is(err, jobs.ErrQueue):
		slog.Error("queue unavailable", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusServiceUnavailable, "QUEUE_ERROR", jobs.UserMessage(jobs.CodeQueueError), nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "A resource with this name already exists", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
	}
	return id, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid "+name+" format", nil)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}
