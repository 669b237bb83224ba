package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/govflow/internal/api/middleware"
	"github.com/kiranshivaraju/govflow/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	JobTypesHandler http.HandlerFunc

	CreateJobHandler   http.HandlerFunc
	ClarifyHandler     http.HandlerFunc
	ListJobsHandler    http.HandlerFunc
	GetJobHandler      http.HandlerFunc
	JobStatusHandler   http.HandlerFunc
	CancelJobHandler   http.HandlerFunc
	RetryJobHandler    http.HandlerFunc
	SupplyInputHandler http.HandlerFunc
	EventsHandler      http.HandlerFunc

	GetProfileHandler http.HandlerFunc
	PutProfileHandler http.HandlerFunc

	CreateKeyHandler  http.HandlerFunc
	ListKeysHandler   http.HandlerFunc
	RevokeKeyHandler  http.HandlerFunc
	CreateUserHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Get("/api/v1/job-types", orNotImplemented(deps.JobTypesHandler))

	// Event stream: header or access_token query parameter, no rate limit
	// since one request lives for the whole session.
	r.With(deps.Auth.AuthenticateStream).Get("/api/v1/events", orNotImplemented(deps.EventsHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.CreateJobHandler))
			r.Get("/", orNotImplemented(deps.ListJobsHandler))
			r.Post("/clarify", orNotImplemented(deps.ClarifyHandler))

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", orNotImplemented(deps.GetJobHandler))
				r.Get("/status", orNotImplemented(deps.JobStatusHandler))
				r.Post("/cancel", orNotImplemented(deps.CancelJobHandler))
				r.Post("/retry", orNotImplemented(deps.RetryJobHandler))
				r.Post("/input", orNotImplemented(deps.SupplyInputHandler))
			})
		})

		r.Get("/api/v1/profile", orNotImplemented(deps.GetProfileHandler))
		r.Put("/api/v1/profile", orNotImplemented(deps.PutProfileHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
			r.Post("/api/v1/admin/users", orNotImplemented(deps.CreateUserHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
