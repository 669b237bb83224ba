package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/govflow/internal/api/response"
	"github.com/kiranshivaraju/govflow/internal/queue"
)

// Pinger is anything whose connectivity can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueInspector reports the number of waiting jobs.
type QueueInspector interface {
	Depth(ctx context.Context) (queue.Depth, error)
}

// PoolInspector reports worker pool occupancy.
type PoolInspector interface {
	Size() int
	Active() int
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. It
// checks database and cache connectivity and reports queue and worker load.
func NewHealthHandler(db, cache Pinger, q QueueInspector, pool PoolInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"queue":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if cache != nil {
			if err := cache.Ping(r.Context()); err != nil {
				checks["cache"] = "degraded"
			}
		}
		var depth queue.Depth
		if q != nil {
			d, err := q.Depth(r.Context())
			if err != nil {
				checks["queue"] = "degraded"
			}
			depth = d
		}

		for _, v := range checks {
			if v != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		body := map[string]any{
			"status":      "ok",
			"services":    checks,
			"queue_depth": depth,
		}
		if pool != nil {
			body["workers"] = map[string]int{"size": pool.Size(), "active": pool.Active()}
		}
		response.JSON(w, body)
	}
}
