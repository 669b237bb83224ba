package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/api/response"
	"github.com/kiranshivaraju/govflow/internal/progress"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// Subscriber hands out per-session progress subscriptions.
type Subscriber interface {
	Subscribe(ownerID uuid.UUID) *progress.Subscription
	Unsubscribe(sub *progress.Subscription)
}

type streamEvent struct {
	JobID      uuid.UUID        `json:"jobId"`
	Status     models.JobStatus `json:"status"`
	Step       string           `json:"step,omitempty"`
	Message    string           `json:"message,omitempty"`
	Percentage *int             `json:"percentage,omitempty"`
	Seq        int              `json:"seq"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewEventsHandler returns an http.HandlerFunc for GET /api/v1/events. It
// streams the caller's progress events as Server-Sent Events until the
// client goes away, with a comment line every heartbeat to keep proxies from
// closing an idle stream.
func NewEventsHandler(hub Subscriber, heartbeat time.Duration) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := userID(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Streaming is not supported", nil)
			return
		}
		// The server write timeout would otherwise end every stream.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		sub := hub.Subscribe(owner)
		defer hub.Unsubscribe(sub)

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "retry: 3000\n: connected %s\n\n", sub.ID)
		flusher.Flush()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, open := <-sub.C:
				if !open {
					return
				}
				data, err := json.Marshal(streamEvent{
					JobID:      ev.JobID,
					Status:     ev.Status,
					Step:       ev.Step,
					Message:    ev.Message,
					Percentage: ev.Percentage,
					Seq:        ev.Seq,
					Timestamp:  ev.Timestamp,
				})
				if err != nil {
					slog.Error("encode progress event", "job_id", ev.JobID, "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "id: %s:%d\nevent: progress\ndata: %s\n\n", ev.JobID, ev.Seq, data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
