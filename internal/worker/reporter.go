package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// appendFunc persists one progress report.
type appendFunc func(ctx context.Context, step, message string, pct int) error

type report struct {
	step    string
	message string
	pct     int
}

// reporter decouples executor progress from the store. Reports are appended
// in order by a single goroutine; when the buffer is full new reports are
// dropped rather than blocking the executor.
type reporter struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan report
	done    chan struct{}
	dropped atomic.Int64
	persist appendFunc
	jobID   uuid.UUID
	logger  *slog.Logger
}

func newReporter(ctx context.Context, persist appendFunc, jobID uuid.UUID, size int, logger *slog.Logger) *reporter {
	if size < 1 {
		size = 1
	}
	r := &reporter{
		ch:      make(chan report, size),
		done:    make(chan struct{}),
		persist: persist,
		jobID:   jobID,
		logger:  logger,
	}
	go r.drain(context.WithoutCancel(ctx))
	return r
}

func (r *reporter) Report(step, message string, pct int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- report{step: step, message: message, pct: pct}:
	default:
		r.dropped.Add(1)
		r.logger.Warn("progress report dropped", "job_id", r.jobID, "step", step)
	}
}

// Close stops accepting reports and waits until the buffered ones are
// persisted.
func (r *reporter) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *reporter) drain(ctx context.Context) {
	defer close(r.done)
	for rep := range r.ch {
		if err := r.persist(ctx, rep.step, rep.message, rep.pct); err != nil {
			r.logger.Warn("append progress", "job_id", r.jobID, "step", rep.step, "error", err)
		}
	}
}
