package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/jobs"
	"github.com/kiranshivaraju/govflow/internal/queue"
	"golang.org/x/sync/semaphore"
)

// Claimer is the part of the queue the pool consumes.
type Claimer interface {
	Claim(ctx context.Context) (uuid.UUID, error)
	Ack(ctx context.Context, id uuid.UUID) error
}

// Handler runs one claimed job.
type Handler interface {
	Process(ctx context.Context, id uuid.UUID) error
}

// Pool runs up to size jobs at a time. A slot is held only while an attempt
// executes, so a job suspended for input does not occupy one.
type Pool struct {
	queue        Claimer
	handler      Handler
	size         int
	pollInterval time.Duration
	logger       *slog.Logger

	active atomic.Int64
}

// NewPool creates a Pool.
func NewPool(q Claimer, h Handler, size int, pollInterval time.Duration, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: q, handler: h, size: size, pollInterval: pollInterval, logger: logger}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return p.size }

// Active returns the number of attempts currently executing.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Run claims and processes jobs until ctx is cancelled, then waits for the
// running attempts to wind down.
func (p *Pool) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(p.size))
	var wg sync.WaitGroup
	p.logger.Info("worker pool started", "workers", p.size)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		id, err := p.queue.Claim(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if !errors.Is(err, queue.ErrEmpty) {
				p.logger.Error("claim job", "error", err)
			}
			if !sleep(ctx, p.pollInterval) {
				break
			}
			continue
		}

		wg.Add(1)
		p.active.Add(1)
		go p.handle(ctx, sem, &wg, id)
	}

	wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) handle(ctx context.Context, sem *semaphore.Weighted, wg *sync.WaitGroup, id uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in job handler", "job_id", id, "panic", r)
		}
		p.active.Add(-1)
		sem.Release(1)
		wg.Done()
	}()

	err := p.handler.Process(ctx, id)
	switch {
	case errors.Is(err, jobs.ErrLeased):
		// The lease holder acks its own claim.
		return
	case err != nil:
		p.logger.Error("process job", "job_id", id, "error", err)
	}
	if err := p.queue.Ack(context.WithoutCancel(ctx), id); err != nil {
		p.logger.Warn("ack job", "job_id", id, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
