package interrupt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/jobs"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

const sweepBatch = 200

// Coordinator suspends jobs that need the requester's input, hands supplied
// values back to them and expires requests nobody answered. Each suspended
// job has a wall-clock timer; the store is the source of truth, so a missed
// timer is caught by Sweep.
type Coordinator struct {
	jobs   *jobs.Service
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

// New creates a Coordinator whose input requests expire after ttl.
func New(svc *jobs.Service, ttl time.Duration, logger *slog.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		jobs:   svc,
		ttl:    ttl,
		logger: logger,
		timers: map[uuid.UUID]*time.Timer{},
	}
}

// TTL returns how long an input request stays open.
func (c *Coordinator) TTL() time.Duration { return c.ttl }

// Suspend parks the worker's job in awaiting_input and arms its expiry timer.
func (c *Coordinator) Suspend(ctx context.Context, id uuid.UUID, worker string, req jobs.InputRequest) (*models.Job, error) {
	job, err := c.jobs.Suspend(ctx, id, worker, req, c.ttl)
	if err != nil {
		return nil, fmt.Errorf("suspend job: %w", err)
	}
	c.arm(id, job.PendingInput.ExpiresAt)
	c.logger.Info("job awaiting input", "job_id", id, "input_kind", req.Kind, "expires_at", job.PendingInput.ExpiresAt)
	return job, nil
}

// Supply delivers the owner's value to a suspended job. It returns
// jobs.ErrStaleInput when nothing is waiting, jobs.ErrInputKindMismatch for
// the wrong kind and jobs.ErrInputExpired (with the failed job) when the
// deadline has passed.
func (c *Coordinator) Supply(ctx context.Context, ownerID, id uuid.UUID, kind, value string) (*models.Job, error) {
	job, err := c.jobs.SupplyInput(ctx, ownerID, id, kind, value)
	if job != nil {
		c.disarm(id)
	}
	if err != nil {
		return job, err
	}
	c.logger.Info("job input supplied", "job_id", id, "input_kind", kind)
	return job, nil
}

// Cancel cancels the owner's job and disarms its input timer if it was
// waiting for input.
func (c *Coordinator) Cancel(ctx context.Context, ownerID, id uuid.UUID) (*models.Job, error) {
	job, err := c.jobs.Cancel(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusCancelled {
		c.disarm(id)
	}
	return job, nil
}

// Expire fails the job if its input request is overdue.
func (c *Coordinator) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	c.disarm(id)
	return c.jobs.ExpireInput(ctx, id)
}

// Restore re-arms timers for every suspended job, typically at startup.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	suspended, err := c.jobs.Suspended(ctx, time.Time{}, 0)
	if err != nil {
		return 0, fmt.Errorf("list suspended jobs: %w", err)
	}
	n := 0
	for _, j := range suspended {
		if j.PendingInput == nil {
			continue
		}
		c.arm(j.ID, j.PendingInput.ExpiresAt)
		n++
	}
	if n > 0 {
		c.logger.Info("restored input timers", "count", n)
	}
	return n, nil
}

// Sweep fails every suspended job whose deadline has passed.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	overdue, err := c.jobs.Suspended(ctx, c.jobs.Now(), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list overdue jobs: %w", err)
	}
	n := 0
	for _, j := range overdue {
		expired, err := c.Expire(ctx, j.ID)
		if err != nil {
			c.logger.Error("expire input", "job_id", j.ID, "error", err)
			continue
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// Pending returns the number of armed timers.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Stop disarms every timer.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) arm(id uuid.UUID, at time.Time) {
	d := at.Sub(c.jobs.Now())
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
	}
	c.timers[id] = time.AfterFunc(d, func() {
		if _, err := c.Expire(context.Background(), id); err != nil {
			c.logger.Error("expire input", "job_id", id, "error", err)
		}
	})
}

func (c *Coordinator) disarm(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}
