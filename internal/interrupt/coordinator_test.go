package interrupt_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/interrupt"
	"github.com/kiranshivaraju/govflow/internal/jobs"
	"github.com/kiranshivaraju/govflow/internal/queue"
	"github.com/kiranshivaraju/govflow/internal/store"
	"github.com/kiranshivaraju/govflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *jobs.Service
	store *store.MemoryStore
	queue *queue.MemoryQueue
	coord *interrupt.Coordinator
	owner uuid.UUID
}

func newFixture(t *testing.T, ttl time.Duration, now func() time.Time) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		queue: queue.NewMemoryQueue(),
		owner: uuid.New(),
	}
	opts := []jobs.Option{jobs.WithEnqueueAttempts(1, 0)}
	if now != nil {
		opts = append(opts, jobs.WithClock(now))
	}
	f.svc = jobs.NewService(f.store, f.queue, nil, jobs.DefaultPolicy(), opts...)
	f.coord = interrupt.New(f.svc, ttl, nil)
	t.Cleanup(f.coord.Stop)
	return f
}

// suspended submits a job, runs it as worker w1 and parks it on an OTP
// request.
func (f *fixture) suspended(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.svc.Submit(ctx, f.owner, models.JobTypeFileITR, map[string]string{
		"pan":           "ABCDE1234F",
		"mobile":        "9876543210",
		"bankAccount":   "123456789012",
		"financialYear": "2024-25",
		"income":        "1200000",
		"deductions":    "150000",
	})
	require.NoError(t, err)
	id, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, id)

	_, err = f.svc.BeginAttempt(ctx, job.ID, "w1", time.Minute)
	require.NoError(t, err)
	job, err = f.coord.Suspend(ctx, job.ID, "w1", jobs.InputRequest{
		Kind:      "otp",
		Challenge: "otp-1",
		Prompt:    "Enter the OTP",
		Aux:       map[string]string{"channel": "sms"},
	})
	require.NoError(t, err)
	return job
}

func TestCoordinator_SuspendAndSupply(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	f := newFixture(t, 5*time.Minute, c.Now)
	ctx := context.Background()

	job := f.suspended(t)
	assert.Equal(t, models.JobStatusAwaitingInput, job.Status)
	require.NotNil(t, job.PendingInput)
	assert.Equal(t, c.Now().Add(5*time.Minute), job.PendingInput.ExpiresAt)
	assert.Equal(t, "sms", job.PendingInput.AuxData["channel"])
	assert.Equal(t, 1, f.coord.Pending())

	c.Advance(time.Minute)
	job, err := f.coord.Supply(ctx, f.owner, job.ID, "otp", "123456")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Nil(t, job.PendingInput)
	require.NotNil(t, job.ResumeInput)
	assert.Equal(t, "123456", job.ResumeInput.Value)
	assert.Equal(t, "otp-1", job.ResumeInput.Challenge)
	assert.Zero(t, f.coord.Pending())

	id, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, id)
}

func TestCoordinator_CancelDisarmsTimer(t *testing.T) {
	f := newFixture(t, 5*time.Minute, nil)
	ctx := context.Background()

	job := f.suspended(t)
	require.Equal(t, 1, f.coord.Pending())

	_, err := f.coord.Cancel(ctx, uuid.New(), job.ID)
	require.ErrorIs(t, err, jobs.ErrNotFound)
	assert.Equal(t, 1, f.coord.Pending())

	job, err = f.coord.Cancel(ctx, f.owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Nil(t, job.PendingInput)
	assert.Zero(t, f.coord.Pending())

	_, err = f.coord.Supply(ctx, f.owner, job.ID, "otp", "123456")
	assert.ErrorIs(t, err, jobs.ErrStaleInput)
}

func TestCoordinator_SupplyRejections(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	f := newFixture(t, 5*time.Minute, c.Now)
	ctx := context.Background()
	job := f.suspended(t)

	_, err := f.coord.Supply(ctx, f.owner, job.ID, "captcha", "XYZ")
	require.ErrorIs(t, err, jobs.ErrInputKindMismatch)

	_, err = f.coord.Supply(ctx, uuid.New(), job.ID, "otp", "123456")
	require.ErrorIs(t, err, jobs.ErrNotFound)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAwaitingInput, stored.Status)
	assert.Equal(t, 1, f.coord.Pending())

	_, err = f.coord.Supply(ctx, f.owner, job.ID, "otp", "123456")
	require.NoError(t, err)
	_, err = f.coord.Supply(ctx, f.owner, job.ID, "otp", "123456")
	require.ErrorIs(t, err, jobs.ErrStaleInput)
}

func TestCoordinator_LateSupplyFailsJob(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	f := newFixture(t, 5*time.Minute, c.Now)
	ctx := context.Background()
	job := f.suspended(t)

	c.Advance(6 * time.Minute)
	job, err := f.coord.Supply(ctx, f.owner, job.ID, "otp", "123456")
	require.ErrorIs(t, err, jobs.ErrInputExpired)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, jobs.CodeInputTimeout, job.Error.Code)
	assert.False(t, job.Error.Recoverable)
	assert.Zero(t, f.coord.Pending())

	_, err = f.coord.Supply(ctx, f.owner, job.ID, "otp", "123456")
	require.ErrorIs(t, err, jobs.ErrStaleInput)
}

func TestCoordinator_TimerExpiresRequest(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond, nil)
	job := f.suspended(t)

	require.Eventually(t, func() bool {
		stored, err := f.store.GetJob(context.Background(), job.ID)
		return err == nil && stored.Status == models.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.CodeInputTimeout, stored.Error.Code)
	assert.Nil(t, stored.PendingInput)
}

func TestCoordinator_SweepAndRestore(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	f := newFixture(t, 5*time.Minute, c.Now)
	ctx := context.Background()

	first := f.suspended(t)
	c.Advance(3 * time.Minute)
	second := f.suspended(t)

	// A fresh coordinator after a restart knows nothing until restored.
	restarted := interrupt.New(f.svc, 5*time.Minute, nil)
	t.Cleanup(restarted.Stop)
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, restarted.Pending())

	n, err = restarted.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(3 * time.Minute)
	n, err = restarted.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	stored, err = f.store.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAwaitingInput, stored.Status)
}

func TestCoordinator_ExpireIgnoresResumedJob(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	f := newFixture(t, 5*time.Minute, c.Now)
	ctx := context.Background()
	job := f.suspended(t)

	_, err := f.coord.Supply(ctx, f.owner, job.ID, "otp", "123456")
	require.NoError(t, err)
	c.Advance(10 * time.Minute)

	expired, err := f.coord.Expire(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, expired)

	expired, err = f.coord.Expire(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestCoordinator_SuspendRequiresLease(t *testing.T) {
	f := newFixture(t, time.Minute, nil)
	job := f.suspended(t)

	_, err := f.coord.Suspend(context.Background(), job.ID, "w2", jobs.InputRequest{Kind: "otp"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrLeaseLost))
}
