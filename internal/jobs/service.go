package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/redact"
	"github.com/kiranshivaraju/govflow/internal/store"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// Enqueuer is the part of the queue the service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, id uuid.UUID, priority int) error
	Schedule(ctx context.Context, id uuid.UUID, priority int, at time.Time) error
	Remove(ctx context.Context, id uuid.UUID) error
}

// Publisher receives one event per appended progress-log entry, in order.
type Publisher interface {
	Publish(ev models.ProgressEvent)
}

// InputRequest is what an executor asks the requester for when it suspends.
// Challenge identifies the request so the supplied value only answers it.
type InputRequest struct {
	Kind      string
	Challenge string
	Prompt    string
	Aux       map[string]string
}

// StatusView is the compact polling view of a job.
type StatusView struct {
	JobID        uuid.UUID             `json:"job_id"`
	Status       models.JobStatus      `json:"status"`
	Progress     int                   `json:"progress"`
	LastLogEntry *models.ProgressEntry `json:"last_log_entry"`
	HasError     bool                  `json:"has_error"`
	IsComplete   bool                  `json:"is_complete"`
	PendingInput *models.PendingInput  `json:"pending_input,omitempty"`
}

// Service is the only writer of Job Records. Every mutation goes through the
// state machine inside an atomic store update, and every appended progress
// entry is published after the write commits.
type Service struct {
	store           store.Store
	queue           Enqueuer
	publisher       Publisher
	policy          Policy
	enqueueAttempts int
	enqueueBackoff  time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEnqueueAttempts sets how many times an enqueue is tried before the job
// is failed with QUEUE_ERROR, and the delay between tries.
func WithEnqueueAttempts(n int, backoff time.Duration) Option {
	return func(s *Service) {
		if n > 0 {
			s.enqueueAttempts = n
		}
		s.enqueueBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service.
func NewService(st store.Store, q Enqueuer, pub Publisher, policy Policy, opts ...Option) *Service {
	s := &Service{
		store:           st,
		queue:           q,
		publisher:       pub,
		policy:          policy,
		enqueueAttempts: 3,
		enqueueBackoff:  100 * time.Millisecond,
		now:             func() time.Time { return time.Now().UTC() },
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the retry policy in force.
func (s *Service) Policy() Policy { return s.policy }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

func (s *Service) publish(j *models.Job, from int) {
	if s.publisher == nil {
		return
	}
	for _, e := range j.ProgressLog[from:] {
		s.publisher.Publish(models.EventFromEntry(j, e))
	}
}

// mutate runs fn on the stored job atomically and publishes what it appended.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(j *models.Job, now time.Time) error) (*models.Job, error) {
	before := 0
	job, err := s.store.UpdateJob(ctx, id, func(j *models.Job) error {
		before = len(j.ProgressLog)
		return fn(j, s.now())
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.publish(job, before)
	return job, nil
}

func ownedBy(j *models.Job, ownerID uuid.UUID) error {
	if j.OwnerID != ownerID {
		return ErrNotFound
	}
	return nil
}

// Submit validates and persists a new job, then enqueues it. When the queue
// rejects it after all attempts the job is failed with QUEUE_ERROR and an
// error wrapping ErrQueue is returned along with the failed record.
func (s *Service) Submit(ctx context.Context, ownerID uuid.UUID, jobType models.JobType, params map[string]string) (*models.Job, error) {
	return s.submit(ctx, ownerID, jobType, params, nil)
}

func (s *Service) submit(ctx context.Context, ownerID uuid.UUID, jobType models.JobType, params map[string]string, retryOf *uuid.UUID) (*models.Job, error) {
	job, err := New(ownerID, jobType, params, s.policy.MaxRetries, s.now())
	if err != nil {
		return nil, err
	}
	job.RetryOf = retryOf
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.publish(job, 0)

	job, err = s.mutate(ctx, job.ID, func(j *models.Job, now time.Time) error {
		return Enqueue(j, now)
	})
	if err != nil {
		return nil, fmt.Errorf("mark job queued: %w", err)
	}

	if qerr := s.enqueue(ctx, job.ID, job.Priority); qerr != nil {
		s.logger.Error("enqueue failed", "job_id", job.ID, "error", qerr)
		failed, err := s.mutate(context.WithoutCancel(ctx), job.ID, func(j *models.Job, now time.Time) error {
			return Fail(j, NewJobError(CodeQueueError, qerr.Error(), true), now)
		})
		if err != nil {
			return nil, fmt.Errorf("fail unqueued job: %w", err)
		}
		return failed, fmt.Errorf("%w: %v", ErrQueue, qerr)
	}

	s.logger.Info("job submitted", "job_id", job.ID, "job_type", job.Type, "owner_id", ownerID)
	return job, nil
}

func (s *Service) enqueue(ctx context.Context, id uuid.UUID, priority int) error {
	var err error
	delay := s.enqueueBackoff
	for attempt := 0; attempt < s.enqueueAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = s.queue.Enqueue(ctx, id, priority); err == nil {
			return nil
		}
	}
	return err
}

// Get returns a job owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := ownedBy(job, ownerID); err != nil {
		return nil, err
	}
	return job, nil
}

// Status returns the compact polling view of a job.
func (s *Service) Status(ctx context.Context, ownerID, id uuid.UUID) (*StatusView, error) {
	job, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		LastLogEntry: job.LastEntry(),
		HasError:     job.Error != nil,
		IsComplete:   job.Status.IsTerminal(),
		PendingInput: job.PendingInput,
	}, nil
}

// List returns the owner's jobs, newest first.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID, activeOnly bool, limit int) ([]*models.Job, error) {
	filter := store.JobFilter{OwnerID: ownerID, Limit: limit}
	if activeOnly {
		filter.Statuses = models.ActiveStatuses
	}
	return s.store.ListJobs(ctx, filter)
}

// Cancel stops a job. Jobs that are not executing are cancelled at once; an
// executing job gets its cancellation flag set and stops cooperatively.
func (s *Service) Cancel(ctx context.Context, ownerID, id uuid.UUID) (*models.Job, error) {
	var wasQueued bool
	job, err := s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		if err := ownedBy(j, ownerID); err != nil {
			return err
		}
		wasQueued = j.Status == models.JobStatusQueued
		if j.Status != models.JobStatusProcessing {
			return Cancel(j, now)
		}
		if err := RequestCancel(j, now); err != nil {
			return err
		}
		if !j.Lease.Live(now) {
			return AbortCancelled(j, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if wasQueued || job.Status == models.JobStatusCancelled {
		if err := s.queue.Remove(ctx, id); err != nil {
			s.logger.Warn("remove cancelled job from queue", "job_id", id, "error", err)
		}
	}
	s.logger.Info("job cancel", "job_id", id, "status", job.Status)
	return job, nil
}

// Retry submits a new job with the parameters of a failed or cancelled one.
func (s *Service) Retry(ctx context.Context, ownerID, id uuid.UUID) (*models.Job, error) {
	orig, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != models.JobStatusFailed && orig.Status != models.JobStatusCancelled {
		return nil, fmt.Errorf("%w: only failed or cancelled jobs can be retried, job is %s", ErrIllegalTransition, orig.Status)
	}
	return s.submit(ctx, ownerID, orig.Type, orig.InputParameters, &orig.ID)
}

// BeginAttempt claims a job for one execution attempt under a lease. It
// returns ErrNotRunnable when the job is terminal, suspended, not yet due, or
// held by another live lease. A job whose previous worker vanished counts that
// attempt against its retry budget.
func (s *Service) BeginAttempt(ctx context.Context, id uuid.UUID, worker string, ttl time.Duration) (*models.Job, error) {
	var skip error
	job, err := s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		skip = nil
		if j.Status == models.JobStatusProcessing && !j.Lease.Live(now) {
			if j.CancelRequested {
				skip = fmt.Errorf("%w: cancelled", ErrNotRunnable)
				return AbortCancelled(j, now)
			}
			if j.Lease != nil {
				if j.RetryCount >= j.MaxRetries {
					skip = fmt.Errorf("%w: retries exhausted", ErrNotRunnable)
					return Fail(j, NewJobError(CodeRetriesExhausted, "worker lease expired during final attempt", false), now)
				}
				j.RetryCount++
			}
		}
		return Begin(j, worker, ttl, now)
	})
	if err != nil {
		return nil, err
	}
	if skip != nil {
		return nil, skip
	}
	return job, nil
}

// ExtendLease renews the worker's lease and returns the current record so the
// caller can observe a cancellation request.
func (s *Service) ExtendLease(ctx context.Context, id uuid.UUID, worker string, ttl time.Duration) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		return ExtendLease(j, worker, ttl, now)
	})
}

// AppendProgress records an executor step for the lease holder.
func (s *Service) AppendProgress(ctx context.Context, id uuid.UUID, worker, step, message string, pct int) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		if err := checkLease(j, worker); err != nil {
			return err
		}
		return AppendProgress(j, step, message, pct, now)
	})
}

// Checkpoint persists executor state for the lease holder.
func (s *Service) Checkpoint(ctx context.Context, id uuid.UUID, worker, step string, data map[string]string) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		if err := checkLease(j, worker); err != nil {
			return err
		}
		return Checkpoint(j, step, data, now)
	})
}

// Complete finishes the job with its result.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, worker string, result *models.JobResult) (*models.Job, error) {
	job, err := s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		if err := checkLease(j, worker); err != nil {
			return err
		}
		return Complete(j, result, now)
	})
	if err == nil {
		s.logger.Info("job completed", "job_id", id, "retry_count", job.RetryCount)
	}
	return job, err
}

// Fail finishes the job with an error. An empty worker skips the lease check.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, worker string, jobErr *models.JobError) (*models.Job, error) {
	job, err := s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		if worker != "" {
			if err := checkLease(j, worker); err != nil {
				return err
			}
		}
		return Fail(j, jobErr, now)
	})
	if err == nil {
		s.logger.Warn("job failed", "job_id", id, "code", jobErr.Code, "detail", jobErr.Detail,
			"fingerprint", redact.Fingerprint(jobErr.Detail))
	}
	return job, err
}

// RetryOrFail handles a recoverable attempt failure: the job is scheduled
// again after the policy backoff, or failed with RETRIES_EXHAUSTED once its
// retry budget is spent. The returned delay is zero when the job failed.
func (s *Service) RetryOrFail(ctx context.Context, id uuid.UUID, worker, detail string) (*models.Job, time.Duration, error) {
	var delay time.Duration
	job, err := s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		delay = 0
		if err := checkLease(j, worker); err != nil {
			return err
		}
		if j.RetryCount >= j.MaxRetries {
			return Fail(j, NewJobError(CodeRetriesExhausted, detail, false), now)
		}
		delay = s.policy.Backoff(j.RetryCount)
		return ScheduleRetry(j, delay, now)
	})
	if err != nil {
		return nil, 0, err
	}
	if delay == 0 {
		s.logger.Warn("job retries exhausted", "job_id", id, "retry_count", job.RetryCount,
			"fingerprint", redact.Fingerprint(detail))
		return job, 0, nil
	}
	if err := s.queue.Schedule(ctx, id, job.Priority, *job.NextAttemptAt); err != nil {
		s.logger.Error("schedule retry", "job_id", id, "error", err)
	}
	s.logger.Info("job retry scheduled", "job_id", id, "retry_count", job.RetryCount, "delay", delay,
		"fingerprint", redact.Fingerprint(detail))
	return job, delay, nil
}

// Suspend moves the lease holder's job to awaiting_input.
func (s *Service) Suspend(ctx context.Context, id uuid.UUID, worker string, req InputRequest, ttl time.Duration) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		if err := checkLease(j, worker); err != nil {
			return err
		}
		return RequestInput(j, req, now.Add(ttl), now)
	})
}

// SupplyInput accepts the owner's value for a suspended job. A late value
// fails the job with INPUT_TIMEOUT and returns ErrInputExpired; any later call
// then gets ErrStaleInput. On success the job is re-enqueued at resume
// priority.
func (s *Service) SupplyInput(ctx context.Context, ownerID, id uuid.UUID, kind, value string) (*models.Job, error) {
	var expired bool
	job, err := s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		expired = false
		if err := ownedBy(j, ownerID); err != nil {
			return err
		}
		err := SupplyInput(j, kind, value, now)
		if errors.Is(err, ErrInputExpired) {
			expired = true
			return Fail(j, NewJobError(CodeInputTimeout, "input supplied after deadline", false), now)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return job, ErrInputExpired
	}
	if err := s.enqueue(ctx, id, s.policy.ResumePriority); err != nil {
		// The record is runnable; the supervisor's orphan scan re-enqueues it.
		s.logger.Error("enqueue resumed job", "job_id", id, "error", err)
	}
	return job, nil
}

// ExpireInput fails a suspended job whose input deadline has passed. It
// reports false and changes nothing when the job was already resumed,
// cancelled or is not yet due.
func (s *Service) ExpireInput(ctx context.Context, id uuid.UUID) (bool, error) {
	errSkip := errors.New("skip")
	_, err := s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		if j.Status != models.JobStatusAwaitingInput || j.PendingInput == nil || now.Before(j.PendingInput.ExpiresAt) {
			return errSkip
		}
		return Fail(j, NewJobError(CodeInputTimeout, "no "+j.PendingInput.Kind+" supplied before deadline", false), now)
	})
	switch {
	case errors.Is(err, errSkip), errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	s.logger.Info("job input expired", "job_id", id)
	return true, nil
}

// AbortCancelled finishes a job whose executor observed a cancel request.
func (s *Service) AbortCancelled(ctx context.Context, id uuid.UUID, worker string) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		if err := checkLease(j, worker); err != nil {
			return err
		}
		return AbortCancelled(j, now)
	})
}

// Release hands back the lease of an attempt interrupted by shutdown.
func (s *Service) Release(ctx context.Context, id uuid.UUID, worker string) (*models.Job, error) {
	return s.mutate(ctx, id, func(j *models.Job, now time.Time) error {
		return Release(j, worker, now)
	})
}

// Requeue puts a runnable job back on the ready queue. It is used by the
// supervisor for records whose queue entry was lost.
func (s *Service) Requeue(ctx context.Context, job *models.Job) error {
	priority := job.Priority
	if job.ResumeInput != nil {
		priority = s.policy.ResumePriority
	}
	return s.queue.Enqueue(ctx, job.ID, priority)
}

// Orphans lists queued or processing jobs that have not changed since before
// cutoff, hold no live lease and are due.
func (s *Service) Orphans(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	candidates, err := s.store.ListJobs(ctx, store.JobFilter{
		Statuses:      []models.JobStatus{models.JobStatusQueued, models.JobStatusProcessing},
		UpdatedBefore: cutoff,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []*models.Job
	for _, j := range candidates {
		if j.Lease.Live(now) {
			continue
		}
		if j.NextAttemptAt != nil && now.Before(*j.NextAttemptAt) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// Suspended lists jobs awaiting input. With a non-zero before only those whose
// deadline is at or before it are returned.
func (s *Service) Suspended(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	return s.store.ListJobs(ctx, store.JobFilter{
		Statuses:           []models.JobStatus{models.JobStatusAwaitingInput},
		InputExpiresBefore: before,
		Limit:              limit,
	})
}
