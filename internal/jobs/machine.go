package jobs

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// DefaultPriority is assigned to newly submitted jobs. Lower runs first.
const DefaultPriority = 5

// Progress-log step names written by the state machine itself. Executor steps
// use their own names.
const (
	StepCreated         = "created"
	StepQueued          = "queued"
	StepStarted         = "started"
	StepInputRequested  = "input_requested"
	StepInputSupplied   = "input_supplied"
	StepCompleted       = "completed"
	StepFailed          = "failed"
	StepCancelled       = "cancelled"
	StepCancelRequested = "cancel_requested"
	StepRetryScheduled  = "retry_scheduled"
	StepReleased        = "released"
)

var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending:       {models.JobStatusQueued, models.JobStatusCancelled},
	models.JobStatusQueued:        {models.JobStatusProcessing, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusProcessing:    {models.JobStatusAwaitingInput, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusAwaitingInput: {models.JobStatusProcessing, models.JobStatusFailed, models.JobStatusCancelled},
}

// IsValidTransition reports whether a job may move from one status to another.
// Self-transitions are never valid.
func IsValidTransition(from, to models.JobStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(j *models.Job, to models.JobStatus) error {
	if !IsValidTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.Status, to)
	}
	j.Status = to
	return nil
}

func appendEntry(j *models.Job, step, message string, now time.Time) {
	j.ProgressLog = append(j.ProgressLog, models.ProgressEntry{
		Seq:       j.NextSeq(),
		Step:      step,
		State:     j.Status,
		Message:   message,
		Progress:  j.Progress,
		Timestamp: now,
	})
	j.UpdatedAt = now
}

// New builds a pending Job Record. The catalog decides which parameters are
// required; a missing one yields a *ValidationError and no record.
func New(ownerID uuid.UUID, jobType models.JobType, params map[string]string, maxRetries int, now time.Time) (*models.Job, error) {
	spec, ok := models.LookupJobType(jobType)
	if !ok {
		return nil, &ValidationError{JobType: jobType, Reason: "unsupported job type"}
	}
	var missing []string
	for _, f := range spec.Required() {
		if params[f.Name] == "" {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{JobType: jobType, Missing: missing}
	}

	priority := spec.DefaultPriority
	if priority <= 0 {
		priority = DefaultPriority
	}
	j := &models.Job{
		ID:              uuid.New(),
		OwnerID:         ownerID,
		Type:            jobType,
		Status:          models.JobStatusPending,
		InputParameters: maps.Clone(params),
		MaxRetries:      maxRetries,
		Priority:        priority,
		CreatedAt:       now,
	}
	appendEntry(j, StepCreated, "Request received", now)
	return j, nil
}

// Enqueue moves a pending job to queued.
func Enqueue(j *models.Job, now time.Time) error {
	if err := transition(j, models.JobStatusQueued); err != nil {
		return err
	}
	appendEntry(j, StepQueued, "Waiting for a free worker", now)
	return nil
}

// Begin claims the job for one execution attempt. It accepts a queued job, or a
// processing job that no worker holds a live lease on (a retry that came due, a
// resume after input, or an attempt orphaned by a crashed worker).
func Begin(j *models.Job, worker string, ttl time.Duration, now time.Time) error {
	switch {
	case j.Status == models.JobStatusQueued:
		if err := transition(j, models.JobStatusProcessing); err != nil {
			return err
		}
		j.StartedAt = &now
		j.Lease = &models.Lease{Owner: worker, ExpiresAt: now.Add(ttl)}
		appendEntry(j, StepStarted, "Processing started", now)
		return nil
	case j.Status == models.JobStatusProcessing && !j.Lease.Live(now):
		if j.NextAttemptAt != nil && now.Before(*j.NextAttemptAt) {
			return fmt.Errorf("%w: next attempt at %s", ErrNotRunnable, j.NextAttemptAt.Format(time.RFC3339))
		}
		j.Lease = &models.Lease{Owner: worker, ExpiresAt: now.Add(ttl)}
		j.NextAttemptAt = nil
		msg := fmt.Sprintf("Attempt %d started", j.RetryCount+1)
		if j.ResumeInput != nil {
			msg = "Resumed after " + j.ResumeInput.Kind + " was entered"
		}
		appendEntry(j, StepStarted, msg, now)
		return nil
	case j.Status == models.JobStatusProcessing:
		return fmt.Errorf("%w: %w by %s", ErrNotRunnable, ErrLeased, j.Lease.Owner)
	}
	return fmt.Errorf("%w: status %s", ErrNotRunnable, j.Status)
}

// ExtendLease pushes the lease deadline forward for the worker that holds it.
func ExtendLease(j *models.Job, worker string, ttl time.Duration, now time.Time) error {
	if err := checkLease(j, worker); err != nil {
		return err
	}
	j.Lease.ExpiresAt = now.Add(ttl)
	return nil
}

func checkLease(j *models.Job, worker string) error {
	if j.Status != models.JobStatusProcessing || j.Lease == nil || j.Lease.Owner != worker {
		return ErrLeaseLost
	}
	return nil
}

// AppendProgress records an executor step. The percentage is clamped to
// [current, 100] so progress never decreases.
func AppendProgress(j *models.Job, step, message string, pct int, now time.Time) error {
	if j.Status != models.JobStatusProcessing {
		return fmt.Errorf("%w: progress on %s job", ErrIllegalTransition, j.Status)
	}
	if pct > 100 {
		pct = 100
	}
	if pct > j.Progress {
		j.Progress = pct
	}
	appendEntry(j, step, message, now)
	return nil
}

// Checkpoint stores executor state under step, replacing any earlier value.
func Checkpoint(j *models.Job, step string, data map[string]string, now time.Time) error {
	if j.Status != models.JobStatusProcessing {
		return fmt.Errorf("%w: checkpoint on %s job", ErrIllegalTransition, j.Status)
	}
	if j.Checkpoints == nil {
		j.Checkpoints = map[string]map[string]string{}
	}
	j.Checkpoints[step] = maps.Clone(data)
	j.UpdatedAt = now
	return nil
}

// RequestInput suspends a processing job until the requester supplies a value
// of the requested kind. Any previously supplied input is consumed.
func RequestInput(j *models.Job, req InputRequest, expiresAt, now time.Time) error {
	if err := transition(j, models.JobStatusAwaitingInput); err != nil {
		return err
	}
	j.Lease = nil
	j.ResumeInput = nil
	j.PendingInput = &models.PendingInput{
		Kind:      req.Kind,
		Challenge: req.Challenge,
		Prompt:    req.Prompt,
		AuxData:   maps.Clone(req.Aux),
		ExpiresAt: expiresAt,
	}
	appendEntry(j, StepInputRequested, req.Prompt, now)
	return nil
}

// SupplyInput hands the requester's value to a suspended job and makes it
// runnable again. A job past its input deadline is left untouched and
// ErrInputExpired is returned; the caller fails it.
func SupplyInput(j *models.Job, kind, value string, now time.Time) error {
	if j.Status != models.JobStatusAwaitingInput || j.PendingInput == nil {
		return ErrStaleInput
	}
	if j.PendingInput.Kind != kind {
		return fmt.Errorf("%w: want %s, got %s", ErrInputKindMismatch, j.PendingInput.Kind, kind)
	}
	if !now.Before(j.PendingInput.ExpiresAt) {
		return ErrInputExpired
	}
	if err := transition(j, models.JobStatusProcessing); err != nil {
		return err
	}
	j.ResumeInput = &models.SuppliedInput{Kind: kind, Challenge: j.PendingInput.Challenge, Value: value}
	j.PendingInput = nil
	appendEntry(j, StepInputSupplied, "Input received, resuming", now)
	return nil
}

// Complete records the result and finishes the job.
func Complete(j *models.Job, result *models.JobResult, now time.Time) error {
	if err := transition(j, models.JobStatusCompleted); err != nil {
		return err
	}
	j.Progress = 100
	j.Result = result
	j.Lease = nil
	j.ResumeInput = nil
	j.CompletedAt = &now
	appendEntry(j, StepCompleted, "Completed successfully", now)
	return nil
}

// Fail records the error and finishes the job.
func Fail(j *models.Job, jobErr *models.JobError, now time.Time) error {
	if err := transition(j, models.JobStatusFailed); err != nil {
		return err
	}
	j.Error = jobErr
	j.Lease = nil
	j.PendingInput = nil
	j.ResumeInput = nil
	j.NextAttemptAt = nil
	j.CompletedAt = &now
	appendEntry(j, StepFailed, jobErr.Message, now)
	return nil
}

// ScheduleRetry ends a failed attempt and marks the job due again after delay.
// The record stays processing with no lease until a worker picks it up.
func ScheduleRetry(j *models.Job, delay time.Duration, now time.Time) error {
	if j.Status != models.JobStatusProcessing {
		return fmt.Errorf("%w: retry on %s job", ErrIllegalTransition, j.Status)
	}
	j.RetryCount++
	j.Lease = nil
	due := now.Add(delay)
	j.NextAttemptAt = &due
	appendEntry(j, StepRetryScheduled,
		fmt.Sprintf("Attempt %d failed, retrying in %s", j.RetryCount, delay.Round(time.Millisecond)), now)
	return nil
}

// Cancel moves a job that is not currently executing to cancelled.
func Cancel(j *models.Job, now time.Time) error {
	if j.Status == models.JobStatusProcessing {
		return fmt.Errorf("%w: job is executing, request cancellation instead", ErrIllegalTransition)
	}
	if err := transition(j, models.JobStatusCancelled); err != nil {
		return err
	}
	j.PendingInput = nil
	j.CancelledAt = &now
	appendEntry(j, StepCancelled, "Cancelled by requester", now)
	return nil
}

// RequestCancel flags an executing job. The executor observes the flag at its
// next checkpoint, or the worker at its next lease heartbeat.
func RequestCancel(j *models.Job, now time.Time) error {
	if j.Status != models.JobStatusProcessing {
		return fmt.Errorf("%w: cancel request on %s job", ErrIllegalTransition, j.Status)
	}
	if j.CancelRequested {
		return nil
	}
	j.CancelRequested = true
	appendEntry(j, StepCancelRequested, "Cancellation requested", now)
	return nil
}

// AbortCancelled finishes an executing job whose cancellation was requested.
func AbortCancelled(j *models.Job, now time.Time) error {
	if j.Status != models.JobStatusProcessing || !j.CancelRequested {
		return fmt.Errorf("%w: abort without cancel request", ErrIllegalTransition)
	}
	if err := transition(j, models.JobStatusCancelled); err != nil {
		return err
	}
	j.Lease = nil
	j.ResumeInput = nil
	j.NextAttemptAt = nil
	j.CancelledAt = &now
	appendEntry(j, StepCancelled, "Cancelled by requester", now)
	return nil
}

// Release gives up the lease of an interrupted attempt without counting it as
// a failure. The job stays processing and is picked up again later.
func Release(j *models.Job, worker string, now time.Time) error {
	if err := checkLease(j, worker); err != nil {
		return err
	}
	j.Lease = nil
	appendEntry(j, StepReleased, "Interrupted, will resume shortly", now)
	return nil
}
