package models

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job Record.
type JobStatus string

const (
	JobStatusPending       JobStatus = "pending"
	JobStatusQueued        JobStatus = "queued"
	JobStatusProcessing    JobStatus = "processing"
	JobStatusAwaitingInput JobStatus = "awaiting_input"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
	JobStatusCancelled     JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses lists every non-terminal status.
var ActiveStatuses = []JobStatus{
	JobStatusPending,
	JobStatusQueued,
	JobStatusProcessing,
	JobStatusAwaitingInput,
}

// Job is the durable record of one automation request. It is never deleted,
// only moved to a terminal state.
type Job struct {
	ID              uuid.UUID         `db:"id"               json:"id"`
	OwnerID         uuid.UUID         `db:"owner_id"         json:"owner_id"`
	Type            JobType           `db:"type"             json:"job_type"`
	Status          JobStatus         `db:"status"           json:"status"`
	Progress        int               `db:"progress"         json:"progress"`
	ProgressLog     []ProgressEntry   `db:"progress_log"     json:"progress_log"`
	InputParameters map[string]string `db:"input_parameters" json:"input_parameters"`
	Result          *JobResult        `db:"result"           json:"result,omitempty"`
	Error           *JobError         `db:"error"            json:"error,omitempty"`
	PendingInput    *PendingInput     `db:"pending_input"    json:"pending_input,omitempty"`
	RetryCount      int               `db:"retry_count"      json:"retry_count"`
	MaxRetries      int               `db:"max_retries"      json:"max_retries"`
	Priority        int               `db:"priority"         json:"priority"`
	RetryOf         *uuid.UUID        `db:"retry_of"         json:"retry_of,omitempty"`
	CancelRequested bool              `db:"cancel_requested" json:"cancel_requested"`
	CreatedAt       time.Time         `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at"       json:"updated_at"`
	StartedAt       *time.Time        `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time        `db:"completed_at"     json:"completed_at,omitempty"`
	CancelledAt     *time.Time        `db:"cancelled_at"     json:"cancelled_at,omitempty"`

	// Worker-side state. Never serialized to clients.
	Lease         *Lease                       `db:"lease"           json:"-"`
	ResumeInput   *SuppliedInput               `db:"resume_input"    json:"-"`
	Checkpoints   map[string]map[string]string `db:"checkpoints"     json:"-"`
	NextAttemptAt *time.Time                   `db:"next_attempt_at" json:"-"`
}

// ProgressEntry is one append-only line of a job's progress log.
type ProgressEntry struct {
	Seq       int       `json:"seq"`
	Step      string    `json:"step"`
	State     JobStatus `json:"state"`
	Message   string    `json:"message"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// JobResult is present only on completed jobs.
type JobResult struct {
	Data      map[string]string `json:"data"`
	Artifacts []Artifact        `json:"artifacts"`
}

// Artifact describes a file produced by an executor.
type Artifact struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	URI       string `json:"uri"`
	Size      int64  `json:"size"`
}

// JobError is present only on failed jobs. Detail is for operators and is
// never returned to the requester.
type JobError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Detail      string `json:"-"`
	Recoverable bool   `json:"recoverable"`
}

// PendingInput describes what a suspended job is waiting for.
type PendingInput struct {
	Kind      string            `json:"input_kind"`
	Challenge string            `json:"challenge_id,omitempty"`
	Prompt    string            `json:"prompt"`
	AuxData   map[string]string `json:"auxiliary_data,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// SuppliedInput carries a value from the requester to the resumed executor.
// Challenge names the request it answers.
type SuppliedInput struct {
	Kind      string `json:"kind"`
	Challenge string `json:"challenge,omitempty"`
	Value     string `json:"value"`
}

// Lease marks the worker currently executing a job.
type Lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the lease is still held at now.
func (l *Lease) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// LastEntry returns the most recent progress entry, or nil.
func (j *Job) LastEntry() *ProgressEntry {
	if len(j.ProgressLog) == 0 {
		return nil
	}
	e := j.ProgressLog[len(j.ProgressLog)-1]
	return &e
}

// NextSeq returns the sequence number the next appended entry will carry.
func (j *Job) NextSeq() int {
	if len(j.ProgressLog) == 0 {
		return 1
	}
	return j.ProgressLog[len(j.ProgressLog)-1].Seq + 1
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ProgressLog = append([]ProgressEntry(nil), j.ProgressLog...)
	c.InputParameters = maps.Clone(j.InputParameters)
	if j.Result != nil {
		r := *j.Result
		r.Data = maps.Clone(j.Result.Data)
		r.Artifacts = append([]Artifact(nil), j.Result.Artifacts...)
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.PendingInput != nil {
		p := *j.PendingInput
		p.AuxData = maps.Clone(j.PendingInput.AuxData)
		c.PendingInput = &p
	}
	if j.Lease != nil {
		l := *j.Lease
		c.Lease = &l
	}
	if j.ResumeInput != nil {
		r := *j.ResumeInput
		c.ResumeInput = &r
	}
	if j.Checkpoints != nil {
		c.Checkpoints = make(map[string]map[string]string, len(j.Checkpoints))
		for k, v := range j.Checkpoints {
			c.Checkpoints[k] = maps.Clone(v)
		}
	}
	c.RetryOf = clonePtr(j.RetryOf)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.CancelledAt = clonePtr(j.CancelledAt)
	c.NextAttemptAt = clonePtr(j.NextAttemptAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
