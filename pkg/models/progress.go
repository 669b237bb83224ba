package models

import (
	"time"

	"github.com/google/uuid"
)

// ProgressEvent is pushed to the owner's subscribed sessions for every
// progress-log append.
type ProgressEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	OwnerID    uuid.UUID `json:"-"`
	Seq        int       `json:"seq"`
	Status     JobStatus `json:"status,omitempty"`
	Step       string    `json:"step,omitempty"`
	Message    string    `json:"message,omitempty"`
	Percentage *int      `json:"percentage,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventFromEntry builds the push event for a progress-log entry.
func EventFromEntry(j *Job, e ProgressEntry) ProgressEvent {
	pct := e.Progress
	return ProgressEvent{
		JobID:      j.ID,
		OwnerID:    j.OwnerID,
		Seq:        e.Seq,
		Status:     e.State,
		Step:       e.Step,
		Message:    e.Message,
		Percentage: &pct,
		Timestamp:  e.Timestamp,
	}
}
