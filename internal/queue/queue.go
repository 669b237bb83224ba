package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrEmpty is returned by Claim when no job is ready.
var ErrEmpty = errors.New("queue empty")

// Queue is a priority queue of job ids. Lower priority values are claimed
// first, and ids of equal priority are claimed in the order they were added.
// A claimed id stays in flight until it is acknowledged; ids whose worker
// stops touching them are returned to the ready set by RequeueStale.
type Queue interface {
	// Enqueue makes id ready. Enqueueing an id that is already ready keeps
	// the better of the two priorities and does not create a duplicate.
	Enqueue(ctx context.Context, id uuid.UUID, priority int) error
	// Schedule makes id ready at the given time.
	Schedule(ctx context.Context, id uuid.UUID, priority int, at time.Time) error
	// Remove drops id from the ready and delayed sets.
	Remove(ctx context.Context, id uuid.UUID) error
	// Claim pops the best ready id and marks it in flight. It returns
	// ErrEmpty when nothing is ready.
	Claim(ctx context.Context) (uuid.UUID, error)
	// Touch refreshes the in-flight timestamp of a claimed id.
	Touch(ctx context.Context, id uuid.UUID) error
	// Ack removes a claimed id from the in-flight set.
	Ack(ctx context.Context, id uuid.UUID) error
	// PromoteDue moves delayed ids whose time has come to the ready set.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// RequeueStale returns in-flight ids not touched since before to the
	// ready set.
	RequeueStale(ctx context.Context, before time.Time) (int, error)
	Depth(ctx context.Context) (Depth, error)
}

// Depth reports the size of each set.
type Depth struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
}

// priorityScale separates priority bands in the ready-set score; the low part
// holds the insertion sequence.
const priorityScale = 1e13
