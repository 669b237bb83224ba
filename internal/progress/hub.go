package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// Subscription receives one owner's progress events.
type Subscription struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
	C       <-chan models.ProgressEvent

	ch      chan models.ProgressEvent
	lastSeq map[uuid.UUID]int
	dropped atomic.Int64
	closed  bool
}

// Dropped returns how many events were discarded because the subscriber was
// not keeping up.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Hub fans progress events out to the sessions of the job's owner. Publish
// never blocks: a subscriber whose buffer is full loses the event and must
// reconcile through the status endpoint. Events of one job reach a subscriber
// in sequence order; an event older than one already delivered is discarded.
type Hub struct {
	mu     sync.Mutex
	owners map[uuid.UUID]map[uuid.UUID]*Subscription
	buffer int
	logger *slog.Logger
}

// NewHub creates a Hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		owners: map[uuid.UUID]map[uuid.UUID]*Subscription{},
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new session for ownerID.
func (h *Hub) Subscribe(ownerID uuid.UUID) *Subscription {
	ch := make(chan models.ProgressEvent, h.buffer)
	sub := &Subscription{
		ID:      uuid.New(),
		OwnerID: ownerID,
		C:       ch,
		ch:      ch,
		lastSeq: map[uuid.UUID]int{},
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.owners[ownerID]
	if !ok {
		group = map[uuid.UUID]*Subscription{}
		h.owners[ownerID] = group
	}
	group[sub.ID] = sub
	return sub
}

// Unsubscribe removes the session and closes its channel. It is safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if group, ok := h.owners[sub.OwnerID]; ok {
		delete(group, sub.ID)
		if len(group) == 0 {
			delete(h.owners, sub.OwnerID)
		}
	}
}

// Publish delivers ev to every session of the event's owner.
func (h *Hub) Publish(ev models.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.owners[ev.OwnerID] {
		if ev.Seq <= sub.lastSeq[ev.JobID] {
			continue
		}
		select {
		case sub.ch <- ev:
			sub.lastSeq[ev.JobID] = ev.Seq
		default:
			if sub.dropped.Add(1) == 1 {
				h.logger.Warn("progress subscriber lagging, dropping events", "owner_id", sub.OwnerID, "subscription_id", sub.ID)
			}
		}
	}
}

// Subscribers returns the number of open sessions for ownerID.
func (h *Hub) Subscribers(ownerID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.owners[ownerID])
}

// Close unsubscribes every session.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for owner, group := range h.owners {
		for _, sub := range group {
			sub.closed = true
			close(sub.ch)
		}
		delete(h.owners, owner)
	}
}
