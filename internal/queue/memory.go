package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type item struct {
	id       uuid.UUID
	priority int
	seq      uint64
	index    int
}

type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	it.index = -1
	return it
}

type delayedEntry struct {
	priority int
	at       time.Time
}

type inflightEntry struct {
	priority int
	touched  time.Time
}

// MemoryQueue is an in-process Queue for tests and single-node deployments.
// Its contents do not survive a restart; the supervisor's orphan scan
// re-enqueues runnable jobs from the store.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    readyHeap
	byID     map[uuid.UUID]*item
	delayed  map[uuid.UUID]delayedEntry
	inflight map[uuid.UUID]inflightEntry
	seq      uint64
	now      func() time.Time
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		byID:     map[uuid.UUID]*item{},
		delayed:  map[uuid.UUID]delayedEntry{},
		inflight: map[uuid.UUID]inflightEntry{},
		now:      time.Now,
	}
}

// WithClock replaces the time source used for in-flight timestamps.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) push(id uuid.UUID, priority int) {
	q.seq++
	if it, ok := q.byID[id]; ok {
		if priority < it.priority {
			it.priority = priority
			it.seq = q.seq
			heap.Fix(&q.ready, it.index)
		}
		return
	}
	it := &item{id: id, priority: priority, seq: q.seq}
	heap.Push(&q.ready, it)
	q.byID[id] = it
}

func (q *MemoryQueue) Enqueue(_ context.Context, id uuid.UUID, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.delayed, id)
	q.push(id, priority)
	return nil
}

func (q *MemoryQueue) Schedule(_ context.Context, id uuid.UUID, priority int, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed[id] = delayedEntry{priority: priority, at: at}
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.delayed, id)
	if it, ok := q.byID[id]; ok {
		heap.Remove(&q.ready, it.index)
		delete(q.byID, id)
	}
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() == 0 {
		return uuid.Nil, ErrEmpty
	}
	it := heap.Pop(&q.ready).(*item)
	delete(q.byID, it.id)
	q.inflight[it.id] = inflightEntry{priority: it.priority, touched: q.now()}
	return it.id, nil
}

func (q *MemoryQueue) Touch(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.inflight[id]; ok {
		e.touched = q.now()
		q.inflight[id] = e
	}
	return nil
}

func (q *MemoryQueue) Ack(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
	return nil
}

func (q *MemoryQueue) PromoteDue(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, e := range q.delayed {
		if e.at.After(now) {
			continue
		}
		delete(q.delayed, id)
		q.push(id, e.priority)
		n++
	}
	return n, nil
}

func (q *MemoryQueue) RequeueStale(_ context.Context, before time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, e := range q.inflight {
		if !e.touched.Before(before) {
			continue
		}
		delete(q.inflight, id)
		q.push(id, e.priority)
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Depth(_ context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Depth{
		Ready:    int64(q.ready.Len()),
		Delayed:  int64(len(q.delayed)),
		InFlight: int64(len(q.inflight)),
	}, nil
}

var _ Queue = (*MemoryQueue)(nil)
