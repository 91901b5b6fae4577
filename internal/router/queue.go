package router

import (
	"container/list"
	"sync"

	"github.com/mmikhailov/agentrelay/internal/domain"
)

// PendingQueue holds at most one PendingRequest per thread_id. Enqueue
// replaces any existing entry for a thread in place, preserving its FIFO
// position (the newest payload wins; the position is the first burst
// entry's position) — grounded on the teacher's list.List-backed
// SSEMessageQueue, adapted from a bounded per-session ring to an unbounded
// per-thread dedup queue.
type PendingQueue struct {
	mu      sync.Mutex
	order   *list.List               // ordered list of thread_id
	entries map[string]*list.Element // thread_id -> position in order
	byID    map[string]*domain.PendingRequest
}

// NewPendingQueue returns an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{
		order:   list.New(),
		entries: make(map[string]*list.Element),
		byID:    make(map[string]*domain.PendingRequest),
	}
}

// Enqueue replaces any existing entry for r.ThreadID while preserving its
// position; otherwise appends at the tail.
func (q *PendingQueue) Enqueue(r *domain.PendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[r.ThreadID]; exists {
		q.byID[r.ThreadID] = r
		return
	}
	elem := q.order.PushBack(r.ThreadID)
	q.entries[r.ThreadID] = elem
	q.byID[r.ThreadID] = r
}

// Dequeue pops the oldest thread_id and returns its request, or nil if the
// queue is empty.
func (q *PendingQueue) Dequeue() *domain.PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueFront()
}

func (q *PendingQueue) dequeueFront() *domain.PendingRequest {
	front := q.order.Front()
	if front == nil {
		return nil
	}
	return q.removeElement(front)
}

func (q *PendingQueue) removeElement(elem *list.Element) *domain.PendingRequest {
	threadID := elem.Value.(string)
	q.order.Remove(elem)
	delete(q.entries, threadID)
	r := q.byID[threadID]
	delete(q.byID, threadID)
	return r
}

// DequeueByThread removes and returns the entry for a specific thread, if
// queued.
func (q *PendingQueue) DequeueByThread(threadID string) *domain.PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.entries[threadID]
	if !ok {
		return nil
	}
	return q.removeElement(elem)
}

// DequeueWithPriority supports the atomic release/dequeue handoff: it
// selects, in order, (1) the first queued entry whose thread_id is in
// preferThreadIDs, (2) the FIFO head. Callers pass the freed slot's affinity
// thread (if any) and the just-released thread as the preference set, in
// that priority order.
func (q *PendingQueue) DequeueWithPriority(preferThreadIDs ...string) *domain.PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, tid := range preferThreadIDs {
		if tid == "" {
			continue
		}
		if elem, ok := q.entries[tid]; ok {
			return q.removeElement(elem)
		}
	}
	return q.dequeueFront()
}

// Len returns the number of distinct threads currently queued.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}
