// Package offline provides offline-first data management: the pending
// operation queue, the local TTL cache and the conflict inbox.
package offline

import (
	"container/heap"
	"sync"

	"github.com/codetaoist/taishanglaojun/internal/errors"
	"github.com/codetaoist/taishanglaojun/internal/models"
)

// Queue is a bounded in-memory priority queue of pending operations.
// Ordering is priority descending, then created_at ascending, so urgent
// work goes first and equal-priority work stays FIFO. When full, new
// operations are rejected rather than evicting queued ones.
type Queue struct {
	mu      sync.Mutex
	items   opHeap
	maxSize int
	seq     uint64
}

// NewQueue creates a Queue holding at most maxSize operations.
func NewQueue(maxSize int) *Queue {
	return &Queue{maxSize: maxSize}
}

// Enqueue adds an operation. Returns a queue-full error when at capacity;
// the caller decides whether to surface or drop.
func (q *Queue) Enqueue(op *models.OfflineOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return errors.New(errors.ErrQueueFull, "offline queue is full")
	}

	q.seq++
	heap.Push(&q.items, &queuedOp{op: op, seq: q.seq})
	return nil
}

// Dequeue removes and returns the highest-priority operation, or nil if
// the queue is empty.
func (q *Queue) Dequeue() *models.OfflineOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*queuedOp).op
}

// Remove deletes a specific operation from the queue by id.
func (q *Queue) Remove(id models.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.op.ID == id {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued operations in processing order without
// removing them.
func (q *Queue) Snapshot() []*models.OfflineOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	tmp := make(opHeap, len(q.items))
	copy(tmp, q.items)
	heap.Init(&tmp)

	ops := make([]*models.OfflineOperation, 0, len(tmp))
	for len(tmp) > 0 {
		ops = append(ops, heap.Pop(&tmp).(*queuedOp).op)
	}
	return ops
}

type queuedOp struct {
	op  *models.OfflineOperation
	seq uint64
}

// opHeap orders by priority descending, created_at ascending, then
// insertion order so the ordering is total.
type opHeap []*queuedOp

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.op.Priority != b.op.Priority {
		return a.op.Priority > b.op.Priority
	}
	if a.op.CreatedAt != b.op.CreatedAt {
		return a.op.CreatedAt < b.op.CreatedAt
	}
	return a.seq < b.seq
}

func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *opHeap) Push(x interface{}) {
	*h = append(*h, x.(*queuedOp))
}

func (h *opHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
