// Package queue provides the in-memory FIFO between concurrent ingestion
// requests and the single producer loop that drains them in batches.
package queue

import (
	"sync"
)

// Queue is an unbounded multi-producer, single-consumer FIFO.
//
// Producers never block on the consumer. Drain never blocks either: an empty
// queue reports ok=false and the caller is expected to back off and retry.
//
// Queue is safe for concurrent use by multiple goroutines.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends item to the tail.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// PushAll appends items to the tail as one contiguous run, preserving their order.
func (q *Queue[T]) PushAll(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
}

// Drain removes up to maxItems items from the head in arrival order.
// A maxItems of zero or less drains everything. It returns ok=false and no items
// when the queue is empty.
func (q *Queue[T]) Drain(maxItems int) ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	n := len(q.items)
	if maxItems > 0 && maxItems < n {
		n = maxItems
	}

	out := make([]T, n)
	copy(out, q.items[:n])
	clear(q.items[:n])

	if n == len(q.items) {
		q.items = nil
	} else {
		q.items = q.items[n:]
	}
	return out, true
}

// Size returns the current length. It is a snapshot and may be stale by the
// time the caller reads it.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
