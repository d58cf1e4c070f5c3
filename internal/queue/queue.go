// Package queue implements the single-producer/single-consumer bounded work
// queue that feeds a client-group's Coordinator. Enqueue and Drain never
// suspend; Dequeue blocks until an item is available.
package queue

import (
	"sync"

	"github.com/syncbridge/mutsync/internal/wire"
)

// Queue is a FIFO of *wire.PushEntry plus at most one terminal sentinel.
// Safe for concurrent Enqueue from many goroutines (the transport layer);
// Dequeue/Drain are meant to be called from the single Coordinator loop.
type Queue struct {
	mu       sync.Mutex
	items    []*wire.PushEntry
	notEmpty chan struct{}
	stopped  bool
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{notEmpty: make(chan struct{}, 1)}
}

// Enqueue appends item to the queue. It never blocks. Enqueuing after Stop
// has been called is ignored with no effect: nothing may follow the
// termination sentinel.
func (q *Queue) Enqueue(item *wire.PushEntry) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if wire.IsSentinel(item) {
		q.stopped = true
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Stop enqueues the distinguished termination sentinel. Equivalent to
// Enqueue(wire.Sentinel).
func (q *Queue) Stop() {
	q.Enqueue(wire.Sentinel)
}

// Dequeue blocks until at least one item is available, then returns the
// first one (FIFO order).
func (q *Queue) Dequeue() *wire.PushEntry {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item
		}
		q.mu.Unlock()
		<-q.notEmpty
	}
}

// Drain returns all items currently buffered, without blocking. It never
// waits for more items to arrive.
func (q *Queue) Drain() []*wire.PushEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = nil
	return items
}

// Len reports the number of currently buffered items, for metrics (queue
// depth) only; it is not part of the FIFO contract.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
