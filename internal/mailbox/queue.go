// Package mailbox provides the unbounded FIFO queue that feeds a
// single-consumer run loop.
//
// Producers call Enqueue from any goroutine. The consumer drains with
// TryDequeue and parks on Wait between bursts:
//
//	for {
//	    if msg, ok := q.TryDequeue(); ok {
//	        handle(msg)
//	        continue
//	    }
//	    select {
//	    case <-ctx.Done():
//	        return ctx.Err()
//	    case <-q.Wait():
//	    }
//	}
//
// The queue is unbounded so that a coordinator replying to itself, or a
// persistence collaborator answering it, never blocks on a full mailbox.
package mailbox

import "sync"

// Queue is a thread-safe FIFO queue.
//
// The signal channel has a buffer of one, so many Enqueue calls between two
// waits coalesce into a single wake-up. Consumers must drain with TryDequeue
// until it reports empty before waiting again.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the back of the queue.
// Returns false if the queue is closed.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, item)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front item without blocking.
// Returns false if the queue is empty.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]

	// Clear the slot so the backing array does not pin the item.
	q.items[0] = zero

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return item, true
}

// Wait returns a channel that signals when items may be available.
// The channel is closed once the queue is closed.
func (q *Queue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting items and wakes any waiter. Items already queued
// remain available to TryDequeue.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
