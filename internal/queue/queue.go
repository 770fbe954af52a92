// Package queue provides an unbounded work queue that tracks, per item,
// whether the consumer has acknowledged it, so producers can wait for the
// queue to drain.
package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO safe for concurrent producers and consumers.
// Every item handed out by Get must be acknowledged with Done; Join returns
// once every item ever Put has been acknowledged.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	pending int
	ready   chan struct{}
	drained chan struct{}
}

// New returns an empty, drained queue.
func New[T any]() *Queue[T] {
	drained := make(chan struct{})
	close(drained)
	return &Queue[T]{
		ready:   make(chan struct{}, 1),
		drained: drained,
	}
}

// Put enqueues item. It never blocks.
func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	if q.pending == 0 {
		q.drained = make(chan struct{})
	}
	q.pending++
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.signal()
}

// Get dequeues the oldest item, waiting until one is available or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()

			// pass the wakeup on so another waiting consumer sees the rest
			if more {
				q.signal()
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// Done acknowledges one item previously returned by Get.
func (q *Queue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending <= 0 {
		panic("queue: Done called more times than items were put")
	}
	q.pending--
	if q.pending == 0 {
		close(q.drained)
	}
}

// Join waits until every item put so far has been acknowledged, or ctx is done.
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of items waiting to be dequeued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending is the number of items put but not yet acknowledged.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
