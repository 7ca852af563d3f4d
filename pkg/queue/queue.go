// Package queue provides the bounded FIFO each delivery worker drains.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/billm/fanout/pkg/types"
)

// Queue is a thread-safe FIFO of opaque payloads. Any number of goroutines
// may Put; Get is expected to be called by a single consumer but is safe
// for several.
type Queue struct {
	mu       sync.Mutex
	items    [][]byte
	capacity int
	closed   bool
	// changed is closed and replaced whenever items or closed change,
	// waking every waiter.
	changed chan struct{}
}

// New creates a queue holding at most capacity items. capacity <= 0 means
// unbounded.
func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		items:    make([][]byte, 0),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// notify must be called with the lock held
func (q *Queue) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Put appends item. When the queue is full a non-blocking call fails with
// ErrCodeQueueFull at once; a blocking call waits up to timeout (timeout
// <= 0 waits until ctx is done) and then fails with ErrCodeQueueTimeout.
func (q *Queue) Put(ctx context.Context, item []byte, block bool, timeout time.Duration) error {
	var expired <-chan time.Time
	if block && timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return types.NewError(types.ErrCodeQueueClosed, "queue is closed")
		}
		if q.capacity == 0 || len(q.items) < q.capacity {
			q.items = append(q.items, item)
			q.notify()
			q.mu.Unlock()
			return nil
		}
		if !block {
			q.mu.Unlock()
			return types.NewError(types.ErrCodeQueueFull, "queue is full")
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-expired:
			return types.NewError(types.ErrCodeQueueTimeout, "timed out waiting for queue space")
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeCanceled, "put canceled", ctx.Err())
		}
	}
}

// Get removes and returns the oldest item, blocking until one is available,
// ctx is done, or the queue is closed and drained.
func (q *Queue) Get(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.notify()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, types.NewError(types.ErrCodeQueueClosed, "queue is closed")
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, types.WrapError(types.ErrCodeCanceled, "get canceled", ctx.Err())
		}
	}
}

// Len returns the number of queued items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the capacity, 0 meaning unbounded
func (q *Queue) Cap() int {
	return q.capacity
}

// Close rejects further puts and wakes all waiters. Items already queued
// can still be drained with Get. Returns the number of items left behind.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return len(q.items)
	}
	q.closed = true
	q.notify()
	return len(q.items)
}

// IsClosed reports whether Close has been called
func (q *Queue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
