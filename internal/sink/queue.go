package sink

import (
	"sync"
	"time"
)

// BoundedQueue is a thread-safe fixed-capacity ring buffer. Unlike an
// unbounded buffer, a full queue pushes back on the producer: Send blocks
// until space frees up, its timeout expires, or the queue closes.
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
}

// NewBoundedQueue creates a queue with the given capacity.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &BoundedQueue[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send adds an item, blocking up to timeout while the queue is full.
// Returns ErrBackpressure on timeout and ErrClosed after Close.
func (q *BoundedQueue[T]) Send(item T, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	// cond.Wait has no deadline; wake all waiters when time is up so the
	// loop below can re-check.
	timer := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == q.capacity && !q.closed {
		if !time.Now().Before(deadline) {
			return ErrBackpressure
		}
		q.cond.Wait()
	}

	if q.closed {
		return ErrClosed
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalReceived++

	// Senders and receivers share the cond; wake everyone so the right
	// party re-checks its predicate.
	q.cond.Broadcast()
	return nil
}

// Receive removes and returns an item, blocking until one is available
// or the queue is closed and empty.
func (q *BoundedQueue[T]) Receive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.count == 0 {
		var zero T
		return zero, false
	}

	return q.takeLocked(), true
}

// TryReceive attempts to receive without blocking.
func (q *BoundedQueue[T]) TryReceive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}

	return q.takeLocked(), true
}

// DrainTo removes up to max items (all items if max <= 0).
func (q *BoundedQueue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = q.takeLocked()
	}
	return result
}

// takeLocked removes the head item. Must be called with the lock held.
func (q *BoundedQueue[T]) takeLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalSent++

	// A freed slot may unblock a waiting Send.
	q.cond.Broadcast()
	return item
}

// Close closes the queue. Blocked senders fail with ErrClosed; receivers
// drain remaining items and then get the closed signal.
func (q *BoundedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the current number of queued items.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *BoundedQueue[T]) Cap() int {
	return q.capacity
}
