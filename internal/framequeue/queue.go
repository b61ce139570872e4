// Package framequeue provides the bounded FIFO buffer between a session's
// background read worker (producer) and its consumer. The queue is the only
// state shared by both sides; all other session resources are owned by
// exactly one of them.
package framequeue

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Pop once the queue is closed and drained.
	ErrClosed = errors.New("framequeue: closed")
	// ErrTimeout is returned by Pop when the wait deadline elapses.
	// The queue is unaffected; the caller may retry.
	ErrTimeout = errors.New("framequeue: pop timed out")
	// ErrStopped is returned when the stop signal fires during a blocked
	// Push or Pop.
	ErrStopped = errors.New("framequeue: stopped")
)

// Queue is a bounded FIFO with a fixed overflow policy.
//
// Exactly one producer goroutine calls Push and Close; any goroutine may
// call Pop, Len and Skipped. Items are delivered strictly in push order,
// never duplicated. With blockOnFull=false a push against a full queue
// atomically discards the incoming item and increments the skip counter.
type Queue[T any] struct {
	ch          chan T
	blockOnFull bool
	skipped     atomic.Uint64
	closed      atomic.Bool
}

// New creates a queue holding at most capacity items. capacity must be
// positive (validated by the session config).
func New[T any](capacity int, blockOnFull bool) *Queue[T] {
	return &Queue[T]{
		ch:          make(chan T, capacity),
		blockOnFull: blockOnFull,
	}
}

// Push enqueues item under the queue's overflow policy.
//
// Non-blocking policy: returns dropped=true when the queue was full; the
// item is discarded whole and the skip counter incremented. Blocking
// policy: waits for space; if cancel fires first the item is abandoned and
// ErrStopped returned (acceptable loss during teardown).
func (q *Queue[T]) Push(item T, cancel <-chan struct{}) (dropped bool, err error) {
	if q.closed.Load() {
		return false, ErrClosed
	}

	if q.blockOnFull {
		select {
		case q.ch <- item:
			return false, nil
		case <-cancel:
			return false, ErrStopped
		}
	}

	select {
	case q.ch <- item:
		return false, nil
	default:
		q.skipped.Add(1)
		return true, nil
	}
}

// Pop dequeues the oldest item. timeout <= 0 blocks indefinitely.
//
// A closed queue still yields buffered items before ErrClosed. A timed-out
// Pop consumes nothing: an item pushed after the timeout remains available
// for the next call. The stop channel releases blocked callers promptly
// with ErrStopped.
func (q *Queue[T]) Pop(timeout time.Duration, stop <-chan struct{}) (T, error) {
	var zero T

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	// Drain buffered items before honoring a pending stop so that an item
	// already queued when both are ready is not lost spuriously. Stop
	// priority over buffered content is enforced by the session, which
	// checks its stopped state before calling Pop.
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	default:
	}

	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	case <-stop:
		return zero, ErrStopped
	case <-timeoutC:
		return zero, ErrTimeout
	}
}

// Len returns the current queue occupancy.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the configured capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Skipped returns the number of items dropped because the queue was full.
// Monotonically non-decreasing for the lifetime of the queue.
func (q *Queue[T]) Skipped() uint64 {
	return q.skipped.Load()
}

// Close marks the producer side finished. Idempotent; protected against
// double-close. Buffered items remain poppable; once drained, Pop returns
// ErrClosed.
func (q *Queue[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	return q.closed.Load()
}
