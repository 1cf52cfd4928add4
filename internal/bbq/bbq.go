// Package bbq implements a bounded blocking queue used as the FIFO
// underneath every queue in the pipeline and callout runtimes (worker
// fetch queues, the callout urgent/idle queues, per-worker
// callout-stage queues).
//
// It is deliberately generic and deliberately small: Put/Get block with
// a timeout, PutN/GetN report "got so far" on interruption, WaitGettable
// lets a caller poll for availability without consuming an item, and
// Wakeup cooperatively interrupts whatever is currently blocked. A
// Queue's generation-channel wakeup pattern generalizes the
// taskCh/stopCh double-select worker pools commonly use for a single
// stop signal into one signal per condition, so Put and Get don't
// spuriously wake each other.
package bbq

import (
	"context"
	"sync"
	"time"

	"github.com/lagopus-project/pipeline-runtime/internal/chrono"
	"github.com/lagopus-project/pipeline-runtime/pkg/lgresult"
)

// Queue is a fixed-capacity FIFO of T guarded by a mutex, with
// condition-variable-style waiting implemented via generation channels
// so waits can also select on a context and a timeout.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	shutdown bool

	notEmpty chan struct{}
	notFull  chan struct{}
	wake     chan struct{}
}

// New creates a queue bounded at capacity. A capacity <= 0 is clamped to 1.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		capacity: capacity,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
		wake:     make(chan struct{}),
	}
}

// Put blocks until there is room, the queue is shut down, timeout
// elapses, ctx is done, or Wakeup is called.
func (q *Queue[T]) Put(ctx context.Context, v T, timeout time.Duration) error {
	deadline, stop := chrono.DeadlineChan(timeout)
	defer stop()

	for {
		q.mu.Lock()
		if q.shutdown {
			q.mu.Unlock()
			return lgresult.ErrNotOperational
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, v)
			q.signal(&q.notEmpty)
			q.mu.Unlock()
			return nil
		}
		full := q.notFull
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-full:
		case <-wake:
			return lgresult.ErrWakeupRequested
		case <-deadline:
			return lgresult.ErrTimedOut
		case <-ctx.Done():
			return lgresult.ErrWakeupRequested
		}
	}
}

// Get blocks until an item is available, the queue is shut down, timeout
// elapses, ctx is done, or Wakeup is called.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, error) {
	deadline, stop := chrono.DeadlineChan(timeout)
	defer stop()

	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items = q.items[1:]
			q.signal(&q.notFull)
			q.mu.Unlock()
			return v, nil
		}
		if q.shutdown {
			q.mu.Unlock()
			return zero, lgresult.ErrNotOperational
		}
		empty := q.notEmpty
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-empty:
		case <-wake:
			return zero, lgresult.ErrWakeupRequested
		case <-deadline:
			return zero, lgresult.ErrTimedOut
		case <-ctx.Done():
			return zero, lgresult.ErrWakeupRequested
		}
	}
}

// PutN puts as many of vs as possible, in order, stopping early if
// interrupted. It always returns the number actually enqueued; err is
// nil only if every element was enqueued.
func (q *Queue[T]) PutN(ctx context.Context, vs []T, timeout time.Duration) (int, error) {
	deadlineAt := time.Time{}
	if timeout >= 0 {
		deadlineAt = time.Now().Add(timeout)
	}
	for i, v := range vs {
		remaining := timeout
		if timeout >= 0 {
			remaining = time.Until(deadlineAt)
			if remaining < 0 {
				remaining = 0
			}
		}
		if err := q.Put(ctx, v, remaining); err != nil {
			return i, err
		}
	}
	return len(vs), nil
}

// GetN fetches up to n items, stopping early if interrupted before n are
// collected. It always returns what was collected so far.
func (q *Queue[T]) GetN(ctx context.Context, n int, timeout time.Duration) ([]T, error) {
	out := make([]T, 0, n)
	deadlineAt := time.Time{}
	if timeout >= 0 {
		deadlineAt = time.Now().Add(timeout)
	}
	for len(out) < n {
		remaining := timeout
		if timeout >= 0 {
			remaining = time.Until(deadlineAt)
			if remaining < 0 {
				remaining = 0
			}
		}
		v, err := q.Get(ctx, remaining)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// DrainAll removes and returns every item currently queued without
// blocking, leaving the queue empty but otherwise usable.
func (q *Queue[T]) DrainAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	drained := q.items
	q.items = nil
	q.signal(&q.notFull)
	return drained
}

// WaitGettable blocks until Size() > 0 without consuming an item, or
// until shut down / timed out / woken / cancelled.
func (q *Queue[T]) WaitGettable(ctx context.Context, timeout time.Duration) error {
	deadline, stop := chrono.DeadlineChan(timeout)
	defer stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			q.mu.Unlock()
			return nil
		}
		if q.shutdown {
			q.mu.Unlock()
			return lgresult.ErrNotOperational
		}
		empty := q.notEmpty
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-empty:
		case <-wake:
			return lgresult.ErrWakeupRequested
		case <-deadline:
			return lgresult.ErrTimedOut
		case <-ctx.Done():
			return lgresult.ErrWakeupRequested
		}
	}
}

// Wakeup cooperatively interrupts every Put/Get/WaitGettable call
// currently blocked on this queue; each returns ErrWakeupRequested.
func (q *Queue[T]) Wakeup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.signal(&q.wake)
}

// Size returns the current item count.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued item, invoking freeValues (if non-nil) on
// each. The queue remains usable afterward.
func (q *Queue[T]) Clear(freeValues func(T)) {
	q.mu.Lock()
	dropped := q.items
	q.items = nil
	q.signal(&q.notFull)
	q.mu.Unlock()

	if freeValues != nil {
		for _, v := range dropped {
			freeValues(v)
		}
	}
}

// Shutdown marks the queue permanently closed: every blocked and future
// Put/Get/WaitGettable returns ErrNotOperational, and any items still
// queued are freed via freeValues.
func (q *Queue[T]) Shutdown(freeValues func(T)) {
	q.mu.Lock()
	q.shutdown = true
	dropped := q.items
	q.items = nil
	q.signal(&q.notEmpty)
	q.signal(&q.notFull)
	q.mu.Unlock()

	if freeValues != nil {
		for _, v := range dropped {
			freeValues(v)
		}
	}
}

// Destroy is Shutdown's idempotent synonym, kept as a distinct name so
// callers can express "permanently retire this queue" independently of
// "drain and reject new work".
func (q *Queue[T]) Destroy(freeValues func(T)) { q.Shutdown(freeValues) }

// CancelJanitor is a no-op hook kept for API parity with the bounded
// queue contract this type replaces. Go's cooperative cancellation
// (ctx.Done()) already unwinds Put/Get/WaitGettable without leaking the
// queue's mutex, so there is no lock state left for a janitor to
// release.
func (q *Queue[T]) CancelJanitor() {}

// signal closes *ch and installs a fresh channel, waking every waiter
// currently selecting on the old one. Must be called with q.mu held.
func (q *Queue[T]) signal(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
