package callout

import (
	"container/heap"
	"sync"
	"time"
)

// timedQueue is a min-heap of tasks ordered by next_abstime (ties broken
// by insertion order), guarded by its own lock independent of any
// individual task's lock.
type timedQueue struct {
	mu      sync.Mutex
	h       taskHeap
	nextSeq int64
}

func newTimedQueue() *timedQueue {
	return &timedQueue{}
}

// Insert adds t to the heap, stamping it with the next insertion
// sequence number so Less can break next_abstime ties in FIFO order.
// t's own lock must not be held by the caller, since Insert takes the
// queue lock only.
func (q *timedQueue) Insert(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.h, t)
}

// Remove drops t from the heap if present; a no-op otherwise.
func (q *timedQueue) Remove(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.heapIndex < 0 || t.heapIndex >= len(q.h) || q.h[t.heapIndex] != t {
		return
	}
	heap.Remove(&q.h, t.heapIndex)
}

// PopReady removes and returns every task whose next_abstime is at or
// before deadline, and reports the earliest remaining next_abstime (the
// zero Time if the queue is now empty).
func (q *timedQueue) PopReady(deadline time.Time) (ready []*Task, nextWakeup time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.h) > 0 && !q.h[0].nextAbstime.After(deadline) {
		ready = append(ready, heap.Pop(&q.h).(*Task))
	}
	if len(q.h) > 0 {
		nextWakeup = q.h[0].nextAbstime
	}
	return ready, nextWakeup
}

// PeekNext returns the earliest next_abstime still queued, or the zero
// Time if empty.
func (q *timedQueue) PeekNext() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return time.Time{}
	}
	return q.h[0].nextAbstime
}

// taskHeap implements container/heap.Interface over *Task, ordered by
// nextAbstime with ties broken by insertion sequence (seq), maintaining
// each task's heapIndex for O(log n) Remove.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].nextAbstime.Equal(h[j].nextAbstime) {
		return h[i].seq < h[j].seq
	}
	return h[i].nextAbstime.Before(h[j].nextAbstime)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}
