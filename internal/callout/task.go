// Package callout implements the callout task scheduler: urgent, timed,
// and idle task queues, a callout task lifecycle with reference-counted
// cancellation, an optional worker pool built on internal/pipeline, and
// a master loop that drains and dispatches pending work once per
// iteration.
package callout

import (
	"fmt"
	"sync"
	"time"

	"github.com/lagopus-project/pipeline-runtime/internal/runnable"
	"github.com/lagopus-project/pipeline-runtime/pkg/lgresult"
)

// State is one node of a callout task's lifecycle.
type State int

const (
	Unknown State = iota
	Created
	Enqueued
	Dequeued
	Executing
	Executed
	ExecFailed
	Cancelled
	Deleting
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case Created:
		return "CREATED"
	case Enqueued:
		return "ENQUEUED"
	case Dequeued:
		return "DEQUEUED"
	case Executing:
		return "EXECUTING"
	case Executed:
		return "EXECUTED"
	case ExecFailed:
		return "EXEC_FAILED"
	case Cancelled:
		return "CANCELLED"
	case Deleting:
		return "DELETING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// class is the queue a task belongs to, derived from its delay at
// submission: delay == 0 is urgent, delay > 0 is timed, delay < 0 is
// idle.
type class int

const (
	classNone class = iota
	classUrgent
	classTimed
	classIdle
)

// minInterval is the shortest periodic interval submit_task and
// task_reset_interval accept.
const minInterval = 10 * time.Microsecond

// Proc is a callout task body. A return >= 0 is success (OK); < 0 is
// failure. A periodic task (interval > 0) is rescheduled only after a
// successful return.
type Proc = runnable.Func

// Task is one callout task: a name, body, and argument, plus the
// scheduling and reference-counting state the handler and the
// executioner share.
type Task struct {
	name    string
	proc    Proc
	arg     any
	freeArg func(arg any)

	handler *Handler

	mu             sync.Mutex
	state          State
	class          class
	delay          time.Duration
	interval       time.Duration
	nextAbstime    time.Time
	lastAbstime    time.Time
	execRefCount   int
	cancelRefCount int
	canceled       bool
	destroyed      bool
	heapIndex      int   // position in the timed-queue heap; -1 if absent
	seq            int64 // insertion sequence, breaks next_abstime ties in FIFO order

	waitGen chan struct{}
}

// CreateTask allocates a task record in state CREATED. name may be
// empty. proc must not be nil.
func (h *Handler) CreateTask(name string, proc Proc, arg any, freeArg func(arg any)) (*Task, error) {
	if proc == nil {
		return nil, fmt.Errorf("callout: create_task %q: %w", name, lgresult.ErrInvalidArgs)
	}
	return &Task{
		name:      name,
		proc:      proc,
		arg:       arg,
		freeArg:   freeArg,
		handler:   h,
		state:     Created,
		heapIndex: -1,
		waitGen:   make(chan struct{}),
	}, nil
}

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// State reads the task's current state, matching task_state(task):
// UNKNOWN if t is nil.
func (t *Task) State() State {
	if t == nil {
		return Unknown
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SubmitTask schedules t into the urgent (delay == 0), timed (delay >
// 0), or idle (delay < 0) class. Only valid from CREATED. A positive
// interval must be at least 10us; the task is then periodic.
func (t *Task) SubmitTask(delay, interval time.Duration) error {
	t.mu.Lock()
	if t.state != Created {
		t.mu.Unlock()
		return fmt.Errorf("callout: submit_task %q from %v: %w", t.name, t.state, lgresult.ErrInvalidStateTransition)
	}
	if interval > 0 && interval < minInterval {
		t.mu.Unlock()
		return fmt.Errorf("callout: submit_task %q: interval %v below floor %v: %w", t.name, interval, minInterval, lgresult.ErrTooSmall)
	}
	t.delay = delay
	t.interval = interval
	switch {
	case delay == 0:
		t.class = classUrgent
	case delay > 0:
		t.class = classTimed
		t.nextAbstime = time.Now().Add(delay)
	default:
		t.class = classIdle
	}
	t.state = Enqueued
	cls, h := t.class, t.handler
	t.mu.Unlock()

	switch cls {
	case classUrgent:
		return h.enqueueUrgent(t)
	case classIdle:
		return h.enqueueIdle(t)
	case classTimed:
		h.timedQ.Insert(t)
		h.wakeScheduler()
		return nil
	default:
		return nil
	}
}

// ResetInterval updates the periodic interval for subsequent
// reschedules. Only valid when called from within the task's own body
// (i.e. while it is EXECUTING).
func (t *Task) ResetInterval(interval time.Duration) error {
	if interval > 0 && interval < minInterval {
		return fmt.Errorf("callout: task_reset_interval %q: interval %v below floor %v: %w", t.name, interval, minInterval, lgresult.ErrTooSmall)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Executing {
		return fmt.Errorf("callout: task_reset_interval %q from %v: %w", t.name, t.state, lgresult.ErrInvalidStateTransition)
	}
	t.interval = interval
	return nil
}

// CancelTask cancels t. If currently EXECUTING, blocks until every
// in-flight execution drains before destroying it. An ENQUEUED timed
// task is unscheduled and destroyed immediately; an ENQUEUED
// urgent/idle task is flagged for the scheduler to destroy at pickup; a
// DEQUEUED-but-not-yet-EXECUTING task is flagged for the executioner to
// destroy on arrival.
func (t *Task) CancelTask() error {
	t.mu.Lock()
	switch t.state {
	case Created:
		t.state = Cancelled
		t.mu.Unlock()
		t.destroy()
		return nil

	case Enqueued:
		if t.class == classTimed {
			t.handler.timedQ.Remove(t)
			t.state = Cancelled
			t.mu.Unlock()
			t.destroy()
			return nil
		}
		t.canceled = true
		t.mu.Unlock()
		return nil

	case Dequeued:
		t.canceled = true
		t.mu.Unlock()
		return nil

	case Executing:
		t.cancelRefCount++
		for t.execRefCount > 0 {
			gen := t.waitGen
			t.mu.Unlock()
			<-gen
			t.mu.Lock()
		}
		t.cancelRefCount--
		if t.cancelRefCount > 0 {
			t.mu.Unlock()
			return nil
		}
		t.state = Cancelled
		t.mu.Unlock()
		t.handler.timedQ.Remove(t)
		t.destroy()
		return nil

	default:
		t.mu.Unlock()
		return fmt.Errorf("callout: cancel_task %q from %v: %w", t.name, t.state, lgresult.ErrAlreadyHalted)
	}
}

// ExecForcibly runs t immediately, as if it had just been dequeued with
// now as its start time. Only valid from CREATED or ENQUEUED while not
// currently executing.
func (t *Task) ExecForcibly() error {
	t.mu.Lock()
	switch t.state {
	case Created, Enqueued:
	default:
		t.mu.Unlock()
		return fmt.Errorf("callout: exec_task_forcibly %q from %v: %w", t.name, t.state, lgresult.ErrInvalidStateTransition)
	}
	if t.class == classTimed {
		t.handler.timedQ.Remove(t)
	}
	t.state = Dequeued
	t.mu.Unlock()

	t.handler.executeOne(t)
	return nil
}

// destroy frees arg exactly once. Safe to call more than once; only
// the first call has any effect.
func (t *Task) destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	free, arg := t.freeArg, t.arg
	t.mu.Unlock()
	if free != nil {
		free(arg)
	}
}
