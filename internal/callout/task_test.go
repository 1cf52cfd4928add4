package callout

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagopus-project/pipeline-runtime/internal/gstate"
	"github.com/lagopus-project/pipeline-runtime/pkg/lgresult"
)

// withGlobalStarted advances the process-wide lifecycle register to
// STARTED, as StartMainLoop requires, and restores it on cleanup.
func withGlobalStarted(t *testing.T) {
	t.Helper()
	gstate.Global.ResetForTest()
	require.NoError(t, gstate.Global.Set(gstate.Started))
	t.Cleanup(gstate.Global.ResetForTest)
}

func runLoop(t *testing.T, h *Handler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.StartMainLoop(ctx)
	}()
	return func() {
		cancel()
		h.StopMainLoop()
		<-done
	}
}

func TestCreateTaskRejectsNilProc(t *testing.T) {
	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()

	_, err = h.CreateTask("nil-proc", nil, nil, nil)
	assert.ErrorIs(t, err, lgresult.ErrInvalidArgs)
}

func TestTaskStateOnNilIsUnknown(t *testing.T) {
	var task *Task
	assert.Equal(t, Unknown, task.State())
}

func TestUrgentTaskRunsAndCompletes(t *testing.T) {
	withGlobalStarted(t)

	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()
	stop := runLoop(t, h)
	defer stop()

	done := make(chan struct{})
	task, err := h.CreateTask("urgent", func(arg any) int {
		close(done)
		return 0
	}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, task.SubmitTask(0, 0))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("urgent task never ran")
	}

	assert.Eventually(t, func() bool { return task.State() == Executed }, time.Second, time.Millisecond)
}

func TestTimedTaskRunsAfterDelay(t *testing.T) {
	withGlobalStarted(t)

	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()
	stop := runLoop(t, h)
	defer stop()

	start := time.Now()
	ranAt := make(chan time.Time, 1)
	task, err := h.CreateTask("timed", func(arg any) int {
		ranAt <- time.Now()
		return 0
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, task.SubmitTask(50*time.Millisecond, 0))

	select {
	case got := <-ranAt:
		assert.GreaterOrEqual(t, got.Sub(start), 40*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timed task never ran")
	}
}

func TestPeriodicTaskReschedules(t *testing.T) {
	withGlobalStarted(t)

	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()
	stop := runLoop(t, h)
	defer stop()

	var runs atomic.Int32
	task, err := h.CreateTask("periodic", func(arg any) int {
		runs.Add(1)
		return 0
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, task.SubmitTask(5*time.Millisecond, 5*time.Millisecond))

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, task.CancelTask())
}

func TestSubmitTaskRejectsIntervalBelowFloor(t *testing.T) {
	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()

	task, err := h.CreateTask("too-fast", func(any) int { return 0 }, nil, nil)
	require.NoError(t, err)

	err = task.SubmitTask(0, time.Microsecond)
	assert.ErrorIs(t, err, lgresult.ErrTooSmall)
}

func TestSubmitTaskRejectsFromWrongState(t *testing.T) {
	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()

	task, err := h.CreateTask("double-submit", func(any) int { return 0 }, nil, nil)
	require.NoError(t, err)
	require.NoError(t, task.SubmitTask(time.Hour, 0))

	err = task.SubmitTask(time.Hour, 0)
	assert.ErrorIs(t, err, lgresult.ErrInvalidStateTransition)

	require.NoError(t, task.CancelTask())
}

func TestCancelEnqueuedTimedTaskDestroysImmediately(t *testing.T) {
	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()

	var freed atomic.Bool
	task, err := h.CreateTask("cancel-timed", func(any) int { return 0 }, "payload", func(any) {
		freed.Store(true)
	})
	require.NoError(t, err)
	require.NoError(t, task.SubmitTask(time.Hour, 0))

	require.NoError(t, task.CancelTask())
	assert.Equal(t, Cancelled, task.State())
	assert.True(t, freed.Load())
}

func TestCancelCreatedTaskDestroysImmediately(t *testing.T) {
	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()

	task, err := h.CreateTask("cancel-created", func(any) int { return 0 }, nil, nil)
	require.NoError(t, err)

	require.NoError(t, task.CancelTask())
	assert.Equal(t, Cancelled, task.State())
}

func TestCancelExecutingTaskWaitsForDrain(t *testing.T) {
	withGlobalStarted(t)

	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()
	stop := runLoop(t, h)
	defer stop()

	inFlight := make(chan struct{})
	release := make(chan struct{})
	task, err := h.CreateTask("slow", func(any) int {
		close(inFlight)
		<-release
		return 0
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, task.SubmitTask(0, 0))

	select {
	case <-inFlight:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started executing")
	}
	assert.Eventually(t, func() bool { return task.State() == Executing }, time.Second, time.Millisecond)

	cancelDone := make(chan error, 1)
	go func() { cancelDone <- task.CancelTask() }()

	select {
	case <-cancelDone:
		t.Fatal("cancel returned before execution drained")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-cancelDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel never returned after release")
	}
	assert.Equal(t, Cancelled, task.State())
}

func TestCancelAlreadyTerminalTaskFails(t *testing.T) {
	withGlobalStarted(t)

	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()
	stop := runLoop(t, h)
	defer stop()

	done := make(chan struct{})
	task, err := h.CreateTask("finishes-fast", func(any) int {
		close(done)
		return 0
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, task.SubmitTask(0, 0))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	assert.Eventually(t, func() bool { return task.State() == Executed }, time.Second, time.Millisecond)

	err = task.CancelTask()
	assert.ErrorIs(t, err, lgresult.ErrAlreadyHalted)
}

func TestExecForciblyRunsImmediatelyBypassingDelay(t *testing.T) {
	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()

	var ran atomic.Bool
	task, err := h.CreateTask("forced", func(any) int {
		ran.Store(true)
		return 0
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, task.SubmitTask(time.Hour, 0))

	require.NoError(t, task.ExecForcibly())
	assert.True(t, ran.Load())
	assert.Equal(t, Executed, task.State())
}

func TestResetIntervalOnlyValidWhileExecuting(t *testing.T) {
	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()

	task, err := h.CreateTask("reset", func(any) int { return 0 }, nil, nil)
	require.NoError(t, err)

	err = task.ResetInterval(100 * time.Millisecond)
	assert.ErrorIs(t, err, lgresult.ErrInvalidStateTransition)

	err = task.ResetInterval(time.Microsecond)
	assert.ErrorIs(t, err, lgresult.ErrTooSmall)
}

func TestInitializeHandlerRejectsLowIdleInterval(t *testing.T) {
	_, err := InitializeHandler(0, func(any) int { return 0 }, nil, time.Microsecond, nil)
	assert.ErrorIs(t, err, lgresult.ErrInvalidArgs)
}

func TestIdleProcRunsOnInterval(t *testing.T) {
	withGlobalStarted(t)

	var calls atomic.Int32
	h, err := InitializeHandler(0, func(any) int {
		calls.Add(1)
		return 0
	}, nil, 10*time.Millisecond, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()
	stop := runLoop(t, h)
	defer stop()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestIdleProcNegativeReturnStopsLoop(t *testing.T) {
	withGlobalStarted(t)

	h, err := InitializeHandler(0, func(any) int { return -1 }, nil, 10*time.Millisecond, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- h.StartMainLoop(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("main loop did not stop after negative idle return")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "EXECUTING", Executing.String())
	assert.Equal(t, "CANCELLED", Cancelled.String())
	assert.Contains(t, State(42).String(), "State(42)")
}

func TestTimedQueueBreaksTiesByInsertionOrder(t *testing.T) {
	q := newTimedQueue()
	same := time.Now().Add(time.Hour)

	first := &Task{name: "first", heapIndex: -1, nextAbstime: same}
	second := &Task{name: "second", heapIndex: -1, nextAbstime: same}
	third := &Task{name: "third", heapIndex: -1, nextAbstime: same}
	q.Insert(first)
	q.Insert(second)
	q.Insert(third)

	ready, _ := q.PopReady(same)
	require.Len(t, ready, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{ready[0].name, ready[1].name, ready[2].name})
}
