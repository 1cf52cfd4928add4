package callout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerWithWorkerPoolRunsTasks(t *testing.T) {
	withGlobalStarted(t)

	h, err := InitializeHandler(2, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()
	stop := runLoop(t, h)
	defer stop()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	var ran atomic.Int32
	for i := 0; i < n; i++ {
		task, err := h.CreateTask("pooled", func(any) int {
			ran.Add(1)
			wg.Done()
			return 0
		}, nil, nil)
		require.NoError(t, err)
		require.NoError(t, task.SubmitTask(0, 0))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("only %d/%d pooled tasks ran", ran.Load(), n)
	}
}

func TestNextSleepCapsAtIdleInterval(t *testing.T) {
	h, err := InitializeHandler(0, func(any) int { return 0 }, nil, 50*time.Millisecond, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()

	now := time.Now()
	sleep := h.nextSleep(now, time.Time{})
	assert.LessOrEqual(t, sleep, 50*time.Millisecond)
	assert.Greater(t, sleep, time.Duration(0))
}

func TestNextSleepRespectsEarlierTimedWakeup(t *testing.T) {
	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()

	now := time.Now()
	wakeup := now.Add(5 * time.Millisecond)
	sleep := h.nextSleep(now, wakeup)
	assert.LessOrEqual(t, sleep, 5*time.Millisecond+time.Millisecond)
}

func TestStopMainLoopStopsIteration(t *testing.T) {
	withGlobalStarted(t)

	h, err := InitializeHandler(0, nil, nil, 0, nil)
	require.NoError(t, err)
	defer h.FinalizeHandler()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- h.StartMainLoop(ctx) }()

	time.Sleep(10 * time.Millisecond)
	h.StopMainLoop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("main loop did not stop")
	}
}
