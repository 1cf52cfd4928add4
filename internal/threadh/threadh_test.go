package threadh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagopus-project/pipeline-runtime/pkg/lgresult"
)

func TestStartRunsMainAndWaitReturnsResult(t *testing.T) {
	h := Create("worker", func(ctx context.Context, arg any) int {
		return arg.(int)
	}, 7, nil, nil)

	require.NoError(t, h.Start(false))
	code, err := h.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestCancelInterruptsBlockedMain(t *testing.T) {
	h := Create("blocker", func(ctx context.Context, arg any) int {
		<-ctx.Done()
		return ResultOK
	}, nil, nil, nil)

	require.NoError(t, h.Start(false))
	require.NoError(t, h.Cancel())
	code, err := h.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, ResultInterrupted, code)
	assert.True(t, h.IsCanceled())
}

func TestCancelIsIdempotent(t *testing.T) {
	h := Create("idem", func(ctx context.Context, arg any) int { return ResultOK }, nil, nil, nil)
	require.NoError(t, h.Start(false))
	_, _ = h.Wait(context.Background(), time.Second)
	require.NoError(t, h.Cancel())
	require.NoError(t, h.Cancel())
}

func TestDoubleStartFails(t *testing.T) {
	h := Create("double", func(ctx context.Context, arg any) int { return ResultOK }, nil, nil, nil)
	require.NoError(t, h.Start(false))
	err := h.Start(false)
	assert.ErrorIs(t, err, lgresult.ErrInvalidStateTransition)
}

func TestCancelBeforeStartIsRejected(t *testing.T) {
	h := Create("never-started", func(ctx context.Context, arg any) int { return ResultOK }, nil, nil, nil)
	err := h.Cancel()
	assert.ErrorIs(t, err, lgresult.ErrNotStarted)
}

func TestWaitOnAutodeleteHandleFails(t *testing.T) {
	h := Create("auto", func(ctx context.Context, arg any) int { return ResultOK }, nil, nil, nil)
	require.NoError(t, h.Start(true))
	_, err := h.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, lgresult.ErrNotOperational)
}

func TestFinalizeRunsExactlyOnce(t *testing.T) {
	var calls int
	done := make(chan struct{})
	h := Create("finalize-once", func(ctx context.Context, arg any) int { return ResultOK }, nil, func(canceled bool, result int) {
		calls++
		close(done)
	}, nil)

	require.NoError(t, h.Start(false))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("finalize never ran")
	}
	_, err := h.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPanicInMainBecomesResultPanicked(t *testing.T) {
	h := Create("panics", func(ctx context.Context, arg any) int {
		panic("boom")
	}, nil, nil, nil)

	require.NoError(t, h.Start(false))
	code, err := h.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, ResultPanicked, code)
}

func TestDestroyCancelsAndJoinsAndFrees(t *testing.T) {
	var freed bool
	h := Create("destroy", func(ctx context.Context, arg any) int {
		<-ctx.Done()
		return ResultOK
	}, nil, nil, func() { freed = true })

	require.NoError(t, h.Start(false))
	h.Destroy()
	assert.True(t, freed)
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := Create("destroy-twice", func(ctx context.Context, arg any) int { return ResultOK }, nil, nil, nil)
	require.NoError(t, h.Start(false))
	assert.NotPanics(t, func() {
		h.Destroy()
		h.Destroy()
	})
}

func TestNameTruncatedTo15Chars(t *testing.T) {
	h := Create("this-name-is-definitely-too-long", func(ctx context.Context, arg any) int { return 0 }, nil, nil, nil)
	assert.Len(t, h.Name(), 15)
}

func TestGetCPUAffinityUndefinedByDefault(t *testing.T) {
	h := Create("no-affinity", func(ctx context.Context, arg any) int { return 0 }, nil, nil, nil)
	_, err := h.GetCPUAffinity()
	assert.ErrorIs(t, err, lgresult.ErrNotDefined)
}

func TestWaitTimesOutWhileMainStillRunning(t *testing.T) {
	release := make(chan struct{})
	h := Create("slow", func(ctx context.Context, arg any) int {
		<-release
		return ResultOK
	}, nil, nil, nil)
	require.NoError(t, h.Start(false))

	_, err := h.Wait(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, lgresult.ErrTimedOut)

	close(release)
	_, err = h.Wait(context.Background(), time.Second)
	require.NoError(t, err)
}
