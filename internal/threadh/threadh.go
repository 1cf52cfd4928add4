// Package threadh implements a joinable execution unit, the "thread
// handle": a wrapper around a unit of concurrent work with
// start/cancel/join-with-timeout, CPU-affinity accessors, a result
// code, and autodelete semantics. A handle keeps no reference count:
// Destroy tears it down on its first call and ignores later calls.
//
// Go has no asynchronous thread cancellation (no pthread_cancel
// equivalent), so Cancel is cooperative: it cancels a context.Context
// that the handle's Main function is expected to select on at every
// blocking point — bounded-queue waits, pause barrier, resume wait,
// post-start gate. Whatever the reason Main returns — normal completion
// or observing ctx.Done() — finalize runs exactly once, mirroring a
// cancellation-cleanup-handler guarantee.
package threadh

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lagopus-project/pipeline-runtime/internal/affinity"
	"github.com/lagopus-project/pipeline-runtime/internal/chrono"
	"github.com/lagopus-project/pipeline-runtime/pkg/lgresult"
)

var log = slog.Default()

// Result codes a Main function or finalize observes. Negative values are
// reserved for runtime-detected outcomes (cancellation, panic); a Main
// function is free to return any other int as an application-defined
// status.
const (
	ResultOK          = 0
	ResultInterrupted = -1
	ResultPanicked    = -2
)

// MainFunc is the body executed on the handle's goroutine. It must
// select on ctx.Done() at every blocking point so Cancel can interrupt
// it promptly.
type MainFunc func(ctx context.Context, arg any) int

// FinalizeFunc runs exactly once after Main returns (or is cancelled
// before ever running), on the handle's own goroutine.
type FinalizeFunc func(canceled bool, result int)

// Handle is one thread handle.
type Handle struct {
	mu       sync.Mutex
	name     string
	main     MainFunc
	arg      any
	finalize FinalizeFunc
	free     func()
	affinity affinity.Mask

	started         bool
	activated       bool
	canceled        bool
	finalized       bool
	destroying      bool
	autodelete      bool
	startupSyncDone bool
	resultCode      int

	finalizedCount int32
	finalizeGate   int32

	ctx        context.Context
	cancelFunc context.CancelFunc

	startedCh    chan struct{}
	startupAck   chan struct{}
	activatedGen chan struct{}
	finalizeGen  chan struct{}
}

// Create allocates a new, unstarted thread handle. name is truncated to
// 15 characters.
func Create(name string, main MainFunc, arg any, finalize FinalizeFunc, free func()) *Handle {
	if len(name) > 15 {
		name = name[:15]
	}
	return &Handle{
		name:         name,
		main:         main,
		arg:          arg,
		finalize:     finalize,
		free:         free,
		startedCh:    make(chan struct{}),
		startupAck:   make(chan struct{}),
		activatedGen: make(chan struct{}),
		finalizeGen:  make(chan struct{}),
	}
}

// Name returns the handle's (possibly truncated) name.
func (h *Handle) Name() string { return h.name }

// Start spawns the handle's goroutine. If autodelete is true, the
// caller gives up the right to Wait on this handle; Wait will always
// return ErrNotOperational. Start blocks until the new goroutine has
// observed the running flag.
func (h *Handle) Start(autodelete bool) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("threadh %q: %w", h.name, lgresult.ErrInvalidStateTransition)
	}
	h.started = true
	h.autodelete = autodelete
	ctx, cancel := context.WithCancel(context.Background())
	h.ctx, h.cancelFunc = ctx, cancel
	h.mu.Unlock()

	go h.run()

	<-h.startedCh
	h.mu.Lock()
	h.startupSyncDone = true
	h.mu.Unlock()
	close(h.startupAck)
	return nil
}

// run is the handle's goroutine body.
func (h *Handle) run() {
	h.mu.Lock()
	h.activated = true
	h.mu.Unlock()
	close(h.startedCh)

	select {
	case <-h.startupAck:
	case <-h.ctx.Done():
		h.doFinalize(true, ResultInterrupted)
		return
	}

	if h.affinity.Installed() {
		runtime.LockOSThread()
		if err := h.affinity.ApplyToOSThread(); err != nil {
			log.Warn("threadh: failed to apply cpu affinity", "name", h.name, "err", err)
		}
	}

	result := ResultOK
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("threadh: main panicked", "name", h.name, "panic", r)
				result = ResultPanicked
			}
		}()
		result = h.main(h.ctx, h.arg)
	}()

	canceled := false
	select {
	case <-h.ctx.Done():
		canceled = true
		if result == ResultOK {
			result = ResultInterrupted
		}
	default:
	}
	h.doFinalize(canceled, result)
}

// doFinalize runs finalize exactly once. A second observed call is a
// warning, not a crash: normal code paths can never reach it because
// finalizeGate is a one-shot CAS, so seeing count > 1 here would mean
// two goroutines raced into this function, which should be impossible
// given run() is the only caller. Kept as a warning rather than a fatal
// invariant violation since no known code path triggers it.
func (h *Handle) doFinalize(canceled bool, result int) {
	count := atomic.AddInt32(&h.finalizedCount, 1)
	if !atomic.CompareAndSwapInt32(&h.finalizeGate, 0, 1) {
		log.Warn("threadh: finalize observed more than once", "name", h.name, "count", count)
		return
	}

	h.mu.Lock()
	h.canceled = canceled
	h.resultCode = result
	h.activated = false
	actGen := h.activatedGen
	h.activatedGen = make(chan struct{})
	h.mu.Unlock()
	close(actGen)

	if h.finalize != nil {
		h.finalize(canceled, result)
	}

	h.mu.Lock()
	h.finalized = true
	finGen := h.finalizeGen
	h.finalizeGen = make(chan struct{})
	h.mu.Unlock()
	close(finGen)
}

// Cancel asynchronously (from the target's perspective: cooperatively)
// cancels the handle. It is idempotent and safe to call after the handle
// has already finished; called before Start it returns ErrNotStarted.
func (h *Handle) Cancel() error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return fmt.Errorf("threadh %q: %w", h.name, lgresult.ErrNotStarted)
	}
	if h.canceled {
		h.mu.Unlock()
		return nil
	}
	h.canceled = true
	cancel := h.cancelFunc
	h.mu.Unlock()
	cancel()
	return nil
}

// Wait blocks for the handle to become inactive and, if it does within
// the deadline, for its finalize to complete, returning the final
// result code. timeout < 0 waits forever. Waiting on an autodelete
// handle always fails with ErrNotOperational, since ownership of the
// handle passed to the goroutine itself at Start and no external
// waiter may exist.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (int, error) {
	h.mu.Lock()
	autodelete := h.autodelete
	h.mu.Unlock()
	if autodelete {
		return 0, lgresult.ErrNotOperational
	}

	deadline, stop := chrono.DeadlineChan(timeout)
	defer stop()

	for {
		h.mu.Lock()
		activated := h.activated
		gen := h.activatedGen
		h.mu.Unlock()
		if !activated {
			break
		}
		select {
		case <-gen:
		case <-deadline:
			return 0, lgresult.ErrTimedOut
		case <-ctx.Done():
			return 0, lgresult.ErrWakeupRequested
		}
	}

	for {
		h.mu.Lock()
		finalized := h.finalized
		finGen := h.finalizeGen
		code := h.resultCode
		h.mu.Unlock()
		if finalized {
			return code, nil
		}
		select {
		case <-finGen:
		case <-deadline:
			return 0, lgresult.ErrTimedOut
		case <-ctx.Done():
			return 0, lgresult.ErrWakeupRequested
		}
	}
}

// SetCPUAffinity installs cpu into the handle's affinity mask. cpu < 0
// clears the mask. Before Start this only updates the stored mask;
// after Start, Go cannot externally re-pin an already-running
// goroutine's OS thread (there is no addressable "the OS thread this
// goroutine happens to be on" from outside it), so the update takes
// effect the next time the handle's own goroutine calls
// ReapplyAffinity — internal/pipeline's worker loop does this once per
// fetch/main/throw iteration.
func (h *Handle) SetCPUAffinity(cpu int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.affinity.SetCPU(cpu)
}

// InstallAffinity overwrites the handle's entire affinity mask. Used by
// callers (internal/pipeline's Stage.Start) that accumulate a mask
// before the handle exists and need to transfer it wholesale rather
// than bit-by-bit.
func (h *Handle) InstallAffinity(m affinity.Mask) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.affinity = m
}

// ReapplyAffinity re-applies the stored mask to the calling OS thread.
// Must be called from the handle's own goroutine, with
// runtime.LockOSThread already in effect.
func (h *Handle) ReapplyAffinity() error {
	h.mu.Lock()
	installed := h.affinity.Installed()
	defer h.mu.Unlock()
	if !installed {
		return nil
	}
	return h.affinity.ApplyToOSThread()
}

// GetCPUAffinity returns the lowest CPU index in the effective mask, or
// ErrNotDefined if no mask has ever been installed.
func (h *Handle) GetCPUAffinity() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.affinity.Lowest()
}

// SetResultCode sets the result code under the handle's lock.
func (h *Handle) SetResultCode(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resultCode = code
}

// GetResultCode reads the result code under the handle's lock.
func (h *Handle) GetResultCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resultCode
}

// IsCanceled reports whether Cancel has been called.
func (h *Handle) IsCanceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

// IsActivated reports whether the goroutine is running and has not yet
// finalized.
func (h *Handle) IsActivated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activated
}

// Destroy cancels and joins the handle (if started and not already
// finalized), then invokes free exactly once.
func (h *Handle) Destroy() {
	h.mu.Lock()
	started := h.started
	finalized := h.finalized
	destroying := h.destroying
	h.destroying = true
	h.mu.Unlock()
	if destroying {
		return
	}

	if started && !finalized {
		_ = h.Cancel()
		_, _ = h.Wait(context.Background(), -1)
	}
	if h.free != nil {
		h.free()
	}
}
