// Package gstate implements the process-wide lifecycle state machine that
// gates pipeline-worker startup and unblocks callout-scheduler shutdown
// waiters.
//
// A cancellation-aware wait needs to unwind cleanly even when woken
// mid-wait rather than by reaching its target state. Go has no
// asynchronous cancellation, so WaitFor and WaitForShutdownRequest take
// a context.Context instead: ctx.Done() firing returns the observed
// state with a nil error, because the caller is unwinding, not
// failing.
package gstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lagopus-project/pipeline-runtime/internal/chrono"
	"github.com/lagopus-project/pipeline-runtime/pkg/lgresult"
)

// State is one node of the global lifecycle state machine.
type State int

const (
	Initializing State = iota
	Started
	AcceptShutdown
	ShuttingDown
	Shutdown
	Finalizing
	Finalized
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "INITIALIZING"
	case Started:
		return "STARTED"
	case AcceptShutdown:
		return "ACCEPT_SHUTDOWN"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	case Shutdown:
		return "SHUTDOWN"
	case Finalizing:
		return "FINALIZING"
	case Finalized:
		return "FINALIZED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) valid() bool { return s >= Initializing && s <= Finalized }

// isShutdownState reports whether s is a state past which a waiter for
// an earlier target will never be satisfied: once shutdown has begun,
// the machine only moves forward.
func isShutdownState(s State) bool {
	return s >= ShuttingDown
}

// GraceLevel is the pending shutdown request's strength.
type GraceLevel int

const (
	// GraceNone means no shutdown has been requested.
	GraceNone GraceLevel = iota
	// GraceGracefully lets in-flight iterations finish.
	GraceGracefully
	// GraceRightNow cancels immediately; it always overrides Gracefully.
	GraceRightNow
)

func (g GraceLevel) String() string {
	switch g {
	case GraceNone:
		return "NONE"
	case GraceGracefully:
		return "GRACEFULLY"
	case GraceRightNow:
		return "RIGHT_NOW"
	default:
		return fmt.Sprintf("GraceLevel(%d)", int(g))
	}
}

// Register is one process-wide lifecycle register. Production code uses
// the package-level Global; tests may construct their own with New to
// avoid cross-test interference.
type Register struct {
	mu                sync.Mutex
	state             State
	shutdownRequested bool
	shutdownLevel     GraceLevel

	stateCh    chan struct{} // closed and replaced on every Set
	shutdownCh chan struct{} // closed and replaced on every RequestShutdown
}

// New creates a Register in the INITIALIZING state.
func New() *Register {
	return &Register{
		state:      Initializing,
		stateCh:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Global is the process-wide register pipeline stages and the callout
// scheduler synchronize against.
var Global = New()

// Set performs a forward state transition. Only transitions to a state
// ranked at or after the current one are accepted; an out-of-order
// target fails with ErrInvalidStateTransition, and a target outside the
// enum's range fails with ErrInvalidArgs.
func (r *Register) Set(target State) error {
	if !target.valid() {
		return fmt.Errorf("gstate: target %v: %w", target, lgresult.ErrInvalidArgs)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if target < r.state {
		return fmt.Errorf("gstate: %v -> %v: %w", r.state, target, lgresult.ErrInvalidStateTransition)
	}
	if target == r.state {
		return nil
	}
	r.state = target
	close(r.stateCh)
	r.stateCh = make(chan struct{})
	return nil
}

// ResetForTest forces the register back to INITIALIZING and clears any
// pending shutdown request. Test scaffolding only; never call this from
// production code.
func (r *Register) ResetForTest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Initializing
	r.shutdownRequested = false
	r.shutdownLevel = GraceNone
	close(r.stateCh)
	r.stateCh = make(chan struct{})
	close(r.shutdownCh)
	r.shutdownCh = make(chan struct{})
}

// Get returns the current state.
func (r *Register) Get() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// WaitFor blocks until state==target, until any SHUTDOWN state is
// entered (returns the observed state, the pending grace level, and
// ErrNotOperational), until timeout elapses (ErrTimedOut), or until ctx
// is done (returns the observed state and a nil error, since the caller
// is unwinding rather than failing). timeout < 0 waits forever.
func (r *Register) WaitFor(ctx context.Context, target State, timeout time.Duration) (State, GraceLevel, error) {
	if !target.valid() {
		return r.Get(), r.graceLevel(), fmt.Errorf("gstate: target %v: %w", target, lgresult.ErrInvalidArgs)
	}

	deadline, stop := chrono.DeadlineChan(timeout)
	defer stop()

	for {
		r.mu.Lock()
		state := r.state
		level := r.shutdownLevel
		gen := r.stateCh
		if state == target {
			r.mu.Unlock()
			return state, level, nil
		}
		if state.valid() && r.state.valid() && isShutdownState(state) {
			r.mu.Unlock()
			return state, level, fmt.Errorf("gstate: observed %v waiting for %v: %w", state, target, lgresult.ErrNotOperational)
		}
		r.mu.Unlock()

		select {
		case <-gen:
			// state changed; loop and re-check.
		case <-deadline:
			return r.Get(), r.graceLevel(), fmt.Errorf("gstate: wait for %v: %w", target, lgresult.ErrTimedOut)
		case <-ctx.Done():
			return r.Get(), r.graceLevel(), nil
		}
	}
}

func (r *Register) graceLevel() GraceLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdownLevel
}

// RequestShutdown records a shutdown request at the given grace level.
// It is idempotent for an equal or weaker level; GraceRightNow always
// overrides a previously recorded GraceGracefully.
func (r *Register) RequestShutdown(level GraceLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdownRequested && level <= r.shutdownLevel {
		return
	}
	r.shutdownRequested = true
	r.shutdownLevel = level
	close(r.shutdownCh)
	r.shutdownCh = make(chan struct{})
}

// WaitForShutdownRequest blocks until RequestShutdown has been called,
// until timeout elapses, or until ctx is done.
func (r *Register) WaitForShutdownRequest(ctx context.Context, timeout time.Duration) (GraceLevel, error) {
	deadline, stop := chrono.DeadlineChan(timeout)
	defer stop()

	for {
		r.mu.Lock()
		requested := r.shutdownRequested
		level := r.shutdownLevel
		gen := r.shutdownCh
		r.mu.Unlock()
		if requested {
			return level, nil
		}

		select {
		case <-gen:
		case <-deadline:
			return GraceNone, fmt.Errorf("gstate: wait for shutdown request: %w", lgresult.ErrTimedOut)
		case <-ctx.Done():
			return GraceNone, nil
		}
	}
}
