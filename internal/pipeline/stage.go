// Package pipeline implements the pipeline-stage worker runtime: a
// named group of workers driven by user fetch/main/throw callbacks,
// with pause/resume, maintenance-under-barrier, graceful and immediate
// shutdown, and per-worker CPU affinity.
//
// Each worker runs on its own goroutine via internal/threadh, reads (if
// it has a Fetch callback) and processes (via Main, then optionally
// Throw) events in a loop gated by a do-loop flag and the stage's
// pending shutdown-grace level. Pause and schedule-maintenance use a
// cyclic barrier so exactly one worker acts while the rest park.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lagopus-project/pipeline-runtime/internal/affinity"
	"github.com/lagopus-project/pipeline-runtime/internal/chrono"
	"github.com/lagopus-project/pipeline-runtime/internal/fatal"
	"github.com/lagopus-project/pipeline-runtime/internal/gstate"
	"github.com/lagopus-project/pipeline-runtime/internal/registry"
	"github.com/lagopus-project/pipeline-runtime/internal/threadh"
	"github.com/lagopus-project/pipeline-runtime/pkg/lgresult"
)

var log = slog.Default()

// State is one node of a pipeline stage's lifecycle.
type State int

const (
	Initialized State = iota
	Setup
	Started
	Paused
	MaintenanceRequested
	Canceled
	Shutdown
	Finalized
	Destroying
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "INITIALIZED"
	case Setup:
		return "SETUP"
	case Started:
		return "STARTED"
	case Paused:
		return "PAUSED"
	case MaintenanceRequested:
		return "MAINTENANCE_REQUESTED"
	case Canceled:
		return "CANCELED"
	case Shutdown:
		return "SHUTDOWN"
	case Finalized:
		return "FINALIZED"
	case Destroying:
		return "DESTROYING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Registry is the process-wide name -> Stage registry, queried by Find.
var Registry = registry.New[*Stage]()

// Stage is one pipeline stage: a named group of workers sharing a
// worker-loop shape and a set of user callbacks.
type Stage struct {
	name      string
	nWorkers  int
	eventSize int
	maxBatch  int
	cb        Callbacks

	postStartHook func(workerIndex int, arg any)
	postStartArg  any

	pendingAffinity []affinity.Mask

	mu      sync.Mutex
	state   State
	sgLvl   gstate.GraceLevel
	workers []*Worker

	doLoop         atomic.Bool
	pauseRequested atomic.Bool

	pauseBarrier *barrier
	pausedGen    chan struct{}
	resumeGen    chan struct{}

	maintenanceRequested bool
	maintenanceFn        MaintenanceFunc
	maintenanceArg       any
	maintenanceDone      chan struct{}
}

// Create allocates a stage and registers its name. It fails with
// ErrAlreadyExists if the name is taken, or ErrInvalidArgs if Main is
// nil or eventSize/maxBatch is zero.
func Create(name string, nWorkers, eventSize, maxBatch int, cb Callbacks) (*Stage, error) {
	if cb.Main == nil {
		return nil, fmt.Errorf("pipeline %q: main callback required: %w", name, lgresult.ErrInvalidArgs)
	}
	if eventSize <= 0 || maxBatch <= 0 {
		return nil, fmt.Errorf("pipeline %q: event_size and max_batch must be > 0: %w", name, lgresult.ErrInvalidArgs)
	}
	if nWorkers <= 0 {
		return nil, fmt.Errorf("pipeline %q: n_workers must be > 0: %w", name, lgresult.ErrInvalidArgs)
	}

	s := &Stage{
		name:            name,
		nWorkers:        nWorkers,
		eventSize:       eventSize,
		maxBatch:        maxBatch,
		cb:              cb,
		pendingAffinity: make([]affinity.Mask, nWorkers),
		pauseBarrier:    newBarrier(nWorkers),
		pausedGen:       make(chan struct{}),
		resumeGen:       make(chan struct{}),
	}
	if err := Registry.Register(name, s); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", name, err)
	}
	return s, nil
}

// Name returns the stage's registered name.
func (s *Stage) Name() string { return s.name }

// WorkerCount returns n_workers.
func (s *Stage) WorkerCount() int { return s.nWorkers }

// Find looks a stage up by name.
func Find(name string) (*Stage, error) { return Registry.Find(name) }

// State returns the stage's current lifecycle state.
func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetPostStartHook installs a callback invoked once per worker, on that
// worker's own goroutine, as soon as global state reaches STARTED.
func (s *Stage) SetPostStartHook(fn func(workerIndex int, arg any), arg any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postStartHook = fn
	s.postStartArg = arg
}

// Setup runs the user setup callback at most once, transitioning
// INITIALIZED -> SETUP. Idempotent from SETUP; rejected from any other
// state.
func (s *Stage) Setup() error {
	s.mu.Lock()
	switch s.state {
	case Setup:
		s.mu.Unlock()
		return nil
	case Initialized:
	default:
		s.mu.Unlock()
		return fmt.Errorf("pipeline %q: setup from %v: %w", s.name, s.state, lgresult.ErrInvalidStateTransition)
	}
	s.mu.Unlock()

	if s.cb.Setup != nil {
		if err := s.cb.Setup(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.state = Setup
	s.mu.Unlock()
	return nil
}

// Start creates n_workers goroutines and transitions to STARTED. Only
// valid from INITIALIZED, SETUP, or FINALIZED. On any worker creation
// failure it cancels and waits for the workers already created without
// destroying them, preserving the stage for a retry.
func (s *Stage) Start() error {
	s.mu.Lock()
	switch s.state {
	case Initialized, Setup, Finalized:
	default:
		s.mu.Unlock()
		return fmt.Errorf("pipeline %q: start from %v: %w", s.name, s.state, lgresult.ErrInvalidStateTransition)
	}
	s.sgLvl = gstate.GraceNone
	s.workers = make([]*Worker, 0, s.nWorkers)
	s.mu.Unlock()

	s.doLoop.Store(true)
	s.pauseRequested.Store(false)
	s.pauseBarrier = newBarrier(s.nWorkers)

	for i := 0; i < s.nWorkers; i++ {
		w := &Worker{stage: s, index: i}
		handle := threadh.Create(
			fmt.Sprintf("%s/%d", s.name, i),
			func(ctx context.Context, arg any) int {
				return s.workerMain(ctx, arg.(*Worker))
			},
			w, nil, nil,
		)
		handle.InstallAffinity(s.pendingAffinity[i])
		w.handle = handle
		if err := handle.Start(false); err != nil {
			s.abortPartialStart()
			return fmt.Errorf("pipeline %q: worker %d start: %w", s.name, i, err)
		}
		s.mu.Lock()
		s.workers = append(s.workers, w)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.state = Started
	s.mu.Unlock()
	return nil
}

// abortPartialStart cancels and joins every worker created so far,
// without destroying them, so Start can be retried.
func (s *Stage) abortPartialStart() {
	s.mu.Lock()
	created := append([]*Worker(nil), s.workers...)
	s.workers = nil
	s.mu.Unlock()

	s.doLoop.Store(false)
	for _, w := range created {
		_ = w.handle.Cancel()
		_, _ = w.handle.Wait(context.Background(), -1)
	}
}

// workerMain is the body run on every worker's goroutine.
func (s *Stage) workerMain(ctx context.Context, w *Worker) int {
	if _, _, err := gstate.Global.WaitFor(ctx, gstate.Started, -1); err != nil {
		return threadh.ResultInterrupted
	}
	select {
	case <-ctx.Done():
		return threadh.ResultInterrupted
	default:
	}

	s.mu.Lock()
	hook, arg := s.postStartHook, s.postStartArg
	s.mu.Unlock()
	if hook != nil {
		hook(w.index, arg)
	}

	st := 0
	for {
		if !s.doLoop.Load() {
			return threadh.ResultOK
		}
		sgLvl := s.graceLevel()
		if !(st > 0 || (st == 0 && sgLvl == gstate.GraceNone)) {
			return threadh.ResultOK
		}

		if s.pauseRequested.Load() {
			s.parkForPauseOrMaintenance(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return threadh.ResultInterrupted
		default:
		}

		if err := w.handle.ReapplyAffinity(); err != nil {
			log.Warn("pipeline: failed to reapply cpu affinity", "stage", s.name, "worker", w.index, "err", err)
		}

		n := 0
		if s.cb.Fetch != nil {
			fetched, err := s.cb.Fetch(ctx, w)
			if err != nil {
				if errors.Is(err, lgresult.ErrTimedOut) || errors.Is(err, lgresult.ErrWakeupRequested) {
					continue
				}
				log.Warn("pipeline: fetch callback error", "stage", s.name, "worker", w.index, "err", err)
				continue
			}
			n = fetched
		}

		mainSt, err := s.cb.Main(ctx, w, n)
		if err != nil {
			log.Warn("pipeline: main callback error", "stage", s.name, "worker", w.index, "err", err)
		}
		st = mainSt

		if s.cb.Throw != nil {
			throwSt, err := s.cb.Throw(ctx, w, mainSt)
			if err != nil {
				log.Warn("pipeline: throw callback error", "stage", s.name, "worker", w.index, "err", err)
			}
			st = throwSt
		}

		if s.graceLevel() == gstate.GraceRightNow && st > 0 {
			st = 0
		}
	}
}

// parkForPauseOrMaintenance runs the pause/maintenance barrier
// protocol. Exactly one worker per pause cycle (the barrier's master)
// performs the maintenance callback or the PAUSED state transition;
// every worker, master included, then waits for pause_requested to
// clear before resuming its loop.
func (s *Stage) parkForPauseOrMaintenance(ctx context.Context) {
	if isMaster := s.pauseBarrier.Wait(); isMaster {
		s.mu.Lock()
		maintenance := s.maintenanceRequested
		s.mu.Unlock()

		if maintenance {
			s.mu.Lock()
			fn, arg, done := s.maintenanceFn, s.maintenanceArg, s.maintenanceDone
			s.mu.Unlock()

			if fn != nil {
				fn(arg)
			}

			s.mu.Lock()
			s.maintenanceRequested = false
			s.maintenanceFn = nil
			s.maintenanceArg = nil
			s.maintenanceDone = nil
			s.state = Started
			genResume := s.resumeGen
			s.resumeGen = make(chan struct{})
			s.mu.Unlock()

			s.pauseRequested.Store(false)
			if done != nil {
				close(done)
			}
			close(genResume)
		} else {
			s.mu.Lock()
			s.state = Paused
			genPaused := s.pausedGen
			s.pausedGen = make(chan struct{})
			s.mu.Unlock()
			close(genPaused)
		}
	}

	for s.pauseRequested.Load() {
		s.mu.Lock()
		gen := s.resumeGen
		s.mu.Unlock()
		select {
		case <-gen:
		case <-ctx.Done():
			return
		}
	}
}

// Pause blocks until the stage observes PAUSED, only valid from
// STARTED. Must not be called from within a callback running on one of
// the stage's own workers — doing so deadlocks the barrier.
func (s *Stage) Pause(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.state != Started {
		s.mu.Unlock()
		return fmt.Errorf("pipeline %q: pause from %v: %w", s.name, s.state, lgresult.ErrInvalidStateTransition)
	}
	gen := s.pausedGen
	s.mu.Unlock()

	s.pauseRequested.Store(true)
	s.firePrePause(ctx)

	deadline, stop := chrono.DeadlineChan(timeout)
	defer stop()
	select {
	case <-gen:
		return nil
	case <-deadline:
		return lgresult.ErrTimedOut
	case <-ctx.Done():
		return nil
	}
}

// Resume clears pause_requested and transitions PAUSED -> STARTED,
// waking every parked worker.
func (s *Stage) Resume() error {
	s.mu.Lock()
	if s.state != Paused {
		s.mu.Unlock()
		return fmt.Errorf("pipeline %q: resume from %v: %w", s.name, s.state, lgresult.ErrInvalidStateTransition)
	}
	s.state = Started
	genResume := s.resumeGen
	s.resumeGen = make(chan struct{})
	s.mu.Unlock()

	s.pauseRequested.Store(false)
	close(genResume)
	return nil
}

// ScheduleMaintenance runs fn(arg) on exactly one worker while every
// other worker parks at the barrier, then restores STARTED. Only valid
// from STARTED; blocks until the maintenance callback has completed or
// ctx is done.
func (s *Stage) ScheduleMaintenance(ctx context.Context, fn MaintenanceFunc, arg any) error {
	s.mu.Lock()
	if s.state != Started {
		s.mu.Unlock()
		return fmt.Errorf("pipeline %q: schedule_maintenance from %v: %w", s.name, s.state, lgresult.ErrInvalidStateTransition)
	}
	done := make(chan struct{})
	s.maintenanceFn = fn
	s.maintenanceArg = arg
	s.maintenanceDone = done
	s.maintenanceRequested = true
	s.state = MaintenanceRequested
	s.mu.Unlock()

	s.pauseRequested.Store(true)
	s.firePrePause(ctx)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (s *Stage) firePrePause(ctx context.Context) {
	if s.cb.PrePause != nil {
		s.cb.PrePause(ctx)
	}
}

// Shutdown requests a stop at the given grace level. Only valid from
// STARTED or PAUSED (a paused stage is resumed first). RIGHT_NOW
// additionally cancels every worker immediately; GRACEFULLY lets each
// worker finish its current st>0 iteration before winding down.
func (s *Stage) Shutdown(level gstate.GraceLevel) error {
	s.mu.Lock()
	state := s.state
	if state != Started && state != Paused {
		s.mu.Unlock()
		return fmt.Errorf("pipeline %q: shutdown from %v: %w", s.name, s.state, lgresult.ErrInvalidStateTransition)
	}
	s.mu.Unlock()

	if state == Paused {
		if err := s.Resume(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.sgLvl = level
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()

	if level == gstate.GraceRightNow {
		s.doLoop.Store(false)
		for _, w := range workers {
			_ = w.handle.Cancel()
		}
	}
	return nil
}

// Cancel immediately stops every worker and forces grace level
// RIGHT_NOW. Only valid from STARTED.
func (s *Stage) Cancel() error {
	s.mu.Lock()
	if s.state != Started {
		s.mu.Unlock()
		return fmt.Errorf("pipeline %q: cancel from %v: %w", s.name, s.state, lgresult.ErrInvalidStateTransition)
	}
	s.sgLvl = gstate.GraceRightNow
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()

	s.doLoop.Store(false)
	for _, w := range workers {
		_ = w.handle.Cancel()
	}
	return nil
}

// Wait blocks for every worker to exit, distributing timeout across
// them (charged as cumulative elapsed time). On success it computes the
// terminal state (CANCELED if any worker was cancelled, else SHUTDOWN),
// then calls OnFinalize(was_canceled) and OnShutdown(grace_level) each
// exactly once. Only valid from STARTED. A worker-count mismatch after
// reaping is a fatal invariant violation.
func (s *Stage) Wait(timeout time.Duration) error {
	s.mu.Lock()
	if s.state != Started {
		s.mu.Unlock()
		return fmt.Errorf("pipeline %q: wait from %v: %w", s.name, s.state, lgresult.ErrInvalidStateTransition)
	}
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()

	var deadlineAt time.Time
	if timeout >= 0 {
		deadlineAt = time.Now().Add(timeout)
	}

	exited := 0
	anyCanceled := false
	for _, w := range workers {
		remaining := timeout
		if timeout >= 0 {
			remaining = time.Until(deadlineAt)
			if remaining < 0 {
				remaining = 0
			}
		}
		if _, err := w.handle.Wait(context.Background(), remaining); err != nil {
			return fmt.Errorf("pipeline %q: wait worker %d: %w", s.name, w.index, err)
		}
		exited++
		if w.handle.IsCanceled() {
			anyCanceled = true
		}
	}
	if exited != len(workers) {
		fatal.Invariant("pipeline: worker exit count mismatch", "stage", s.name, "exited", exited, "n_workers", len(workers))
	}

	terminal := Shutdown
	if anyCanceled {
		terminal = Canceled
	}

	s.mu.Lock()
	s.state = terminal
	lvl := s.sgLvl
	s.mu.Unlock()

	if s.cb.OnFinalize != nil {
		s.cb.OnFinalize(anyCanceled)
	}

	s.mu.Lock()
	s.state = Finalized
	s.mu.Unlock()

	if s.cb.OnShutdown != nil {
		s.cb.OnShutdown(lvl)
	}
	return nil
}

// Submit delegates to the user-provided Sched callback; hint is opaque
// to the stage itself.
func (s *Stage) Submit(ctx context.Context, evbuf any, nEvs int, hint any) (int, error) {
	if s.cb.Sched == nil {
		return 0, fmt.Errorf("pipeline %q: %w", s.name, lgresult.ErrNotAllowed)
	}
	return s.cb.Sched(ctx, evbuf, nEvs, hint)
}

// CancelJanitor releases any pause-related state a cancelled caller of
// Pause or ScheduleMaintenance might otherwise leave behind. Go's
// cooperative cancellation already unwinds those calls via ctx.Done()
// without holding the stage's lock across the wait, so this is a
// documented no-op kept for API parity.
func (s *Stage) CancelJanitor() {}

// SetWorkerCPUAffinity applies affinity to worker i. Callable before or
// after Start.
func (s *Stage) SetWorkerCPUAffinity(i, cpu int) error {
	if i < 0 || i >= s.nWorkers {
		return fmt.Errorf("pipeline %q: worker index %d: %w", s.name, i, lgresult.ErrOutOfRange)
	}
	s.mu.Lock()
	var w *Worker
	if i < len(s.workers) {
		w = s.workers[i]
	}
	s.mu.Unlock()
	if w != nil {
		return w.SetCPUAffinity(cpu)
	}
	return s.pendingAffinity[i].SetCPU(cpu)
}

// GetWorkerEventBuffer returns worker i's current batch buffer.
func (s *Stage) GetWorkerEventBuffer(i int) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.workers) {
		return nil, fmt.Errorf("pipeline %q: worker index %d: %w", s.name, i, lgresult.ErrOutOfRange)
	}
	return s.workers[i].Buffer(), nil
}

// SetWorkerEventBuffer replaces worker i's batch buffer, freeing the
// old one via its own freeup hook.
func (s *Stage) SetWorkerEventBuffer(i int, buf EventBuffer) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.workers) {
		s.mu.Unlock()
		return fmt.Errorf("pipeline %q: worker index %d: %w", s.name, i, lgresult.ErrOutOfRange)
	}
	w := s.workers[i]
	s.mu.Unlock()
	w.SetBuffer(buf)
	return nil
}

// Destroy cancels and waits (infinitely) if still running, calls
// OnFreeup, frees every worker's batch buffer, and unregisters the
// stage's name.
func (s *Stage) Destroy() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == Started || state == Paused {
		if state == Paused {
			_ = s.Resume()
		}
		if err := s.Cancel(); err == nil {
			_ = s.Wait(-1)
		}
	}

	if s.cb.OnFreeup != nil {
		s.cb.OnFreeup()
	}

	s.mu.Lock()
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()
	for _, w := range workers {
		w.SetBuffer(EventBuffer{})
	}

	Registry.Unregister(s.name)

	s.mu.Lock()
	s.state = Destroying
	s.mu.Unlock()
}

func (s *Stage) graceLevel() gstate.GraceLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sgLvl
}
