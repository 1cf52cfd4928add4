package callout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lagopus-project/pipeline-runtime/internal/bbq"
	"github.com/lagopus-project/pipeline-runtime/internal/gstate"
	"github.com/lagopus-project/pipeline-runtime/pkg/lgresult"
)

var log = slog.Default()

// mainQueueCapacity bounds the handler's urgent and idle queues.
const mainQueueCapacity = 8192

// dequeueJitter widens the timed-queue "ready" window each master-loop
// iteration, so a task due a microsecond from now is not pointlessly
// deferred to the next iteration.
const dequeueJitter = 1 * time.Microsecond

// minIdleInterval is the floor initialize_handler enforces on
// idleInterval whenever idleProc is set.
const minIdleInterval = 1 * time.Millisecond

// calloutStageWorkerQueueSize is the per-worker max_batch the callout
// stage's fetch_proc requests.
const calloutStageWorkerQueueSize = 256

// IdleProc is invoked on the idle interval. A return < 0 stops the main
// loop after this iteration.
type IdleProc func(arg any) int

// Handler is one callout scheduler instance: the urgent/timed/idle
// queues, the optional worker pool dispatched tasks fan out to, and the
// idle callback driven on a fixed interval.
type Handler struct {
	nWorkers      int
	idleProc      IdleProc
	idleArg       any
	idleInterval  time.Duration
	idleArgFreeup func(arg any)

	stage *calloutStage

	urgentQ *bbq.Queue[*Task]
	idleQ   *bbq.Queue[*Task]
	timedQ  *timedQueue

	doLoop          atomic.Bool
	nextIdleAbstime time.Time
}

// InitializeHandler validates idleInterval (must exceed 1ms whenever
// idleProc is set), optionally creates a callout stage of nWorkers
// workers, and returns a ready-to-start Handler. nWorkers == 0 means
// every dispatched task runs inline on the master loop's own goroutine.
func InitializeHandler(nWorkers int, idleProc IdleProc, idleArg any, idleInterval time.Duration, idleArgFreeup func(arg any)) (*Handler, error) {
	if idleProc != nil && idleInterval <= minIdleInterval {
		return nil, fmt.Errorf("callout: initialize_handler: idle_interval %v: %w", idleInterval, lgresult.ErrInvalidArgs)
	}
	if nWorkers < 0 {
		return nil, fmt.Errorf("callout: initialize_handler: n_workers %d: %w", nWorkers, lgresult.ErrInvalidArgs)
	}

	h := &Handler{
		nWorkers:      nWorkers,
		idleProc:      idleProc,
		idleArg:       idleArg,
		idleInterval:  idleInterval,
		idleArgFreeup: idleArgFreeup,
		urgentQ:       bbq.New[*Task](mainQueueCapacity),
		idleQ:         bbq.New[*Task](mainQueueCapacity),
		timedQ:        newTimedQueue(),
	}
	if idleProc != nil {
		h.nextIdleAbstime = time.Now().Add(idleInterval)
	}

	if nWorkers > 0 {
		stage, err := newCalloutStage(h, "callout-stage", nWorkers, calloutStageWorkerQueueSize)
		if err != nil {
			return nil, err
		}
		h.stage = stage
	}
	return h, nil
}

// FinalizeHandler stops the main loop (if running), shuts the callout
// stage down gracefully with a 5s timeout (escalating to cancel if it
// is still alive), then drains and destroys every queued task.
func (h *Handler) FinalizeHandler() {
	h.StopMainLoop()

	if h.stage != nil {
		h.stage.shutdown(5 * time.Second)
	}

	for _, t := range h.urgentQ.DrainAll() {
		t.destroy()
	}
	for _, t := range h.idleQ.DrainAll() {
		t.destroy()
	}
	for {
		ready, _ := h.timedQ.PopReady(timeFar())
		if len(ready) == 0 {
			break
		}
		for _, t := range ready {
			t.destroy()
		}
	}

	if h.idleArg != nil && h.idleArgFreeup != nil {
		h.idleArgFreeup(h.idleArg)
	}
}

// timeFar returns a time far enough in the future that PopReady drains
// the whole timed queue regardless of each task's next_abstime.
func timeFar() time.Time { return time.Now().Add(365 * 24 * time.Hour) }

// StartMainLoop waits for global state STARTED, then runs the master
// loop until StopMainLoop is called or the idle callback asks to stop.
// If global state reaches a shutdown state before STARTED, it returns
// ErrInvalidStateTransition without ever looping.
func (h *Handler) StartMainLoop(ctx context.Context) error {
	if _, _, err := gstate.Global.WaitFor(ctx, gstate.Started, -1); err != nil {
		return fmt.Errorf("callout: start_main_loop: global state never reached STARTED: %w", lgresult.ErrInvalidStateTransition)
	}
	if gstate.Global.Get() != gstate.Started {
		return fmt.Errorf("callout: start_main_loop: %w", lgresult.ErrInvalidStateTransition)
	}

	if h.stage != nil {
		if err := h.stage.start(); err != nil {
			return fmt.Errorf("callout: start_main_loop: %w", err)
		}
	}

	h.doLoop.Store(true)
	h.runMainLoop(ctx)
	return nil
}

// StopMainLoop sets do_loop=false and wakes the urgent queue to unblock
// the timed sleep.
func (h *Handler) StopMainLoop() {
	h.doLoop.Store(false)
	h.urgentQ.Wakeup()
}

// runMainLoop is the master loop: drain urgent/idle, pop ready timed
// tasks, dispatch timed-then-urgent-then-idle, run the idle callback on
// its interval, then sleep until the next deadline or an explicit
// wakeup.
func (h *Handler) runMainLoop(ctx context.Context) {
	for h.doLoop.Load() {
		now := time.Now()

		urgent := h.urgentQ.DrainAll()
		idle := h.idleQ.DrainAll()
		timed, nextWakeup := h.timedQ.PopReady(now.Add(dequeueJitter))

		batch := make([]*Task, 0, len(timed)+len(urgent)+len(idle))
		batch = append(batch, timed...)
		batch = append(batch, urgent...)
		batch = append(batch, idle...)
		for _, t := range batch {
			t.mu.Lock()
			if t.canceled {
				t.mu.Unlock()
				t.destroy()
				continue
			}
			t.state = Dequeued
			t.mu.Unlock()
		}
		live := batch[:0]
		for _, t := range batch {
			if !t.State().isDeletingOrBeyond() {
				live = append(live, t)
			}
		}

		if len(live) > 0 {
			if got, err := h.dispatch(ctx, live); err != nil {
				log.Warn("callout: dispatch error", "err", err)
			} else if got < len(live) {
				log.Warn("callout: dispatch submitted fewer tasks than requested", "requested", len(live), "submitted", got)
			}
		}

		if h.idleProc != nil && !now.Before(h.nextIdleAbstime) {
			if st := h.idleProc(h.idleArg); st < 0 {
				h.doLoop.Store(false)
				return
			}
			h.nextIdleAbstime = now.Add(h.idleInterval)
		}

		sleep := h.nextSleep(now, nextWakeup)
		if sleep <= 0 {
			continue
		}
		err := h.urgentQ.WaitGettable(ctx, sleep)
		if ctx.Err() != nil {
			h.doLoop.Store(false)
			return
		}
		if err != nil && !errors.Is(err, lgresult.ErrTimedOut) && !errors.Is(err, lgresult.ErrWakeupRequested) {
			return
		}
	}
}

// nextSleep computes min(next_wakeup, next_idle_abstime) - now, capped
// at idle_interval (or a sane floor if idle_interval is unset and
// nothing else bounds the wait).
func (h *Handler) nextSleep(now, nextWakeup time.Time) time.Duration {
	ceiling := h.idleInterval
	if ceiling <= 0 {
		ceiling = minIdleInterval
	}
	deadline := now.Add(ceiling)
	if h.idleProc != nil && h.nextIdleAbstime.Before(deadline) {
		deadline = h.nextIdleAbstime
	}
	if !nextWakeup.IsZero() && nextWakeup.Before(deadline) {
		deadline = nextWakeup
	}
	return deadline.Sub(now)
}

// dispatch submits tasks in order (the caller has already packed
// timed-then-urgent-then-idle): to the callout stage if one exists,
// inline on the calling goroutine otherwise.
func (h *Handler) dispatch(ctx context.Context, tasks []*Task) (int, error) {
	if h.stage != nil {
		return h.stage.submit(ctx, tasks)
	}
	for _, t := range tasks {
		h.executeOne(t)
	}
	return len(tasks), nil
}

func (h *Handler) enqueueUrgent(t *Task) error {
	return h.urgentQ.Put(context.Background(), t, 0)
}

func (h *Handler) enqueueIdle(t *Task) error {
	return h.idleQ.Put(context.Background(), t, 0)
}

func (h *Handler) wakeScheduler() {
	h.urgentQ.Wakeup()
}

// executeOne is the executioner: it transitions t to EXECUTING, runs
// its proc, and reschedules or destroys it depending on the result and
// whether a canceller is waiting.
func (h *Handler) executeOne(t *Task) {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		t.destroy()
		return
	}
	t.state = Executing
	t.execRefCount++
	proc := t.proc
	arg := t.arg
	t.mu.Unlock()

	st := proc(arg)
	now := time.Now()

	t.mu.Lock()
	t.execRefCount--
	t.lastAbstime = now
	if t.cancelRefCount > 0 {
		gen := t.waitGen
		t.waitGen = make(chan struct{})
		t.mu.Unlock()
		close(gen)
		return
	}

	periodic := t.interval > 0
	if st >= 0 && periodic {
		t.state = Enqueued
		t.class = classTimed
		t.nextAbstime = now.Add(t.interval)
		t.mu.Unlock()
		h.timedQ.Insert(t)
		return
	}
	if st >= 0 {
		t.state = Executed
	} else {
		t.state = ExecFailed
	}
	t.mu.Unlock()
	t.destroy()
}

func (s State) isDeletingOrBeyond() bool {
	return s == Cancelled || s == Deleting
}
