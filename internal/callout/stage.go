package callout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lagopus-project/pipeline-runtime/internal/bbq"
	"github.com/lagopus-project/pipeline-runtime/internal/gstate"
	"github.com/lagopus-project/pipeline-runtime/internal/pipeline"
	"github.com/lagopus-project/pipeline-runtime/pkg/lgresult"
)

// perWorkerQueueCapacity bounds each callout-stage worker's own task
// queue. Generous relative to a typical submission batch, since a
// queue at capacity simply backpressures the master loop's submit.
const perWorkerQueueCapacity = 4096

// fetchTimeout bounds how long a callout-stage worker blocks in its
// fetch_proc before looping to re-check do_loop/pause/shutdown.
const fetchTimeout = 1 * time.Second

// schedTimeout bounds how long sched_proc waits for room in a worker's
// queue before giving up and reporting a partial submission.
const schedTimeout = 1 * time.Second

// calloutStage is the optional worker pool the callout scheduler
// builds on top of a pipeline stage: sched_proc copies a dispatched
// batch into one worker's queue, fetch_proc drains it, and main_proc
// runs the executioner on every task it fetched.
type calloutStage struct {
	handler *Handler
	pipe    *pipeline.Stage
	queues  []*bbq.Queue[*Task]
	maxN    int

	mu    sync.Mutex
	lastQ int
}

func newCalloutStage(h *Handler, name string, nWorkers, maxN int) (*calloutStage, error) {
	cs := &calloutStage{
		handler: h,
		maxN:    maxN,
		queues:  make([]*bbq.Queue[*Task], nWorkers),
	}
	for i := range cs.queues {
		cs.queues[i] = bbq.New[*Task](perWorkerQueueCapacity)
	}

	pipe, err := pipeline.Create(name, nWorkers, 1, maxN, pipeline.Callbacks{
		Sched:      cs.schedProc,
		Fetch:      cs.fetchProc,
		Main:       cs.mainProc,
		OnFinalize: cs.finalize,
		OnFreeup:   cs.freeup,
	})
	if err != nil {
		return nil, err
	}
	cs.pipe = pipe
	return cs, nil
}

func (cs *calloutStage) start() error {
	if err := cs.pipe.Setup(); err != nil {
		return err
	}
	return cs.pipe.Start()
}

// shutdown requests a GRACEFULLY shutdown, waiting up to timeout before
// escalating to CANCEL (RIGHT_NOW) if the stage is still alive, then
// always waits for it to finish and destroys it.
func (cs *calloutStage) shutdown(timeout time.Duration) {
	if err := cs.pipe.Shutdown(gstate.GraceGracefully); err == nil {
		if err := cs.pipe.Wait(timeout); err != nil {
			_ = cs.pipe.Cancel()
			_ = cs.pipe.Wait(-1)
		}
	}
	cs.pipe.Destroy()
}

// submit fans tasks out across the stage's workers: the whole batch to
// worker 0 if there is only one worker, otherwise in round-robin
// strides advancing last_q across calls, timed first (the caller is
// expected to have already ordered tasks timed-then-urgent-then-idle).
func (cs *calloutStage) submit(ctx context.Context, tasks []*Task) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	n := len(cs.queues)
	if n == 1 {
		return cs.pipe.Submit(ctx, tasks, len(tasks), 0)
	}

	stride := len(tasks) / n
	if stride < 1 {
		stride = 1
	}

	submitted := 0
	for offset := 0; offset < len(tasks); offset += stride {
		end := offset + stride
		if end > len(tasks) {
			end = len(tasks)
		}
		chunk := tasks[offset:end]

		cs.mu.Lock()
		hint := cs.lastQ
		cs.lastQ = (cs.lastQ + 1) % n
		cs.mu.Unlock()

		got, err := cs.pipe.Submit(ctx, chunk, len(chunk), hint)
		submitted += got
		if err != nil {
			return submitted, err
		}
	}
	return submitted, nil
}

// schedProc implements pipeline.Callbacks.Sched: hint is the worker
// index to copy the batch into.
func (cs *calloutStage) schedProc(ctx context.Context, evbuf any, nEvs int, hint any) (int, error) {
	tasks, ok := evbuf.([]*Task)
	if !ok {
		return 0, fmt.Errorf("callout stage: sched_proc: unexpected batch type: %w", lgresult.ErrInvalidArgs)
	}
	idx, ok := hint.(int)
	if !ok || idx < 0 || idx >= len(cs.queues) {
		return 0, fmt.Errorf("callout stage: sched_proc: bad hint: %w", lgresult.ErrInvalidArgs)
	}
	got, err := cs.queues[idx].PutN(ctx, tasks, schedTimeout)
	if err != nil && err != lgresult.ErrWakeupRequested {
		return got, err
	}
	return got, nil
}

// fetchProc implements pipeline.Callbacks.Fetch: TIMEDOUT becomes "got
// nothing, keep looping" and WAKEUP_REQUESTED becomes "got partial".
func (cs *calloutStage) fetchProc(ctx context.Context, w *pipeline.Worker) (int, error) {
	got, err := cs.queues[w.Index()].GetN(ctx, cs.maxN, fetchTimeout)
	w.SetBuffer(pipeline.EventBuffer{Buf: got})
	if err != nil && err != lgresult.ErrTimedOut && err != lgresult.ErrWakeupRequested {
		return 0, err
	}
	return len(got), nil
}

// mainProc implements pipeline.Callbacks.Main: it runs the executioner
// on every task this worker fetched and returns the number executed,
// so the worker loop observes st==0 on an empty fetch and winds down
// under a graceful shutdown instead of looping forever.
func (cs *calloutStage) mainProc(ctx context.Context, w *pipeline.Worker, n int) (int, error) {
	batch, _ := w.Buffer().([]*Task)
	for _, t := range batch {
		cs.handler.executeOne(t)
	}
	return len(batch), nil
}

// finalize implements pipeline.Callbacks.OnFinalize: on cancellation,
// wake every worker queue and release the pipeline stage's
// pause-related locks.
func (cs *calloutStage) finalize(canceled bool) {
	if !canceled {
		return
	}
	for _, q := range cs.queues {
		q.Wakeup()
	}
	cs.pipe.CancelJanitor()
}

// freeup implements pipeline.Callbacks.OnFreeup: destroys every
// per-worker queue, destroying any task still left queued.
func (cs *calloutStage) freeup() {
	for _, q := range cs.queues {
		q.Destroy(func(t *Task) { t.destroy() })
	}
}
