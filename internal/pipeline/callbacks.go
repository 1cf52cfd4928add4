package pipeline

import (
	"context"

	"github.com/lagopus-project/pipeline-runtime/internal/gstate"
)

// EventBuffer is a worker's batch buffer: an opaque payload plus the
// hook that frees it when the worker is replaced or torn down.
type EventBuffer struct {
	Buf    any
	Freeup func(buf any)
}

// MaintenanceFunc runs on exactly one worker, with every other worker
// parked at the pause barrier, while the stage is MAINTENANCE_REQUESTED.
type MaintenanceFunc func(arg any)

// Callbacks is the set of user-supplied hooks a Stage drives. Main is
// the only required field; which of Fetch and Throw are set selects
// the worker-loop variant (fetch-only, throw-only, both, or neither).
type Callbacks struct {
	// PrePause is called whenever Pause or ScheduleMaintenance requests
	// a pause, before blocking for workers to reach the barrier. Typical
	// use: wake a worker blocked in Fetch on a long queue timeout.
	PrePause func(ctx context.Context)

	// Sched implements Stage.Submit: it receives the caller's batch and
	// an opaque hint and is responsible for getting the batch to the
	// workers (commonly: copy into a per-worker queue keyed by hint).
	Sched func(ctx context.Context, evbuf any, nEvs int, hint any) (int, error)

	// Setup runs once, at most, during Stage.Setup.
	Setup func() error

	// Fetch reads up to a worker-chosen batch size into the worker's own
	// state and reports how many events were fetched. A nil Fetch means
	// Main is solely responsible for producing its own input.
	Fetch func(ctx context.Context, w *Worker) (n int, err error)

	// Main is the required per-iteration body. n is whatever Fetch
	// reported (0 if Fetch is nil). Its return value feeds the loop
	// predicate, and Throw if present.
	Main func(ctx context.Context, w *Worker, n int) (st int, err error)

	// Throw, if set, post-processes what Main produced (typically:
	// forward n events to the next pipeline stage). Its return value
	// supersedes Main's for the loop predicate.
	Throw func(ctx context.Context, w *Worker, n int) (st int, err error)

	// OnShutdown fires once, from Stage.Wait, after every worker has
	// exited, reporting the grace level the stage shut down under.
	OnShutdown func(level gstate.GraceLevel)

	// OnFinalize fires once, from Stage.Wait, immediately before
	// OnShutdown, reporting whether any worker was cancelled.
	OnFinalize func(canceled bool)

	// OnFreeup fires once, from Stage.Destroy, after all workers have
	// been reaped.
	OnFreeup func()
}
