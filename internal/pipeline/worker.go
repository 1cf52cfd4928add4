package pipeline

import (
	"sync"

	"github.com/lagopus-project/pipeline-runtime/internal/threadh"
)

// Worker is one pipeline-stage worker: an index, its thread handle, and
// the batch buffer its Fetch/Main/Throw callbacks operate on.
type Worker struct {
	stage  *Stage
	index  int
	handle *threadh.Handle

	bufMu sync.Mutex
	buf   EventBuffer
}

// Index returns the worker's position among its stage's n_workers.
func (w *Worker) Index() int { return w.index }

// Stage returns the stage this worker belongs to.
func (w *Worker) Stage() *Stage { return w.stage }

// Buffer returns the worker's current batch buffer.
func (w *Worker) Buffer() any {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	return w.buf.Buf
}

// SetBuffer installs a new batch buffer, freeing the old one via its
// own freeup hook first.
func (w *Worker) SetBuffer(buf EventBuffer) {
	w.bufMu.Lock()
	old := w.buf
	w.buf = buf
	w.bufMu.Unlock()
	if old.Freeup != nil {
		old.Freeup(old.Buf)
	}
}

// SetCPUAffinity pins this worker to cpu (or clears the mask if cpu <
// 0). Safe to call before or after the stage has started.
func (w *Worker) SetCPUAffinity(cpu int) error {
	if w.handle != nil {
		return w.handle.SetCPUAffinity(cpu)
	}
	return w.stage.pendingAffinity[w.index].SetCPU(cpu)
}

// GetCPUAffinity reports the lowest pinned CPU index, or
// lgresult.ErrNotDefined if none has been installed.
func (w *Worker) GetCPUAffinity() (int, error) {
	if w.handle != nil {
		return w.handle.GetCPUAffinity()
	}
	return w.stage.pendingAffinity[w.index].Lowest()
}
