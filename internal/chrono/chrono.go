// Package chrono holds tiny time helpers shared by every package in this
// module that treats a negative timeout as "wait forever" (gstate, bbq,
// threadh, pipeline).
package chrono

import "time"

// DeadlineChan returns a channel that fires once timeout elapses, and a
// stop function to release the underlying timer. timeout < 0 means wait
// forever: the returned channel is nil (a nil channel blocks forever in
// a select, which is exactly the desired behavior).
func DeadlineChan(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout < 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, t.Stop
}
