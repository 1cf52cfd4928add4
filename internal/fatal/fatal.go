// Package fatal aborts the process on invariant violations that imply
// internal state corruption. Normal error paths must never reach it;
// only a proven bug in bookkeeping should. Its one call site is the
// pipeline stage's worker-exit-count check; internal/threadh logs a
// duplicate thread finalization as a warning instead.
package fatal

import "log/slog"

var log = slog.Default()

// Invariant logs msg at error level with args, then panics. Call sites
// name the specific invariant that broke so the panic message is
// actionable rather than generic.
func Invariant(msg string, args ...any) {
	log.Error(msg, args...)
	panic("fatal invariant violation: " + msg)
}
