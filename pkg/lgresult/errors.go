// Package lgresult defines the error-kind taxonomy shared by the pipeline
// stage runtime and the callout scheduler.
//
// Every exported operation in internal/pipeline and internal/callout
// returns a plain Go error that either is nil (success) or wraps one of
// the sentinels below via fmt.Errorf("...: %w", Err...). Callers compare
// with errors.Is, never by inspecting an error code field.
package lgresult

import "errors"

// Argument faults.
var (
	ErrInvalidArgs = errors.New("invalid arguments")
	ErrOutOfRange  = errors.New("value out of range")
	ErrTooSmall    = errors.New("value too small")
	ErrTooLong     = errors.New("value too long")
)

// Object faults.
var (
	ErrInvalidObject          = errors.New("invalid object")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrAlreadyExists          = errors.New("already exists")
	ErrAlreadyHalted          = errors.New("already halted")
	ErrNotStarted             = errors.New("not started")
	ErrNotOwner               = errors.New("not owner")
)

// Resource faults.
var (
	ErrNoMemory      = errors.New("no memory")
	ErrPosixAPIError = errors.New("posix api error")
)

// Coordination outcomes.
var (
	ErrTimedOut        = errors.New("timed out")
	ErrWakeupRequested = errors.New("wakeup requested")
	ErrNotOperational  = errors.New("not operational")
	ErrInterrupted     = errors.New("interrupted")
)

// Discovery.
var ErrNotFound = errors.New("not found")

// Miscellaneous.
var (
	ErrNotDefined  = errors.New("not defined")
	ErrNotAllowed  = errors.New("not allowed")
	ErrAnyFailures = errors.New("operation failed")
)
