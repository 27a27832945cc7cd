// Package dazzle is the process orchestration core behind DSL-compiled
// applications: versioned long-running process execution with
// drain-before-deploy migration, a transactional event outbox/inbox with
// idempotent consumption, and state-machine-guarded entity transitions.
//
// The root package carries the application surface: App wires storage, an
// execution backend, the event framework and the version manager behind
// one lifecycle. The mechanism packages (process, outbox, inbox, bus,
// version, statemachine) are usable on their own.
package dazzle

import (
	"errors"
	"fmt"

	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/process"
	"github.com/manwithacat/dazzle-sub009/version"
)

// TerminalError marks a handler failure that cannot succeed on retry.
// The inbox classifies wrapped terminal errors as non-retryable, and the
// step executor fails the run without requeueing.
type TerminalError struct {
	Err error
}

// NewTerminalError wraps err as non-retryable.
func NewTerminalError(err error) *TerminalError {
	return &TerminalError{Err: err}
}

// Terminalf is fmt.Errorf for non-retryable failures.
func Terminalf(format string, args ...any) *TerminalError {
	return &TerminalError{Err: fmt.Errorf(format, args...)}
}

func (e *TerminalError) Error() string {
	return "terminal: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal reports that the error is not retryable.
func (e *TerminalError) Terminal() bool { return true }

// IsTerminal reports whether err is marked non-retryable.
func IsTerminal(err error) bool {
	var terminal interface{ Terminal() bool }
	return errors.As(err, &terminal) && terminal.Terminal()
}

// Typed errors from the mechanism packages, re-exported so applications
// only import dazzle.
type (
	RunNotFoundError          = process.RunNotFoundError
	TaskNotFoundError         = process.TaskNotFoundError
	TaskNotOpenError          = process.TaskNotOpenError
	ProcessNotRegisteredError = process.ProcessNotRegisteredError
	MigrationStateError       = version.MigrationStateError
)

// ErrDuplicateIdempotencyKey is returned by storage when an idempotency
// key is reused; StartProcess resolves it to the existing run instead.
var ErrDuplicateIdempotencyKey = storage.ErrDuplicateIdempotencyKey
