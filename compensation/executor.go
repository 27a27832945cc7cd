// Package compensation provides saga-style compensation for process steps.
// Steps with side effects record a compensating action as they complete;
// cancelling the run executes the recorded actions in reverse order.
package compensation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// CompensationFunc is a function that can be executed as compensation.
// The argument is JSON-encoded data that was recorded with the entry.
type CompensationFunc func(ctx context.Context, arg []byte) error

// Registry holds registered compensation functions by name.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]CompensationFunc
}

// NewRegistry creates a new compensation function registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]CompensationFunc),
	}
}

// Register adds a compensation function to the registry.
func (r *Registry) Register(name string, fn CompensationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Get retrieves a compensation function by name.
func (r *Registry) Get(name string) (CompensationFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Recorded is a compensation action recorded by a completed step. Entries
// are stored in the run's context document and replayed in LIFO order.
type Recorded struct {
	StepName     string          `json:"step"`
	FunctionName string          `json:"function"`
	Argument     json.RawMessage `json:"argument,omitempty"`
}

// NewRecorded builds a Recorded entry, JSON-encoding the argument.
func NewRecorded(stepName, functionName string, argument any) (Recorded, error) {
	var arg json.RawMessage
	if argument != nil {
		data, err := json.Marshal(argument)
		if err != nil {
			return Recorded{}, fmt.Errorf("failed to encode compensation argument: %w", err)
		}
		arg = data
	}
	return Recorded{StepName: stepName, FunctionName: functionName, Argument: arg}, nil
}

// Executor runs recorded compensations.
type Executor struct {
	registry *Registry
}

// NewExecutor creates a new compensation executor.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute runs the recorded compensations in LIFO order. A failing entry
// is logged and does not stop the remaining ones; the first error is
// returned so the caller can surface it.
func (e *Executor) Execute(ctx context.Context, runID string, entries []Recorded) error {
	var firstErr error
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if err := e.executeOne(ctx, entry); err != nil {
			wrapped := &CompensationError{
				StepName: entry.StepName,
				FuncName: entry.FunctionName,
				Err:      err,
			}
			slog.Error("compensation failed",
				"run_id", runID,
				"step", entry.StepName,
				"function", entry.FunctionName,
				"error", err)
			if firstErr == nil {
				firstErr = wrapped
			}
			continue
		}
		slog.Debug("compensation executed",
			"run_id", runID,
			"step", entry.StepName,
			"function", entry.FunctionName)
	}
	return firstErr
}

func (e *Executor) executeOne(ctx context.Context, entry Recorded) error {
	fn, ok := e.registry.Get(entry.FunctionName)
	if !ok {
		return fmt.Errorf("compensation function not found: %s", entry.FunctionName)
	}
	return fn(ctx, entry.Argument)
}

// CompensationError wraps an error that occurred during compensation.
type CompensationError struct {
	StepName string
	FuncName string
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failed for step %s (%s): %v", e.StepName, e.FuncName, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// TypedCompensation wraps a typed compensation function for the registry.
type TypedCompensation[T any] struct {
	Name string
	Fn   func(ctx context.Context, arg T) error
}

// NewTypedCompensation creates a typed compensation wrapper.
func NewTypedCompensation[T any](name string, fn func(ctx context.Context, arg T) error) *TypedCompensation[T] {
	return &TypedCompensation[T]{
		Name: name,
		Fn:   fn,
	}
}

// Register registers the typed compensation function in the registry.
func (tc *TypedCompensation[T]) Register(r *Registry) {
	r.Register(tc.Name, tc.AsFunc())
}

// AsFunc returns the raw compensation function for direct use.
func (tc *TypedCompensation[T]) AsFunc() CompensationFunc {
	return func(ctx context.Context, arg []byte) error {
		var typedArg T
		if len(arg) > 0 {
			if err := json.Unmarshal(arg, &typedArg); err != nil {
				return fmt.Errorf("failed to unmarshal compensation argument: %w", err)
			}
		}
		return tc.Fn(ctx, typedArg)
	}
}
