// Package hooks provides lifecycle hooks for process observability.
package hooks

import (
	"context"
	"time"
)

// ProcessHooks defines callbacks for process lifecycle events.
// Implement this interface to add observability (logging, tracing, metrics).
type ProcessHooks interface {
	// Run lifecycle
	OnRunStart(ctx context.Context, info RunStartInfo)
	OnRunComplete(ctx context.Context, info RunCompleteInfo)
	OnRunFailed(ctx context.Context, info RunFailedInfo)
	OnRunCancelled(ctx context.Context, info RunCancelledInfo)
	OnRunSuspended(ctx context.Context, info RunSuspendedInfo)
	OnRunResumed(ctx context.Context, info RunResumedInfo)

	// Step lifecycle
	OnStepStart(ctx context.Context, info StepStartInfo)
	OnStepComplete(ctx context.Context, info StepCompleteInfo)
	OnStepFailed(ctx context.Context, info StepFailedInfo)

	// Events
	OnEventEmitted(ctx context.Context, info EventEmittedInfo)
	OnEventConsumed(ctx context.Context, info EventConsumedInfo)

	// Human tasks
	OnTaskCreated(ctx context.Context, info TaskCreatedInfo)
	OnTaskCompleted(ctx context.Context, info TaskCompletedInfo)

	// Version migrations
	OnMigrationStarted(ctx context.Context, info MigrationInfo)
	OnMigrationCompleted(ctx context.Context, info MigrationInfo)
	OnMigrationRolledBack(ctx context.Context, info MigrationInfo)
}

// RunStartInfo describes the start of a process run.
type RunStartInfo struct {
	RunID       string
	ProcessName string
	DSLVersion  string
	StartTime   time.Time
}

// RunCompleteInfo describes a completed run.
type RunCompleteInfo struct {
	RunID       string
	ProcessName string
	Duration    time.Duration
}

// RunFailedInfo describes a failed run.
type RunFailedInfo struct {
	RunID       string
	ProcessName string
	Error       error
	Duration    time.Duration
}

// RunCancelledInfo describes a cancelled run.
type RunCancelledInfo struct {
	RunID       string
	ProcessName string
	Reason      string
}

// RunSuspendedInfo describes a suspended run.
type RunSuspendedInfo struct {
	RunID       string
	ProcessName string
}

// RunResumedInfo describes a resumed run.
type RunResumedInfo struct {
	RunID       string
	ProcessName string
}

// StepStartInfo describes the start of a process step.
type StepStartInfo struct {
	RunID       string
	ProcessName string
	StepName    string
	StepKind    string
}

// StepCompleteInfo describes a completed step.
type StepCompleteInfo struct {
	RunID       string
	ProcessName string
	StepName    string
	StepKind    string
	Duration    time.Duration
}

// StepFailedInfo describes a failed step.
type StepFailedInfo struct {
	RunID       string
	ProcessName string
	StepName    string
	StepKind    string
	Error       error
	Duration    time.Duration
}

// EventEmittedInfo describes an event appended to the outbox.
type EventEmittedInfo struct {
	EventID   string
	EventType string
	Topic     string
	RunID     string
}

// EventConsumedInfo describes a consumed (or skipped) event.
type EventConsumedInfo struct {
	EventID   string
	EventType string
	Consumer  string
	Skipped   bool
	Error     error
}

// TaskCreatedInfo describes a created human task.
type TaskCreatedInfo struct {
	TaskID     string
	RunID      string
	AssigneeID string
}

// TaskCompletedInfo describes a completed human task.
type TaskCompletedInfo struct {
	TaskID  string
	RunID   string
	Outcome string
}

// MigrationInfo describes a version migration state change.
type MigrationInfo struct {
	MigrationID string
	FromVersion string
	ToVersion   string
	RunsDrained int
}

// NoOpHooks is a no-operation implementation of ProcessHooks.
// Use this as a base for partial implementations.
type NoOpHooks struct{}

func (n *NoOpHooks) OnRunStart(ctx context.Context, info RunStartInfo)             {}
func (n *NoOpHooks) OnRunComplete(ctx context.Context, info RunCompleteInfo)       {}
func (n *NoOpHooks) OnRunFailed(ctx context.Context, info RunFailedInfo)           {}
func (n *NoOpHooks) OnRunCancelled(ctx context.Context, info RunCancelledInfo)     {}
func (n *NoOpHooks) OnRunSuspended(ctx context.Context, info RunSuspendedInfo)     {}
func (n *NoOpHooks) OnRunResumed(ctx context.Context, info RunResumedInfo)         {}
func (n *NoOpHooks) OnStepStart(ctx context.Context, info StepStartInfo)           {}
func (n *NoOpHooks) OnStepComplete(ctx context.Context, info StepCompleteInfo)     {}
func (n *NoOpHooks) OnStepFailed(ctx context.Context, info StepFailedInfo)         {}
func (n *NoOpHooks) OnEventEmitted(ctx context.Context, info EventEmittedInfo)     {}
func (n *NoOpHooks) OnEventConsumed(ctx context.Context, info EventConsumedInfo)   {}
func (n *NoOpHooks) OnTaskCreated(ctx context.Context, info TaskCreatedInfo)       {}
func (n *NoOpHooks) OnTaskCompleted(ctx context.Context, info TaskCompletedInfo)   {}
func (n *NoOpHooks) OnMigrationStarted(ctx context.Context, info MigrationInfo)    {}
func (n *NoOpHooks) OnMigrationCompleted(ctx context.Context, info MigrationInfo)  {}
func (n *NoOpHooks) OnMigrationRolledBack(ctx context.Context, info MigrationInfo) {}
