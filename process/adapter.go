// Package process implements the orchestration core for DSL-declared
// long-running processes: a ProcessAdapter interface with a single-process
// Lite backend and a Distributed worker-pool backend, both driving the
// same step executor over shared storage.
package process

import (
	"context"
	"fmt"
	"time"

	"github.com/manwithacat/dazzle-sub009/compensation"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/statemachine"
)

// StepKind identifies what a process step does.
type StepKind string

const (
	// StepEntityCreate persists a new entity row.
	StepEntityCreate StepKind = "create"
	// StepEntityRead fetches an entity row.
	StepEntityRead StepKind = "read"
	// StepEntityUpdate updates registered entity fields.
	StepEntityUpdate StepKind = "update"
	// StepEntityDelete deletes an entity row.
	StepEntityDelete StepKind = "delete"
	// StepTransition moves the entity's status field through its state
	// machine.
	StepTransition StepKind = "transition"
	// StepHandler invokes a registered handler function.
	StepHandler StepKind = "handler"
	// StepHumanTask creates a task and waits for its completion.
	StepHumanTask StepKind = "human_task"
	// StepWaitSignal waits for a named signal to arrive.
	StepWaitSignal StepKind = "wait_signal"
	// StepEmitEvent appends an event to the transactional outbox.
	StepEmitEvent StepKind = "emit_event"
)

// StepSpec declares one step of a process.
type StepSpec struct {
	Name string
	Kind StepKind

	// Entity names the registered entity for entity ops and transitions.
	Entity string

	// Handler names the registered handler function for handler steps.
	Handler string

	// Compensation names the registered compensating function executed in
	// LIFO order when the run is cancelled after this step completed.
	Compensation string

	// Assignee is the initial assignee for human task steps.
	Assignee string

	// Signal is the signal name a wait_signal step blocks on.
	Signal string

	// EventType and Topic describe the event an emit_event step produces.
	EventType string
	Topic     string

	// Params are static values merged over the run inputs to form the
	// step payload.
	Params map[string]any
}

// ProcessSpec declares a process: a named, versioned sequence of steps.
// Produced by the DSL compiler; the orchestration core only consumes it.
type ProcessSpec struct {
	Name    string
	Version string
	Steps   []StepSpec
}

// ScheduleSpec declares a scheduled process trigger, either cron-expression
// or fixed-interval based.
type ScheduleSpec struct {
	Name        string
	ProcessName string
	Cron        string
	Interval    time.Duration
	Inputs      map[string]any
}

// HandlerFunc is a registered step handler. It receives the step payload
// (run inputs merged with step params) and returns the step result.
type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// StartOptions carries the optional arguments of StartProcess.
type StartOptions struct {
	// IdempotencyKey maps repeated start requests to one run.
	IdempotencyKey string

	// DSLVersion pins the run to a deployed version. Defaults to the
	// currently active version.
	DSLVersion string
}

// RunNotFoundError reports a query for an unknown run.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("process run not found: %s", e.RunID)
}

// TaskNotFoundError reports a query for an unknown task.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("process task not found: %s", e.TaskID)
}

// ProcessNotRegisteredError reports a start request for an unknown process.
type ProcessNotRegisteredError struct {
	Name string
}

func (e *ProcessNotRegisteredError) Error() string {
	return fmt.Sprintf("process not registered: %s", e.Name)
}

// TaskNotOpenError reports a completion attempt on a terminal task.
type TaskNotOpenError struct {
	TaskID string
	Status storage.TaskStatus
}

func (e *TaskNotOpenError) Error() string {
	return fmt.Sprintf("task %s is not open (status %s)", e.TaskID, e.Status)
}

// ProcessAdapter is the polymorphic execution backend. The Lite and
// Distributed implementations must satisfy identical semantics; callers
// select one at startup, never by runtime probing.
type ProcessAdapter interface {
	// Initialize prepares the backend. Missing required infrastructure
	// (shared storage, broker) fails here, not on first use.
	Initialize(ctx context.Context) error

	// Shutdown stops background work and joins in-flight executions.
	Shutdown(ctx context.Context) error

	// RegisterProcess registers a process spec.
	RegisterProcess(spec ProcessSpec) error

	// RegisterSchedule registers a scheduled trigger.
	RegisterSchedule(spec ScheduleSpec) error

	// RegisterEntity registers entity metadata (and optionally its state
	// machine) for built-in entity steps.
	RegisterEntity(meta storage.EntityMeta, machine *statemachine.Spec) error

	// RegisterHandler registers a named handler function.
	RegisterHandler(name string, fn HandlerFunc)

	// RegisterCompensation registers a named compensating function.
	RegisterCompensation(name string, fn compensation.CompensationFunc)

	// StartProcess creates a run and queues it for execution. A repeated
	// call with the same idempotency key returns the existing run ID.
	StartProcess(ctx context.Context, name string, inputs map[string]any, opts StartOptions) (string, error)

	// GetRun fetches a run; unknown IDs yield a RunNotFoundError.
	GetRun(ctx context.Context, runID string) (*storage.ProcessRun, error)

	// ListRuns lists runs with optional filtering.
	ListRuns(ctx context.Context, opts storage.ListRunsOptions) ([]*storage.ProcessRun, error)

	// ListRunsByVersion lists every run bound to a DSL version.
	ListRunsByVersion(ctx context.Context, dslVersion string) ([]*storage.ProcessRun, error)

	// CountActiveRunsByVersion counts non-terminal runs bound to a DSL
	// version, computed live.
	CountActiveRunsByVersion(ctx context.Context, dslVersion string) (int, error)

	// CancelProcess cancels a non-terminal run, executing recorded
	// compensations first. A no-op on terminal or unknown runs.
	CancelProcess(ctx context.Context, runID, reason string) error

	// SuspendProcess suspends a running run. A no-op otherwise.
	SuspendProcess(ctx context.Context, runID string) error

	// ResumeProcess re-queues a suspended run.
	ResumeProcess(ctx context.Context, runID string) error

	// SignalProcess stores the signal payload in the run context and
	// re-queues the run when it is waiting.
	SignalProcess(ctx context.Context, runID, signal string, payload map[string]any) error

	// GetTask fetches a task; unknown IDs yield a TaskNotFoundError.
	GetTask(ctx context.Context, taskID string) (*storage.ProcessTask, error)

	// ListTasks lists tasks with optional filtering.
	ListTasks(ctx context.Context, opts storage.ListTasksOptions) ([]*storage.ProcessTask, error)

	// CompleteTask records the task outcome and resumes the waiting run.
	CompleteTask(ctx context.Context, taskID, outcome string, outcomeData map[string]any) error

	// ReassignTask hands an open task to another assignee.
	ReassignTask(ctx context.Context, taskID, assigneeID string) error
}
