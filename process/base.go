package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/manwithacat/dazzle-sub009/compensation"
	"github.com/manwithacat/dazzle-sub009/hooks"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/statemachine"
)

// dispatchFunc queues a run for execution. It is called inside the
// transaction that made the run runnable, so backends can ride the same
// commit: the lite adapter registers a post-commit goroutine, the
// distributed adapter publishes a wakeup notification transactionally.
type dispatchFunc func(ctx context.Context, run *storage.ProcessRun) error

// baseAdapter carries the adapter operations whose semantics are identical
// across backends. Lite and Distributed embed it and supply dispatch.
type baseAdapter struct {
	storage  storage.Storage
	registry *Registry
	executor *Executor
	comp     *compensation.Executor
	hooks    hooks.ProcessHooks
	logger   *slog.Logger
	dispatch dispatchFunc
}

func newBaseAdapter(st storage.Storage, h hooks.ProcessHooks, logger *slog.Logger) *baseAdapter {
	if h == nil {
		h = &hooks.NoOpHooks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	registry := NewRegistry()
	return &baseAdapter{
		storage:  st,
		registry: registry,
		executor: NewExecutor(st, registry, h, logger),
		comp:     compensation.NewExecutor(registry.Compensations()),
		hooks:    h,
		logger:   logger,
	}
}

func (a *baseAdapter) RegisterProcess(spec ProcessSpec) error {
	return a.registry.AddProcess(spec)
}

func (a *baseAdapter) RegisterSchedule(spec ScheduleSpec) error {
	return a.registry.AddSchedule(spec)
}

func (a *baseAdapter) RegisterEntity(meta storage.EntityMeta, machine *statemachine.Spec) error {
	return a.registry.AddEntity(meta, machine)
}

func (a *baseAdapter) RegisterHandler(name string, fn HandlerFunc) {
	a.registry.AddHandler(name, fn)
}

func (a *baseAdapter) RegisterCompensation(name string, fn compensation.CompensationFunc) {
	a.registry.Compensations().Register(name, fn)
}

// ensureEntityTables creates the tables of all registered entities.
// Called from Initialize.
func (a *baseAdapter) ensureEntityTables(ctx context.Context) error {
	for _, reg := range a.registry.Entities() {
		if err := a.storage.EnsureEntityTable(ctx, reg.Meta); err != nil {
			return fmt.Errorf("failed to ensure table for entity %s: %w", reg.Meta.Name, err)
		}
	}
	return nil
}

func (a *baseAdapter) StartProcess(ctx context.Context, name string, inputs map[string]any, opts StartOptions) (string, error) {
	spec, ok := a.registry.Process(name)
	if !ok {
		return "", &ProcessNotRegisteredError{Name: name}
	}

	if inputs == nil {
		inputs = map[string]any{}
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("failed to encode process inputs: %w", err)
	}

	dslVersion := opts.DSLVersion
	if dslVersion == "" {
		active, err := a.storage.GetActiveVersion(ctx)
		if err != nil {
			return "", err
		}
		if active != nil {
			dslVersion = active.ID
		}
	}

	run := &storage.ProcessRun{
		RunID:          uuid.NewString(),
		ProcessName:    name,
		ProcessVersion: spec.Version,
		DSLVersion:     dslVersion,
		Status:         storage.RunPending,
		Inputs:         inputsJSON,
		IdempotencyKey: opts.IdempotencyKey,
	}

	txCtx, err := a.storage.BeginTransaction(ctx)
	if err != nil {
		return "", err
	}

	if err := a.storage.CreateRun(txCtx, run); err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		if errors.Is(err, storage.ErrDuplicateIdempotencyKey) {
			existing, getErr := a.storage.GetRunByIdempotencyKey(ctx, name, opts.IdempotencyKey)
			if getErr != nil {
				return "", getErr
			}
			if existing != nil {
				return existing.RunID, nil
			}
		}
		return "", err
	}
	if err := a.dispatch(txCtx, run); err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		return "", err
	}
	if err := a.storage.CommitTransaction(txCtx); err != nil {
		return "", err
	}
	return run.RunID, nil
}

func (a *baseAdapter) GetRun(ctx context.Context, runID string) (*storage.ProcessRun, error) {
	run, err := a.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &RunNotFoundError{RunID: runID}
	}
	return run, nil
}

func (a *baseAdapter) ListRuns(ctx context.Context, opts storage.ListRunsOptions) ([]*storage.ProcessRun, error) {
	return a.storage.ListRuns(ctx, opts)
}

func (a *baseAdapter) ListRunsByVersion(ctx context.Context, dslVersion string) ([]*storage.ProcessRun, error) {
	it := storage.NewRunIterator(ctx, a.storage, dslVersion, nil)
	defer it.Close()
	return it.Collect()
}

func (a *baseAdapter) CountActiveRunsByVersion(ctx context.Context, dslVersion string) (int, error) {
	return a.storage.CountActiveRunsByVersion(ctx, dslVersion)
}

func (a *baseAdapter) CancelProcess(ctx context.Context, runID, reason string) error {
	run, err := a.storage.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		a.logger.Warn("cancel requested for unknown run", "run_id", runID)
		return nil
	}
	if run.Status.IsTerminal() {
		a.logger.Debug("cancel requested for terminal run",
			"run_id", runID, "status", run.Status)
		return nil
	}

	doc, err := decodeRunDocument(run.Context)
	if err != nil {
		return err
	}
	// Compensations run before the status flip so a crash mid-way leaves
	// the run cancellable and the remaining entries re-runnable.
	if err := a.comp.Execute(ctx, runID, doc.Compensations); err != nil {
		a.logger.Error("compensation errors during cancel",
			"run_id", runID, "error", err)
	}

	txCtx, err := a.storage.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if _, err := a.storage.CancelTasksForRun(txCtx, runID); err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		return err
	}
	if err := a.storage.CancelRun(txCtx, runID, reason); err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		if errors.Is(err, storage.ErrRunNotCancellable) {
			a.logger.Debug("run reached terminal state during cancel", "run_id", runID)
			return nil
		}
		return err
	}
	if err := a.storage.CommitTransaction(txCtx); err != nil {
		return err
	}

	a.hooks.OnRunCancelled(ctx, hooks.RunCancelledInfo{
		RunID:       runID,
		ProcessName: run.ProcessName,
		Reason:      reason,
	})
	return nil
}

func (a *baseAdapter) SuspendProcess(ctx context.Context, runID string) error {
	ok, err := a.storage.SuspendRun(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		a.logger.Debug("suspend requested for run not running", "run_id", runID)
		return nil
	}
	a.hooks.OnRunSuspended(ctx, hooks.RunSuspendedInfo{RunID: runID})
	return nil
}

func (a *baseAdapter) ResumeProcess(ctx context.Context, runID string) error {
	run, err := a.storage.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		a.logger.Warn("resume requested for unknown run", "run_id", runID)
		return nil
	}

	txCtx, err := a.storage.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	ok, err := a.storage.RequeueRun(txCtx, runID, storage.RunSuspended)
	if err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		return err
	}
	if !ok {
		_ = a.storage.RollbackTransaction(txCtx)
		a.logger.Debug("resume requested for run not suspended",
			"run_id", runID, "status", run.Status)
		return nil
	}
	if err := a.dispatch(txCtx, run); err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		return err
	}
	if err := a.storage.CommitTransaction(txCtx); err != nil {
		return err
	}

	a.hooks.OnRunResumed(ctx, hooks.RunResumedInfo{
		RunID:       runID,
		ProcessName: run.ProcessName,
	})
	return nil
}

func (a *baseAdapter) SignalProcess(ctx context.Context, runID, signal string, payload map[string]any) error {
	run, err := a.storage.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		a.logger.Warn("signal for unknown run", "run_id", runID, "signal", signal)
		return nil
	}
	if run.Status.IsTerminal() {
		a.logger.Debug("signal for terminal run",
			"run_id", runID, "signal", signal, "status", run.Status)
		return nil
	}

	txCtx, err := a.storage.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	// Re-read inside the transaction so the write is based on the
	// latest committed document, not the snapshot taken above.
	current, err := a.storage.GetRun(txCtx, runID)
	if err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		return err
	}
	if current != nil {
		run = current
	}
	doc, err := decodeRunDocument(run.Context)
	if err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		return err
	}
	doc.setSignal(signal, payload)
	encoded, err := doc.encode()
	if err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		return err
	}
	if err := a.storage.UpdateRunContext(txCtx, runID, encoded); err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		return err
	}
	// Wake the run only if it is parked on a signal step, not a task.
	if run.Status == storage.RunWaiting && doc.WaitingTask == "" {
		requeued, err := a.storage.RequeueRun(txCtx, runID, storage.RunWaiting)
		if err != nil {
			_ = a.storage.RollbackTransaction(txCtx)
			return err
		}
		if requeued {
			if err := a.dispatch(txCtx, run); err != nil {
				_ = a.storage.RollbackTransaction(txCtx)
				return err
			}
		}
	}
	return a.storage.CommitTransaction(txCtx)
}

func (a *baseAdapter) GetTask(ctx context.Context, taskID string) (*storage.ProcessTask, error) {
	task, err := a.storage.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, &TaskNotFoundError{TaskID: taskID}
	}
	return task, nil
}

func (a *baseAdapter) ListTasks(ctx context.Context, opts storage.ListTasksOptions) ([]*storage.ProcessTask, error) {
	return a.storage.ListTasks(ctx, opts)
}

func (a *baseAdapter) CompleteTask(ctx context.Context, taskID, outcome string, outcomeData map[string]any) error {
	task, err := a.storage.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return &TaskNotFoundError{TaskID: taskID}
	}
	if task.Status.IsTerminal() {
		return &TaskNotOpenError{TaskID: taskID, Status: task.Status}
	}

	dataJSON, err := json.Marshal(outcomeData)
	if err != nil {
		return fmt.Errorf("failed to encode task outcome: %w", err)
	}

	txCtx, err := a.storage.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	ok, err := a.storage.CompleteTask(txCtx, taskID, outcome, dataJSON)
	if err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		return err
	}
	if !ok {
		// Lost the race with a concurrent completion.
		_ = a.storage.RollbackTransaction(txCtx)
		current, getErr := a.storage.GetTask(ctx, taskID)
		if getErr != nil || current == nil {
			return &TaskNotOpenError{TaskID: taskID, Status: task.Status}
		}
		return &TaskNotOpenError{TaskID: taskID, Status: current.Status}
	}

	if err := a.resumeRunAfterTask(txCtx, task, outcome, outcomeData); err != nil {
		_ = a.storage.RollbackTransaction(txCtx)
		return err
	}
	if err := a.storage.CommitTransaction(txCtx); err != nil {
		return err
	}

	a.hooks.OnTaskCompleted(ctx, hooks.TaskCompletedInfo{
		TaskID:  taskID,
		RunID:   task.RunID,
		Outcome: outcome,
	})
	return nil
}

// resumeRunAfterTask records the task outcome as the waiting step's result,
// advances the resume position and re-queues the run. Runs inside the
// CompleteTask transaction.
func (a *baseAdapter) resumeRunAfterTask(txCtx context.Context, task *storage.ProcessTask, outcome string, outcomeData map[string]any) error {
	run, err := a.storage.GetRun(txCtx, task.RunID)
	if err != nil {
		return err
	}
	if run == nil {
		return &RunNotFoundError{RunID: task.RunID}
	}

	doc, err := decodeRunDocument(run.Context)
	if err != nil {
		return err
	}
	if doc.WaitingTask != task.TaskID {
		// A stale or reassigned task: record the completion, leave the
		// run alone.
		a.logger.Warn("completed task is not the run's waiting task",
			"task_id", task.TaskID, "run_id", task.RunID)
		return nil
	}

	result := make(map[string]any, len(outcomeData)+2)
	for k, v := range outcomeData {
		result[k] = v
	}
	result["outcome"] = outcome
	result["task_id"] = task.TaskID

	if spec, ok := a.registry.Process(run.ProcessName); ok && doc.NextStep < len(spec.Steps) {
		doc.setStepResult(spec.Steps[doc.NextStep].Name, result)
	}
	doc.NextStep++
	doc.WaitingTask = ""

	encoded, err := doc.encode()
	if err != nil {
		return err
	}
	if err := a.storage.UpdateRunContext(txCtx, run.RunID, encoded); err != nil {
		return err
	}
	requeued, err := a.storage.RequeueRun(txCtx, run.RunID, storage.RunWaiting)
	if err != nil {
		return err
	}
	if requeued {
		return a.dispatch(txCtx, run)
	}
	return nil
}

func (a *baseAdapter) ReassignTask(ctx context.Context, taskID, assigneeID string) error {
	ok, err := a.storage.ReassignTask(ctx, taskID, assigneeID)
	if err != nil {
		return err
	}
	if !ok {
		task, getErr := a.storage.GetTask(ctx, taskID)
		if getErr != nil {
			return getErr
		}
		if task == nil {
			return &TaskNotFoundError{TaskID: taskID}
		}
		return &TaskNotOpenError{TaskID: taskID, Status: task.Status}
	}
	return nil
}
