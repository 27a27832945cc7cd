package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/manwithacat/dazzle-sub009/bus"
	"github.com/manwithacat/dazzle-sub009/compensation"
	"github.com/manwithacat/dazzle-sub009/hooks"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/outbox"
	"github.com/manwithacat/dazzle-sub009/statemachine"
)

// Executor runs process steps against storage. It is shared by the lite
// and distributed adapters: both claim a pending run and hand it to
// ExecuteRun, which advances the run until it completes, fails, or parks
// on a waiting step.
type Executor struct {
	storage  storage.Storage
	registry *Registry
	hooks    hooks.ProcessHooks
	logger   *slog.Logger
}

// NewExecutor creates a step executor backed by the given storage and
// registry.
func NewExecutor(st storage.Storage, registry *Registry, h hooks.ProcessHooks, logger *slog.Logger) *Executor {
	if h == nil {
		h = &hooks.NoOpHooks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{storage: st, registry: registry, hooks: h, logger: logger}
}

// ExecuteRun claims the run and executes steps from its resume position.
// It returns nil when the run completed, parked on a waiting step, or was
// claimed by another worker; a non-nil error means the run failed.
//
// Each step executes inside its own transaction together with the context
// update that records its result, so a crash between steps never loses or
// repeats a committed step.
func (e *Executor) ExecuteRun(ctx context.Context, runID string) error {
	run, err := e.storage.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return &RunNotFoundError{RunID: runID}
	}

	claimed, err := e.storage.ClaimRun(ctx, runID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker got there first, or the run is no longer pending.
		return nil
	}

	spec, ok := e.registry.Process(run.ProcessName)
	if !ok {
		err := &ProcessNotRegisteredError{Name: run.ProcessName}
		e.failRun(ctx, run, time.Now(), err)
		return err
	}

	inputs, err := decodeInputs(run.Inputs)
	if err != nil {
		e.failRun(ctx, run, time.Now(), err)
		return err
	}

	started := time.Now()
	e.hooks.OnRunStart(ctx, hooks.RunStartInfo{
		RunID:       run.RunID,
		ProcessName: run.ProcessName,
		DSLVersion:  run.DSLVersion,
		StartTime:   started,
	})

	doc, err := decodeRunDocument(run.Context)
	if err != nil {
		e.failRun(ctx, run, started, err)
		return err
	}

	startStep := doc.NextStep
	for i := startStep; i < len(spec.Steps); i++ {
		// Cooperative stop: suspension and cancellation land between
		// steps, never mid-step.
		if i > startStep {
			running, err := e.stillRunning(ctx, run.RunID)
			if err != nil {
				return err
			}
			if !running {
				return nil
			}
		}
		waiting, err := e.executeStep(ctx, run, doc, inputs, spec.Steps[i], i)
		if err != nil {
			e.failRun(ctx, run, started, err)
			return err
		}
		if waiting {
			return nil
		}
	}

	running, err := e.stillRunning(ctx, run.RunID)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}
	if err := e.storage.UpdateRunStatus(ctx, run.RunID, storage.RunCompleted, ""); err != nil {
		return err
	}
	e.hooks.OnRunComplete(ctx, hooks.RunCompleteInfo{
		RunID:       run.RunID,
		ProcessName: run.ProcessName,
		Duration:    time.Since(started),
	})
	return nil
}

func (e *Executor) stillRunning(ctx context.Context, runID string) (bool, error) {
	current, err := e.storage.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return current != nil && current.Status == storage.RunRunning, nil
}

// executeStep runs one step in its own transaction and persists the
// updated run document. It returns waiting=true when the run parked on a
// human task or an unreceived signal.
func (e *Executor) executeStep(ctx context.Context, run *storage.ProcessRun, doc *runDocument, inputs map[string]any, step StepSpec, index int) (waiting bool, err error) {
	stepStart := time.Now()
	e.hooks.OnStepStart(ctx, hooks.StepStartInfo{
		RunID:       run.RunID,
		ProcessName: run.ProcessName,
		StepName:    step.Name,
		StepKind:    string(step.Kind),
	})

	txCtx, err := e.storage.BeginTransaction(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			if rbErr := e.storage.RollbackTransaction(txCtx); rbErr != nil {
				e.logger.Error("rollback failed after step error",
					"run_id", run.RunID, "step", step.Name, "error", rbErr)
			}
		}
	}()

	result, wait, err := e.runStep(txCtx, run, doc, stepPayload(inputs, step), step)
	if err != nil {
		e.hooks.OnStepFailed(ctx, hooks.StepFailedInfo{
			RunID:       run.RunID,
			ProcessName: run.ProcessName,
			StepName:    step.Name,
			StepKind:    string(step.Kind),
			Error:       err,
			Duration:    time.Since(stepStart),
		})
		return false, err
	}

	// A sender may have committed a signal into the context row since
	// this document was decoded. Writing the stale document back would
	// erase it, so fold those signals in first. A signal for the step
	// we are parking on is consumed right here instead.
	fresh, err := e.storage.GetRun(txCtx, run.RunID)
	if err != nil {
		return false, err
	}
	if fresh != nil {
		freshDoc, derr := decodeRunDocument(fresh.Context)
		if derr != nil {
			err = derr
			return false, err
		}
		for name, payload := range freshDoc.Signals {
			if _, have := doc.Signals[name]; have {
				continue
			}
			if step.Kind == StepWaitSignal && name == step.Signal {
				if wait {
					result = payload
					wait = false
				}
				continue
			}
			doc.setSignal(name, payload)
		}
	}

	if wait {
		// Stay on this step; the resume path advances NextStep.
		doc.NextStep = index
	} else {
		doc.setStepResult(step.Name, result)
		doc.NextStep = index + 1
	}

	encoded, err := doc.encode()
	if err != nil {
		return false, err
	}
	if err = e.storage.UpdateRunContext(txCtx, run.RunID, encoded); err != nil {
		return false, err
	}
	if wait {
		if err = e.storage.UpdateRunStatus(txCtx, run.RunID, storage.RunWaiting, ""); err != nil {
			return false, err
		}
	}
	if err = e.storage.CommitTransaction(txCtx); err != nil {
		return false, err
	}

	if !wait {
		e.hooks.OnStepComplete(ctx, hooks.StepCompleteInfo{
			RunID:       run.RunID,
			ProcessName: run.ProcessName,
			StepName:    step.Name,
			StepKind:    string(step.Kind),
			Duration:    time.Since(stepStart),
		})
	}
	return wait, nil
}

func (e *Executor) runStep(ctx context.Context, run *storage.ProcessRun, doc *runDocument, payload map[string]any, step StepSpec) (result map[string]any, wait bool, err error) {
	switch step.Kind {
	case StepEntityCreate:
		result, err = e.createEntity(ctx, step, payload)
	case StepEntityRead:
		result, err = e.readEntity(ctx, step, payload)
	case StepEntityUpdate:
		result, err = e.updateEntity(ctx, step, payload)
	case StepEntityDelete:
		result, err = e.deleteEntity(ctx, step, payload)
	case StepTransition:
		result, err = e.transitionEntity(ctx, step, payload)
	case StepHandler:
		result, err = e.callHandler(ctx, doc, step, payload)
	case StepHumanTask:
		result, wait, err = e.openHumanTask(ctx, run, doc, step)
	case StepWaitSignal:
		if received, ok := doc.Signals[step.Signal]; ok {
			delete(doc.Signals, step.Signal)
			result = received
		} else {
			wait = true
		}
	case StepEmitEvent:
		result, err = e.emitEvent(ctx, run, step, payload)
	default:
		err = fmt.Errorf("unknown step kind %q in step %q", step.Kind, step.Name)
	}
	return result, wait, err
}

// entityID pulls the row key from the payload, accepting either the
// entity's key column name or the generic entity_id key.
func entityID(meta storage.EntityMeta, payload map[string]any) string {
	for _, key := range []string{meta.KeyColumn(), "entity_id"} {
		if v, ok := payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// entityValues filters the payload down to the entity's registered
// fields, dropping the key column and bookkeeping keys like entity_id,
// entity_name and event_type.
func entityValues(meta storage.EntityMeta, payload map[string]any) map[string]any {
	values := make(map[string]any)
	for k, v := range payload {
		if k == meta.KeyColumn() {
			continue
		}
		if meta.HasField(k) {
			values[k] = v
		}
	}
	return values
}

func (e *Executor) entityMeta(step StepSpec) (storage.EntityMeta, *statemachine.Spec, error) {
	reg, ok := e.registry.Entity(step.Entity)
	if !ok {
		return storage.EntityMeta{}, nil, fmt.Errorf("entity %q not registered (step %q)", step.Entity, step.Name)
	}
	return reg.Meta, reg.Machine, nil
}

func (e *Executor) createEntity(ctx context.Context, step StepSpec, payload map[string]any) (map[string]any, error) {
	meta, _, err := e.entityMeta(step)
	if err != nil {
		return nil, err
	}

	id := entityID(meta, payload)
	if id == "" {
		id = uuid.NewString()
	}
	values := entityValues(meta, payload)
	values[meta.KeyColumn()] = id

	if err := e.storage.InsertEntityRow(ctx, meta, values); err != nil {
		return nil, err
	}
	return values, nil
}

func (e *Executor) readEntity(ctx context.Context, step StepSpec, payload map[string]any) (map[string]any, error) {
	meta, _, err := e.entityMeta(step)
	if err != nil {
		return nil, err
	}

	id := entityID(meta, payload)
	if id == "" {
		// No key to read by: empty result, distinct from a null
		// not-found result.
		return map[string]any{}, nil
	}
	return e.storage.GetEntityRow(ctx, meta, id)
}

func (e *Executor) updateEntity(ctx context.Context, step StepSpec, payload map[string]any) (map[string]any, error) {
	meta, _, err := e.entityMeta(step)
	if err != nil {
		return nil, err
	}

	id := entityID(meta, payload)
	if id == "" {
		// No key to update by: empty result, like a keyless read.
		return map[string]any{}, nil
	}
	values := entityValues(meta, payload)
	if len(values) == 0 {
		return map[string]any{"updated": false}, nil
	}

	count, err := e.storage.UpdateEntityRow(ctx, meta, id, values)
	if err != nil {
		return nil, err
	}
	return map[string]any{"updated": count > 0}, nil
}

func (e *Executor) deleteEntity(ctx context.Context, step StepSpec, payload map[string]any) (map[string]any, error) {
	meta, _, err := e.entityMeta(step)
	if err != nil {
		return nil, err
	}

	id := entityID(meta, payload)
	if id == "" {
		return map[string]any{}, nil
	}

	count, err := e.storage.DeleteEntityRow(ctx, meta, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": count > 0}, nil
}

// statusField resolves the column a transition step writes: the entity's
// configured status field, or a status/state key present in the payload.
func statusField(meta storage.EntityMeta, payload map[string]any) string {
	if meta.StatusField != "" {
		return meta.StatusField
	}
	for _, candidate := range []string{"status", "state"} {
		if _, ok := payload[candidate]; ok {
			return candidate
		}
	}
	return ""
}

func (e *Executor) transitionEntity(ctx context.Context, step StepSpec, payload map[string]any) (map[string]any, error) {
	meta, machine, err := e.entityMeta(step)
	if err != nil {
		return nil, err
	}

	field := statusField(meta, payload)
	if field == "" {
		return map[string]any{}, nil
	}
	target, _ := payload[field].(string)
	if target == "" {
		return map[string]any{}, nil
	}

	id := entityID(meta, payload)
	if id == "" {
		return map[string]any{}, nil
	}

	current, err := e.storage.GetEntityRow(ctx, meta, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("entity %s/%s not found for transition step %q", step.Entity, id, step.Name)
	}

	update := map[string]any{field: target}
	if res := statemachine.ValidateStatusUpdate(machine, current, update, nil); !res.Valid {
		return nil, res.Err
	}

	count, err := e.storage.UpdateEntityRow(ctx, meta, id, update)
	if err != nil {
		return nil, err
	}
	return map[string]any{field: target, "updated": count > 0}, nil
}

func (e *Executor) callHandler(ctx context.Context, doc *runDocument, step StepSpec, payload map[string]any) (map[string]any, error) {
	fn, ok := e.registry.Handler(step.Handler)
	if !ok {
		return nil, fmt.Errorf("handler %q not registered (step %q)", step.Handler, step.Name)
	}

	result, err := fn(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("handler %s failed: %w", step.Handler, err)
	}

	if step.Compensation != "" {
		arg := result
		if arg == nil {
			arg = payload
		}
		recorded, err := compensation.NewRecorded(step.Name, step.Compensation, arg)
		if err != nil {
			return nil, err
		}
		doc.Compensations = append(doc.Compensations, recorded)
	}
	return result, nil
}

func (e *Executor) openHumanTask(ctx context.Context, run *storage.ProcessRun, doc *runDocument, step StepSpec) (map[string]any, bool, error) {
	if doc.WaitingTask != "" {
		// The task was created on a previous pass. If it has been
		// completed out of band (operator tooling writes the outcome
		// straight to storage and requeues the run), consume the outcome
		// here; otherwise park again.
		task, err := e.storage.GetTask(ctx, doc.WaitingTask)
		if err != nil {
			return nil, false, err
		}
		if task != nil && task.Status == storage.TaskCompleted {
			result := make(map[string]any)
			if len(task.OutcomeData) > 0 {
				if err := json.Unmarshal(task.OutcomeData, &result); err != nil {
					return nil, false, fmt.Errorf("failed to decode task outcome: %w", err)
				}
			}
			result["outcome"] = task.Outcome
			result["task_id"] = task.TaskID
			doc.WaitingTask = ""
			return result, false, nil
		}
		return nil, true, nil
	}

	task := &storage.ProcessTask{
		TaskID:     uuid.NewString(),
		RunID:      run.RunID,
		AssigneeID: step.Assignee,
		Status:     storage.TaskPending,
	}
	if task.AssigneeID != "" {
		task.Status = storage.TaskAssigned
	}
	if err := e.storage.CreateTask(ctx, task); err != nil {
		return nil, false, err
	}
	doc.WaitingTask = task.TaskID

	e.hooks.OnTaskCreated(ctx, hooks.TaskCreatedInfo{
		TaskID:     task.TaskID,
		RunID:      run.RunID,
		AssigneeID: task.AssigneeID,
	})
	return nil, true, nil
}

func (e *Executor) emitEvent(ctx context.Context, run *storage.ProcessRun, step StepSpec, payload map[string]any) (map[string]any, error) {
	env, err := bus.NewEnvelope(step.EventType, step.Topic, payload,
		bus.WithCorrelationID(run.RunID))
	if err != nil {
		return nil, err
	}
	if err := outbox.Append(ctx, e.storage, env); err != nil {
		return nil, err
	}

	e.hooks.OnEventEmitted(ctx, hooks.EventEmittedInfo{
		EventID:   env.EventID,
		EventType: env.EventType,
		Topic:     env.Topic,
		RunID:     run.RunID,
	})
	return map[string]any{"event_id": env.EventID}, nil
}

func (e *Executor) failRun(ctx context.Context, run *storage.ProcessRun, started time.Time, cause error) {
	if err := e.storage.UpdateRunStatus(ctx, run.RunID, storage.RunFailed, cause.Error()); err != nil {
		e.logger.Error("failed to mark run failed",
			"run_id", run.RunID, "error", err, "cause", cause)
	}
	e.hooks.OnRunFailed(ctx, hooks.RunFailedInfo{
		RunID:       run.RunID,
		ProcessName: run.ProcessName,
		Error:       cause,
		Duration:    time.Since(started),
	})
}
