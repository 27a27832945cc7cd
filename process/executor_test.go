package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/manwithacat/dazzle-sub009/internal/migrations"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/statemachine"
)

func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "dazzle-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	_ = tmpFile.Close()

	st, err := storage.NewSQLiteStorage(tmpFile.Name())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	if _, err := migrations.Apply(context.Background(), st.DB(), "sqlite", os.DirFS("../schema/db/migrations")); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = st.Close()
		_ = os.Remove(tmpFile.Name())
	})
	return st
}

type executorEnv struct {
	storage  storage.Storage
	registry *Registry
	executor *Executor
}

func newExecutorEnv(t *testing.T) *executorEnv {
	t.Helper()
	st := newTestStorage(t)
	registry := NewRegistry()
	return &executorEnv{
		storage:  st,
		registry: registry,
		executor: NewExecutor(st, registry, nil, nil),
	}
}

func (env *executorEnv) registerOrders(t *testing.T, machine *statemachine.Spec) {
	t.Helper()
	meta := storage.EntityMeta{
		Name:        "order",
		TableName:   "orders",
		Fields:      []string{"customer_id", "total", "status"},
		StatusField: "status",
	}
	if err := env.registry.AddEntity(meta, machine); err != nil {
		t.Fatalf("failed to register entity: %v", err)
	}
	if err := env.storage.EnsureEntityTable(context.Background(), meta); err != nil {
		t.Fatalf("failed to ensure entity table: %v", err)
	}
}

func (env *executorEnv) startRun(t *testing.T, processName string, inputs map[string]any) string {
	t.Helper()
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		t.Fatalf("failed to encode inputs: %v", err)
	}
	run := &storage.ProcessRun{
		RunID:       fmt.Sprintf("run-%d", time.Now().UnixNano()),
		ProcessName: processName,
		Status:      storage.RunPending,
		Inputs:      inputsJSON,
	}
	if err := env.storage.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run.RunID
}

func (env *executorEnv) runDoc(t *testing.T, runID string) *runDocument {
	t.Helper()
	run, err := env.storage.GetRun(context.Background(), runID)
	if err != nil || run == nil {
		t.Fatalf("failed to fetch run %s: %v", runID, err)
	}
	doc, err := decodeRunDocument(run.Context)
	if err != nil {
		t.Fatalf("failed to decode run context: %v", err)
	}
	return doc
}

func (env *executorEnv) runStatus(t *testing.T, runID string) storage.RunStatus {
	t.Helper()
	run, err := env.storage.GetRun(context.Background(), runID)
	if err != nil || run == nil {
		t.Fatalf("failed to fetch run %s: %v", runID, err)
	}
	return run.Status
}

func TestExecuteRunEntitySteps(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	machine := &statemachine.Spec{
		StatusField: "status",
		States:      []string{"pending", "approved", "shipped"},
		Transitions: []statemachine.Transition{
			{From: "pending", To: "approved"},
			{From: "approved", To: "shipped"},
		},
	}
	env.registerOrders(t, machine)

	if err := env.registry.AddProcess(ProcessSpec{
		Name: "order_flow",
		Steps: []StepSpec{
			{Name: "create_order", Kind: StepEntityCreate, Entity: "order",
				Params: map[string]any{"status": "pending"}},
			{Name: "approve", Kind: StepTransition, Entity: "order",
				Params: map[string]any{"status": "approved"}},
			{Name: "set_total", Kind: StepEntityUpdate, Entity: "order",
				Params: map[string]any{"total": 99.5}},
			{Name: "lookup", Kind: StepEntityRead, Entity: "order"},
		},
	}); err != nil {
		t.Fatalf("failed to register process: %v", err)
	}

	runID := env.startRun(t, "order_flow", map[string]any{
		"id":          "ord-1",
		"customer_id": "c-42",
		"entity_name": "order", // bookkeeping key, must not be persisted
	})
	if err := env.executor.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}
	if got := env.runStatus(t, runID); got != storage.RunCompleted {
		t.Fatalf("run status = %s, want completed", got)
	}

	doc := env.runDoc(t, runID)
	created := doc.Steps["create_order"]
	if created["id"] != "ord-1" || created["customer_id"] != "c-42" {
		t.Errorf("unexpected create result: %v", created)
	}
	if _, ok := created["entity_name"]; ok {
		t.Error("bookkeeping key entity_name leaked into the entity row")
	}

	if got := doc.Steps["approve"]["status"]; got != "approved" {
		t.Errorf("transition wrote status %v, want approved", got)
	}
	if updated, _ := doc.Steps["set_total"]["updated"].(bool); !updated {
		t.Errorf("update reported updated=%v, want true", doc.Steps["set_total"]["updated"])
	}

	row := doc.Steps["lookup"]
	if row == nil {
		t.Fatal("read step returned null for an existing row")
	}
	if row["status"] != "approved" {
		t.Errorf("read row status = %v, want approved", row["status"])
	}

	stored, err := env.storage.GetEntityRow(ctx, env.registry.entities["order"].Meta, "ord-1")
	if err != nil || stored == nil {
		t.Fatalf("entity row missing: %v", err)
	}
	if stored["status"] != "approved" {
		t.Errorf("stored status = %v, want approved", stored["status"])
	}
}

func TestExecuteRunReadSemantics(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()
	env.registerOrders(t, nil)

	if err := env.registry.AddProcess(ProcessSpec{
		Name: "reads",
		Steps: []StepSpec{
			{Name: "no_key", Kind: StepEntityRead, Entity: "order"},
			{Name: "missing", Kind: StepEntityRead, Entity: "order",
				Params: map[string]any{"entity_id": "nope"}},
		},
	}); err != nil {
		t.Fatalf("failed to register process: %v", err)
	}

	runID := env.startRun(t, "reads", nil)
	if err := env.executor.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}

	doc := env.runDoc(t, runID)
	// No key supplied: an empty result, which is not the same thing as a
	// null not-found result.
	if noKey, ok := doc.Steps["no_key"]; !ok || noKey == nil || len(noKey) != 0 {
		t.Errorf("no-key read = %v (present=%v), want empty map", doc.Steps["no_key"], ok)
	}
	if missing, ok := doc.Steps["missing"]; !ok || missing != nil {
		t.Errorf("missing-row read = %v (present=%v), want null", missing, ok)
	}
}

func TestExecuteRunUpdateAndDeleteMisses(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()
	env.registerOrders(t, nil)

	if err := env.registry.AddProcess(ProcessSpec{
		Name: "misses",
		Steps: []StepSpec{
			{Name: "update_missing", Kind: StepEntityUpdate, Entity: "order",
				Params: map[string]any{"entity_id": "nope", "total": 1.0}},
			{Name: "update_nothing", Kind: StepEntityUpdate, Entity: "order",
				Params: map[string]any{"entity_id": "nope"}},
			{Name: "delete_missing", Kind: StepEntityDelete, Entity: "order",
				Params: map[string]any{"entity_id": "nope"}},
			{Name: "update_no_key", Kind: StepEntityUpdate, Entity: "order",
				Params: map[string]any{"total": 2.0}},
			{Name: "delete_no_key", Kind: StepEntityDelete, Entity: "order"},
		},
	}); err != nil {
		t.Fatalf("failed to register process: %v", err)
	}

	runID := env.startRun(t, "misses", nil)
	if err := env.executor.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}
	if got := env.runStatus(t, runID); got != storage.RunCompleted {
		t.Fatalf("run status = %s, want completed", got)
	}

	doc := env.runDoc(t, runID)
	for _, step := range []string{"update_missing", "update_nothing"} {
		if updated, _ := doc.Steps[step]["updated"].(bool); updated {
			t.Errorf("%s reported updated=true, want false", step)
		}
	}
	if deleted, _ := doc.Steps["delete_missing"]["deleted"].(bool); deleted {
		t.Error("delete of missing row reported deleted=true, want false")
	}
	// No key supplied at all: empty result, like a keyless read.
	for _, step := range []string{"update_no_key", "delete_no_key"} {
		if got, ok := doc.Steps[step]; !ok || got == nil || len(got) != 0 {
			t.Errorf("%s result = %v (present=%v), want empty map", step, got, ok)
		}
	}
}

func TestExecuteRunTransitionRejected(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	machine := &statemachine.Spec{
		StatusField: "status",
		States:      []string{"pending", "approved", "shipped"},
		Transitions: []statemachine.Transition{
			{From: "pending", To: "approved"},
		},
	}
	env.registerOrders(t, machine)

	if err := env.registry.AddProcess(ProcessSpec{
		Name: "bad_transition",
		Steps: []StepSpec{
			{Name: "create_order", Kind: StepEntityCreate, Entity: "order",
				Params: map[string]any{"status": "pending"}},
			{Name: "ship", Kind: StepTransition, Entity: "order",
				Params: map[string]any{"status": "shipped"}},
		},
	}); err != nil {
		t.Fatalf("failed to register process: %v", err)
	}

	runID := env.startRun(t, "bad_transition", map[string]any{"id": "ord-2"})
	err := env.executor.ExecuteRun(ctx, runID)
	if err == nil {
		t.Fatal("expected transition rejection")
	}
	var invalid *statemachine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want InvalidTransitionError", err)
	}
	if got := env.runStatus(t, runID); got != storage.RunFailed {
		t.Fatalf("run status = %s, want failed", got)
	}

	// The rejected step rolled back: the row is untouched and the first
	// step's result survives.
	doc := env.runDoc(t, runID)
	if doc.NextStep != 1 {
		t.Errorf("NextStep = %d, want 1", doc.NextStep)
	}
	stored, err := env.storage.GetEntityRow(ctx, env.registry.entities["order"].Meta, "ord-2")
	if err != nil || stored == nil {
		t.Fatalf("entity row missing: %v", err)
	}
	if stored["status"] != "pending" {
		t.Errorf("stored status = %v, want pending", stored["status"])
	}
}

func TestExecuteRunHandlerRecordsCompensation(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	env.registry.AddHandler("reserve", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"reservation_id": "res-1"}, nil
	})
	env.registry.AddHandler("explode", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return nil, errors.New("downstream unavailable")
	})

	if err := env.registry.AddProcess(ProcessSpec{
		Name: "saga",
		Steps: []StepSpec{
			{Name: "reserve_stock", Kind: StepHandler, Handler: "reserve", Compensation: "release_stock"},
			{Name: "charge", Kind: StepHandler, Handler: "explode"},
		},
	}); err != nil {
		t.Fatalf("failed to register process: %v", err)
	}

	runID := env.startRun(t, "saga", nil)
	if err := env.executor.ExecuteRun(ctx, runID); err == nil {
		t.Fatal("expected handler failure")
	}
	if got := env.runStatus(t, runID); got != storage.RunFailed {
		t.Fatalf("run status = %s, want failed", got)
	}

	doc := env.runDoc(t, runID)
	if doc.Steps["reserve_stock"]["reservation_id"] != "res-1" {
		t.Errorf("first step result lost: %v", doc.Steps["reserve_stock"])
	}
	if len(doc.Compensations) != 1 {
		t.Fatalf("recorded %d compensations, want 1", len(doc.Compensations))
	}
	if doc.Compensations[0].FunctionName != "release_stock" {
		t.Errorf("compensation function = %s, want release_stock", doc.Compensations[0].FunctionName)
	}
}

func TestExecuteRunWaitSignal(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	if err := env.registry.AddProcess(ProcessSpec{
		Name: "signalled",
		Steps: []StepSpec{
			{Name: "await_payment", Kind: StepWaitSignal, Signal: "payment_received"},
		},
	}); err != nil {
		t.Fatalf("failed to register process: %v", err)
	}

	runID := env.startRun(t, "signalled", nil)
	if err := env.executor.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}
	if got := env.runStatus(t, runID); got != storage.RunWaiting {
		t.Fatalf("run status = %s, want waiting", got)
	}

	// Deliver the signal the way SignalProcess does, then re-queue.
	doc := env.runDoc(t, runID)
	doc.setSignal("payment_received", map[string]any{"amount": 10.0})
	encoded, err := doc.encode()
	if err != nil {
		t.Fatalf("failed to encode doc: %v", err)
	}
	if err := env.storage.UpdateRunContext(ctx, runID, encoded); err != nil {
		t.Fatalf("failed to update context: %v", err)
	}
	if ok, err := env.storage.RequeueRun(ctx, runID, storage.RunWaiting); err != nil || !ok {
		t.Fatalf("requeue failed: ok=%v err=%v", ok, err)
	}

	if err := env.executor.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("resumed ExecuteRun failed: %v", err)
	}
	if got := env.runStatus(t, runID); got != storage.RunCompleted {
		t.Fatalf("run status = %s, want completed", got)
	}

	doc = env.runDoc(t, runID)
	if doc.Steps["await_payment"]["amount"] != 10.0 {
		t.Errorf("signal payload not recorded: %v", doc.Steps["await_payment"])
	}
	if len(doc.Signals) != 0 {
		t.Errorf("signal not consumed: %v", doc.Signals)
	}
}

func TestExecuteRunHumanTaskParksOnce(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	if err := env.registry.AddProcess(ProcessSpec{
		Name: "review",
		Steps: []StepSpec{
			{Name: "manual_review", Kind: StepHumanTask, Assignee: "alice"},
		},
	}); err != nil {
		t.Fatalf("failed to register process: %v", err)
	}

	runID := env.startRun(t, "review", nil)
	if err := env.executor.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}
	if got := env.runStatus(t, runID); got != storage.RunWaiting {
		t.Fatalf("run status = %s, want waiting", got)
	}

	doc := env.runDoc(t, runID)
	if doc.WaitingTask == "" {
		t.Fatal("waiting task not recorded")
	}
	task, err := env.storage.GetTask(ctx, doc.WaitingTask)
	if err != nil || task == nil {
		t.Fatalf("task missing: %v", err)
	}
	if task.AssigneeID != "alice" || task.Status != storage.TaskAssigned {
		t.Errorf("task = %+v, want assigned to alice", task)
	}

	// A stray re-queue must not open a second task.
	if ok, err := env.storage.RequeueRun(ctx, runID, storage.RunWaiting); err != nil || !ok {
		t.Fatalf("requeue failed: ok=%v err=%v", ok, err)
	}
	if err := env.executor.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("second ExecuteRun failed: %v", err)
	}
	tasks, err := env.storage.ListTasks(ctx, storage.ListTasksOptions{RunID: runID})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("found %d tasks, want 1", len(tasks))
	}
}

func TestExecuteRunEmitEvent(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	if err := env.registry.AddProcess(ProcessSpec{
		Name: "announcer",
		Steps: []StepSpec{
			{Name: "announce", Kind: StepEmitEvent,
				EventType: "order.created", Topic: "orders"},
		},
	}); err != nil {
		t.Fatalf("failed to register process: %v", err)
	}

	runID := env.startRun(t, "announcer", map[string]any{"order_id": "ord-9"})
	if err := env.executor.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}

	doc := env.runDoc(t, runID)
	eventID, _ := doc.Steps["announce"]["event_id"].(string)
	if eventID == "" {
		t.Fatal("emit step recorded no event_id")
	}

	entries, err := env.storage.GetPendingOutboxEntries(ctx, 10)
	if err != nil {
		t.Fatalf("failed to fetch outbox: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("outbox holds %d entries, want 1", len(entries))
	}
	if entries[0].EventID != eventID || entries[0].Topic != "orders" {
		t.Errorf("outbox entry = %+v", entries[0])
	}
	if entries[0].CorrelationID != runID {
		t.Errorf("correlation ID = %s, want run ID %s", entries[0].CorrelationID, runID)
	}
}

func TestExecuteRunUnknownProcess(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	runID := env.startRun(t, "never_registered", nil)
	err := env.executor.ExecuteRun(ctx, runID)
	var notReg *ProcessNotRegisteredError
	if !errors.As(err, &notReg) {
		t.Fatalf("error = %v, want ProcessNotRegisteredError", err)
	}
	if got := env.runStatus(t, runID); got != storage.RunFailed {
		t.Fatalf("run status = %s, want failed", got)
	}
}

func TestExecuteRunClaimContention(t *testing.T) {
	env := newExecutorEnv(t)
	ctx := context.Background()

	if err := env.registry.AddProcess(ProcessSpec{Name: "noop"}); err != nil {
		t.Fatalf("failed to register process: %v", err)
	}

	runID := env.startRun(t, "noop", nil)
	if ok, err := env.storage.ClaimRun(ctx, runID); err != nil || !ok {
		t.Fatalf("claim failed: ok=%v err=%v", ok, err)
	}

	// A second executor loses the claim and backs off without error.
	if err := env.executor.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("contended ExecuteRun returned error: %v", err)
	}
	if got := env.runStatus(t, runID); got != storage.RunRunning {
		t.Fatalf("run status = %s, want running", got)
	}

	var notFound *RunNotFoundError
	if err := env.executor.ExecuteRun(ctx, "no-such-run"); !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want RunNotFoundError", err)
	}
}
