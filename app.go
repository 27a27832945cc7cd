package dazzle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/manwithacat/dazzle-sub009/bus"
	"github.com/manwithacat/dazzle-sub009/compensation"
	"github.com/manwithacat/dazzle-sub009/inbox"
	"github.com/manwithacat/dazzle-sub009/internal/coordination"
	"github.com/manwithacat/dazzle-sub009/internal/migrations"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/process"
	"github.com/manwithacat/dazzle-sub009/statemachine"
	"github.com/manwithacat/dazzle-sub009/version"
)

// App wires storage, an execution backend, the event framework and the
// version manager behind one lifecycle. Register processes, entities and
// handlers before Start; everything else happens through the App.
type App struct {
	opts *appOptions

	storage   storage.Storage
	adapter   process.ProcessAdapter
	framework *Framework
	versions  *version.Manager

	// registrations made before Start
	pendingProcesses     []process.ProcessSpec
	pendingSchedules     []process.ScheduleSpec
	pendingEntities      []pendingEntity
	pendingHandlers      map[string]process.HandlerFunc
	pendingCompensations map[string]compensation.CompensationFunc

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type pendingEntity struct {
	meta    storage.EntityMeta
	machine *statemachine.Spec
}

// NewApp creates an app. Nothing touches the database until Start.
func NewApp(opts ...Option) *App {
	o := defaultAppOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &App{
		opts:                 o,
		pendingHandlers:      make(map[string]process.HandlerFunc),
		pendingCompensations: make(map[string]compensation.CompensationFunc),
	}
}

// RegisterProcess registers a process spec. Must be called before Start.
func (a *App) RegisterProcess(spec process.ProcessSpec) {
	a.pendingProcesses = append(a.pendingProcesses, spec)
}

// RegisterSchedule registers a scheduled trigger. Must be called before
// Start.
func (a *App) RegisterSchedule(spec process.ScheduleSpec) {
	a.pendingSchedules = append(a.pendingSchedules, spec)
}

// RegisterEntity registers entity metadata and an optional state machine
// guarding its status transitions. Must be called before Start.
func (a *App) RegisterEntity(meta storage.EntityMeta, machine *statemachine.Spec) {
	a.pendingEntities = append(a.pendingEntities, pendingEntity{meta: meta, machine: machine})
}

// RegisterHandler registers a named step handler. Must be called before
// Start.
func (a *App) RegisterHandler(name string, fn process.HandlerFunc) {
	a.pendingHandlers[name] = fn
}

// RegisterCompensation registers a named compensating function. Must be
// called before Start.
func (a *App) RegisterCompensation(name string, fn compensation.CompensationFunc) {
	a.pendingCompensations[name] = fn
}

// Start opens storage, applies embedded migrations, builds the execution
// backend for the configured mode and starts background delivery.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	st, err := storage.NewStorage(a.opts.databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.storage = st

	if !a.opts.skipMigrate {
		dbType, err := migrations.DetectDBType(a.opts.databaseURL)
		if err != nil {
			_ = st.Close()
			return err
		}
		if _, err := migrations.Apply(ctx, st.DB(), dbType, EmbeddedMigrationsFS()); err != nil {
			_ = st.Close()
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	b := a.opts.bus
	if b == nil {
		b = bus.NewMemoryBus()
	}

	adapter, err := a.buildAdapter(st, b)
	if err != nil {
		_ = st.Close()
		return err
	}
	a.adapter = adapter

	for _, spec := range a.pendingProcesses {
		if err := adapter.RegisterProcess(spec); err != nil {
			_ = st.Close()
			return err
		}
	}
	for _, spec := range a.pendingSchedules {
		if err := adapter.RegisterSchedule(spec); err != nil {
			_ = st.Close()
			return err
		}
	}
	for _, e := range a.pendingEntities {
		if err := adapter.RegisterEntity(e.meta, e.machine); err != nil {
			_ = st.Close()
			return err
		}
	}
	for name, fn := range a.pendingHandlers {
		adapter.RegisterHandler(name, fn)
	}
	for name, fn := range a.pendingCompensations {
		adapter.RegisterCompensation(name, fn)
	}

	if err := adapter.Initialize(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to initialize %s adapter: %w", a.opts.mode, err)
	}

	a.framework = NewFramework(st, b, a.opts.relayerConfig, WithFrameworkHooks(a.opts.hooks))
	a.versions = version.NewManager(st, adapter,
		version.WithHooks(a.opts.hooks), version.WithLogger(a.opts.logger))

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.framework.Start(a.ctx)
	a.startCleanupLoop()
	a.started = true

	a.opts.logger.Info("app started",
		"mode", a.opts.mode, "dialect", st.Dialect().DriverName(),
		"instance_id", a.opts.instanceID)
	return nil
}

func (a *App) buildAdapter(st storage.Storage, b bus.Bus) (process.ProcessAdapter, error) {
	switch a.opts.mode {
	case ModeLite:
		return process.NewLiteAdapter(st,
			process.WithLiteConcurrency(a.opts.concurrency),
			process.WithLiteHooks(a.opts.hooks),
			process.WithLiteLogger(a.opts.logger),
		), nil
	case ModeDistributed:
		return process.NewDistributedAdapter(st, b,
			process.WithDistributedHooks(a.opts.hooks),
			process.WithDistributedLogger(a.opts.logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown mode %q", a.opts.mode)
	}
}

// Shutdown drains the outbox best-effort, stops background work and
// closes storage.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.mu.Unlock()

	if err := a.adapter.Shutdown(ctx); err != nil {
		a.opts.logger.Error("adapter shutdown failed", "error", err)
	}
	if err := a.framework.Drain(ctx, 5*time.Second); err != nil {
		a.opts.logger.Warn("outbox not fully drained at shutdown", "error", err)
	}
	if err := a.framework.Stop(); err != nil {
		a.opts.logger.Error("framework stop failed", "error", err)
	}

	a.cancel()
	a.wg.Wait()

	err := a.storage.Close()
	a.opts.logger.Info("app stopped", "instance_id", a.opts.instanceID)
	return err
}

// startCleanupLoop sweeps expired system locks and delivered outbox
// entries on a singleton schedule, so one instance per cluster does the
// housekeeping.
func (a *App) startCleanupLoop() {
	singleton := coordination.NewSingleton(a.storage, a.opts.instanceID, "housekeeping", 0)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.opts.cleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				if _, err := singleton.Do(a.ctx, a.cleanupPass); err != nil {
					a.opts.logger.Error("housekeeping pass failed", "error", err)
				}
			}
		}
	}()
}

func (a *App) cleanupPass(ctx context.Context) error {
	if err := a.storage.CleanupExpiredSystemLocks(ctx); err != nil {
		return err
	}
	return a.storage.CleanupOldOutboxEntries(ctx, a.opts.outboxMaxAge)
}

// Adapter exposes the execution backend.
func (a *App) Adapter() process.ProcessAdapter { return a.adapter }

// Versions exposes the version manager.
func (a *App) Versions() *version.Manager { return a.versions }

// Events exposes the event framework.
func (a *App) Events() *Framework { return a.framework }

// StartProcess creates a run and queues it for execution.
func (a *App) StartProcess(ctx context.Context, name string, inputs map[string]any, opts process.StartOptions) (string, error) {
	return a.adapter.StartProcess(ctx, name, inputs, opts)
}

// GetRun fetches a run; unknown IDs yield a RunNotFoundError.
func (a *App) GetRun(ctx context.Context, runID string) (*storage.ProcessRun, error) {
	return a.adapter.GetRun(ctx, runID)
}

// ListRuns lists runs with optional filtering, including dotted JSON
// paths into the run inputs.
func (a *App) ListRuns(ctx context.Context, opts storage.ListRunsOptions) ([]*storage.ProcessRun, error) {
	return a.adapter.ListRuns(ctx, opts)
}

// CancelProcess cancels a non-terminal run, executing recorded
// compensations first.
func (a *App) CancelProcess(ctx context.Context, runID, reason string) error {
	return a.adapter.CancelProcess(ctx, runID, reason)
}

// SuspendProcess suspends a running run.
func (a *App) SuspendProcess(ctx context.Context, runID string) error {
	return a.adapter.SuspendProcess(ctx, runID)
}

// ResumeProcess re-queues a suspended run.
func (a *App) ResumeProcess(ctx context.Context, runID string) error {
	return a.adapter.ResumeProcess(ctx, runID)
}

// SignalProcess delivers a named signal to a run.
func (a *App) SignalProcess(ctx context.Context, runID, signal string, payload map[string]any) error {
	return a.adapter.SignalProcess(ctx, runID, signal, payload)
}

// GetTask fetches a task; unknown IDs yield a TaskNotFoundError.
func (a *App) GetTask(ctx context.Context, taskID string) (*storage.ProcessTask, error) {
	return a.adapter.GetTask(ctx, taskID)
}

// ListTasks lists tasks with optional filtering.
func (a *App) ListTasks(ctx context.Context, opts storage.ListTasksOptions) ([]*storage.ProcessTask, error) {
	return a.adapter.ListTasks(ctx, opts)
}

// CompleteTask records a task outcome and resumes the waiting run.
func (a *App) CompleteTask(ctx context.Context, taskID, outcome string, outcomeData map[string]any) error {
	return a.adapter.CompleteTask(ctx, taskID, outcome, outcomeData)
}

// ReassignTask hands an open task to another assignee.
func (a *App) ReassignTask(ctx context.Context, taskID, assigneeID string) error {
	return a.adapter.ReassignTask(ctx, taskID, assigneeID)
}

// On subscribes a named idempotent consumer to a topic.
func (a *App) On(topic, consumerName string, handler inbox.HandlerFunc) error {
	return a.framework.On(topic, consumerName, handler)
}

// EmitEvent records an event in the outbox within the caller's current
// transaction.
func (a *App) EmitEvent(ctx context.Context, env *EventEnvelope) error {
	return a.framework.EmitEvent(ctx, env)
}
