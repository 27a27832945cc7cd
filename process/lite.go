package process

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/manwithacat/dazzle-sub009/hooks"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
)

const defaultLiteConcurrency = 8

// LiteAdapter executes runs in-process on background goroutines. It works
// against any storage backend, including SQLite, and needs no broker or
// worker pool: dispatch is a post-commit goroutine bounded by a semaphore.
type LiteAdapter struct {
	*baseAdapter

	concurrency int64
	sem         *semaphore.Weighted
	scheduler   *Scheduler

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// LiteOption customizes a LiteAdapter.
type LiteOption func(*LiteAdapter)

// WithLiteConcurrency bounds the number of runs executing at once.
func WithLiteConcurrency(n int) LiteOption {
	return func(a *LiteAdapter) {
		if n > 0 {
			a.concurrency = int64(n)
		}
	}
}

// WithLiteHooks sets the lifecycle hooks.
func WithLiteHooks(h hooks.ProcessHooks) LiteOption {
	return func(a *LiteAdapter) {
		a.hooks = h
		a.executor.hooks = h
	}
}

// WithLiteLogger sets the logger.
func WithLiteLogger(logger *slog.Logger) LiteOption {
	return func(a *LiteAdapter) {
		a.logger = logger
		a.executor.logger = logger
	}
}

// NewLiteAdapter creates the single-process execution backend.
func NewLiteAdapter(st storage.Storage, opts ...LiteOption) *LiteAdapter {
	a := &LiteAdapter{
		baseAdapter: newBaseAdapter(st, nil, nil),
		concurrency: defaultLiteConcurrency,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.sem = semaphore.NewWeighted(a.concurrency)
	a.dispatch = a.dispatchLocal
	return a
}

// Initialize ensures entity tables exist, starts the scheduler, and
// re-queues runs that were pending when the previous process stopped.
func (a *LiteAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("lite adapter already initialized")
	}

	if err := a.ensureEntityTables(ctx); err != nil {
		return err
	}

	a.runCtx, a.cancel = context.WithCancel(context.Background())
	a.started = true

	a.scheduler = NewScheduler(a, a.registry, SchedulerOptions{Logger: a.logger})
	if err := a.scheduler.Start(); err != nil {
		return err
	}

	pending, err := a.storage.FindPendingRuns(ctx, 0)
	if err != nil {
		return err
	}
	for _, run := range pending {
		a.spawn(run)
	}
	return nil
}

// Shutdown stops the scheduler and waits for in-flight runs, bounded by
// the context deadline.
func (a *LiteAdapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.cancel()
	a.mu.Unlock()

	a.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchLocal queues the run for in-process execution once the current
// transaction commits.
func (a *LiteAdapter) dispatchLocal(ctx context.Context, run *storage.ProcessRun) error {
	return a.storage.RegisterPostCommitCallback(ctx, func() error {
		a.spawn(run)
		return nil
	})
}

func (a *LiteAdapter) spawn(run *storage.ProcessRun) {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	ctx := a.runCtx
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer a.sem.Release(1)

		if err := a.executor.ExecuteRun(ctx, run.RunID); err != nil {
			a.logger.Error("run execution failed",
				"run_id", run.RunID, "process", run.ProcessName, "error", err)
		}
	}()
}

var _ ProcessAdapter = (*LiteAdapter)(nil)
