package process

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/manwithacat/dazzle-sub009/internal/notify"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultWorkerConcurrency = 16
	defaultPollBatch         = 50
)

// Worker pulls pending runs from shared storage and executes them. Any
// number of workers can run against the same database: ClaimRun arbitrates,
// so a run executes on exactly one of them. On PostgreSQL a LISTEN/NOTIFY
// listener shortcuts the poll interval.
type Worker struct {
	adapter      *DistributedAdapter
	workerID     string
	pollInterval time.Duration
	pollBatch    int
	concurrency  int64
	listenerURL  string
	logger       *slog.Logger

	sem       *semaphore.Weighted
	scheduler *Scheduler
	listener  *notify.Listener

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithWorkerID sets a stable worker identity used for singleton locks.
func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) { w.workerID = id }
}

// WithPollInterval sets how often the worker polls for pending runs.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithWorkerConcurrency bounds runs executing at once on this worker.
func WithWorkerConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = int64(n)
		}
	}
}

// WithNotifyListener enables LISTEN/NOTIFY wakeups over the given
// PostgreSQL connection string.
func WithNotifyListener(connString string) WorkerOption {
	return func(w *Worker) { w.listenerURL = connString }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a worker over the distributed adapter's storage and
// registry.
func NewWorker(adapter *DistributedAdapter, opts ...WorkerOption) *Worker {
	w := &Worker{
		adapter:      adapter,
		workerID:     uuid.NewString(),
		pollInterval: defaultPollInterval,
		pollBatch:    defaultPollBatch,
		concurrency:  defaultWorkerConcurrency,
		logger:       adapter.logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sem = semaphore.NewWeighted(w.concurrency)
	return w
}

// Start begins polling, schedule ticking and, when configured, the
// notification listener.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	w.runCtx, w.cancel = context.WithCancel(context.Background())
	w.started = true

	w.scheduler = NewScheduler(w.adapter, w.adapter.registry, SchedulerOptions{
		Logger:   w.logger,
		Locks:    w.adapter.storage,
		WorkerID: w.workerID,
	})
	if err := w.scheduler.Start(); err != nil {
		w.started = false
		w.cancel()
		return err
	}

	if w.listenerURL != "" {
		w.listener = notify.NewListener(w.listenerURL)
		w.listener.OnNotification(notify.ChannelRunQueued, func(ctx context.Context, _ notify.NotifyChannel, payload string) {
			n, err := notify.ParseRunNotification(payload)
			if err != nil {
				w.logger.Warn("bad run notification payload", "error", err)
				return
			}
			w.execute(n.RunID)
		})
		if err := w.listener.Start(w.runCtx); err != nil {
			w.scheduler.Stop()
			w.started = false
			w.cancel()
			return err
		}
	}

	w.wg.Add(1)
	go w.pollLoop()
	return nil
}

// Stop halts polling and waits for in-flight runs, bounded by the context
// deadline.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	w.cancel()
	w.mu.Unlock()

	w.scheduler.Stop()
	if w.listener != nil {
		if err := w.listener.Stop(ctx); err != nil {
			w.logger.Warn("failed to stop notification listener", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteProcess executes one pending run immediately on this worker.
func (w *Worker) ExecuteProcess(ctx context.Context, runID string) error {
	return w.adapter.executor.ExecuteRun(ctx, runID)
}

// ResumeProcessAfterTask records a task outcome and resumes the run that
// was waiting on it.
func (w *Worker) ResumeProcessAfterTask(ctx context.Context, taskID, outcome string, outcomeData map[string]any) error {
	return w.adapter.CompleteTask(ctx, taskID, outcome, outcomeData)
}

// TriggerScheduledProcess fires a registered schedule outside its cadence
// and returns the started run's ID.
func (w *Worker) TriggerScheduledProcess(ctx context.Context, scheduleName string) (string, error) {
	return w.scheduler.Trigger(ctx, scheduleName)
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.drainPending()
		select {
		case <-w.runCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) drainPending() {
	runs, err := w.adapter.storage.FindPendingRuns(w.runCtx, w.pollBatch)
	if err != nil {
		if w.runCtx.Err() == nil {
			w.logger.Error("failed to poll pending runs", "error", err)
		}
		return
	}
	for _, run := range runs {
		w.execute(run.RunID)
	}
}

// execute runs one claimed run on a bounded goroutine. ClaimRun inside
// the executor makes duplicate wakeups harmless.
func (w *Worker) execute(runID string) {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	ctx := w.runCtx
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer w.sem.Release(1)

		if err := w.adapter.executor.ExecuteRun(ctx, runID); err != nil {
			w.logger.Error("run execution failed",
				"run_id", runID, "worker_id", w.workerID, "error", err)
		}
	}()
}
