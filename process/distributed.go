package process

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manwithacat/dazzle-sub009/bus"
	"github.com/manwithacat/dazzle-sub009/hooks"
	"github.com/manwithacat/dazzle-sub009/internal/notify"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
)

// DistributedAdapter fronts a worker pool over shared storage. It never
// executes runs itself: StartProcess and the resume paths make a run
// pending, dispatch publishes a transactional wakeup on PostgreSQL, and
// any polling Worker picks the run up. The bus carries outbox events
// between services.
//
// It fails fast at Initialize when the deployment cannot support it:
// SQLite has no shared storage and no broker means no event delivery.
type DistributedAdapter struct {
	*baseAdapter

	bus         bus.Bus
	initialized bool
}

// DistributedOption customizes a DistributedAdapter.
type DistributedOption func(*DistributedAdapter)

// WithDistributedHooks sets the lifecycle hooks.
func WithDistributedHooks(h hooks.ProcessHooks) DistributedOption {
	return func(a *DistributedAdapter) {
		a.hooks = h
		a.executor.hooks = h
	}
}

// WithDistributedLogger sets the logger.
func WithDistributedLogger(logger *slog.Logger) DistributedOption {
	return func(a *DistributedAdapter) {
		a.logger = logger
		a.executor.logger = logger
	}
}

// NewDistributedAdapter creates the worker-pool execution backend over
// shared storage and a broker.
func NewDistributedAdapter(st storage.Storage, b bus.Bus, opts ...DistributedOption) *DistributedAdapter {
	a := &DistributedAdapter{
		baseAdapter: newBaseAdapter(st, nil, nil),
		bus:         b,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.dispatch = a.dispatchNotify
	return a
}

// Initialize verifies the backend requirements and ensures entity tables.
func (a *DistributedAdapter) Initialize(ctx context.Context) error {
	if a.bus == nil {
		return fmt.Errorf("distributed adapter requires a message bus")
	}
	if a.storage.Dialect().DriverName() == "sqlite" {
		return fmt.Errorf("distributed adapter requires shared storage (postgres or mysql), got sqlite")
	}
	if err := a.ensureEntityTables(ctx); err != nil {
		return err
	}
	a.initialized = true
	return nil
}

// Shutdown releases the broker connection. Workers shut down separately.
func (a *DistributedAdapter) Shutdown(ctx context.Context) error {
	if !a.initialized {
		return nil
	}
	a.initialized = false
	return a.bus.Close()
}

// dispatchNotify wakes the worker pool. On PostgreSQL the pg_notify rides
// the run's own transaction, so workers only ever see committed runs. On
// MySQL workers rely on their poll interval.
func (a *DistributedAdapter) dispatchNotify(ctx context.Context, run *storage.ProcessRun) error {
	if a.storage.Dialect().DriverName() != "postgres" {
		return nil
	}
	return notify.Publish(ctx, a.storage.Conn(ctx), notify.ChannelRunQueued, notify.RunNotification{
		RunID:       run.RunID,
		ProcessName: run.ProcessName,
	})
}

var _ ProcessAdapter = (*DistributedAdapter)(nil)
