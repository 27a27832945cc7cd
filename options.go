package dazzle

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/manwithacat/dazzle-sub009/bus"
	"github.com/manwithacat/dazzle-sub009/hooks"
	"github.com/manwithacat/dazzle-sub009/outbox"
	"github.com/manwithacat/dazzle-sub009/retry"
)

// Mode selects the execution backend.
type Mode string

const (
	// ModeLite executes runs in-process; works against any storage,
	// including SQLite.
	ModeLite Mode = "lite"
	// ModeDistributed makes runs pending for an external worker pool over
	// shared storage; requires postgres or mysql and a broker.
	ModeDistributed Mode = "distributed"
)

type appOptions struct {
	databaseURL   string
	mode          Mode
	bus           bus.Bus
	hooks         hooks.ProcessHooks
	logger        *slog.Logger
	instanceID    string
	concurrency   int
	relayerConfig outbox.RelayerConfig
	cleanupEvery  time.Duration
	outboxMaxAge  time.Duration
	skipMigrate   bool
}

func defaultAppOptions() *appOptions {
	return &appOptions{
		databaseURL:  "dazzle.db",
		mode:         ModeLite,
		hooks:        &hooks.NoOpHooks{},
		logger:       slog.Default(),
		instanceID:   uuid.NewString(),
		concurrency:  8,
		cleanupEvery: time.Hour,
		outboxMaxAge: 7 * 24 * time.Hour,
	}
}

// Option configures an App.
type Option func(*appOptions)

// WithDatabaseURL sets the storage connection string. The scheme selects
// the dialect; a bare path means SQLite.
func WithDatabaseURL(url string) Option {
	return func(o *appOptions) { o.databaseURL = url }
}

// WithMode selects the execution backend.
func WithMode(mode Mode) Option {
	return func(o *appOptions) { o.mode = mode }
}

// WithBus sets the event transport. Defaults to the in-process broker.
func WithBus(b bus.Bus) Option {
	return func(o *appOptions) { o.bus = b }
}

// WithHooks sets lifecycle hooks for observability.
func WithHooks(h hooks.ProcessHooks) Option {
	return func(o *appOptions) { o.hooks = h }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *appOptions) { o.logger = logger }
}

// WithInstanceID sets a stable identity for this app instance, used as
// the owner of singleton background-task locks.
func WithInstanceID(id string) Option {
	return func(o *appOptions) { o.instanceID = id }
}

// WithConcurrency bounds runs executing at once in lite mode.
func WithConcurrency(n int) Option {
	return func(o *appOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithOutboxPollInterval sets how often the relayer polls for pending
// events.
func WithOutboxPollInterval(d time.Duration) Option {
	return func(o *appOptions) { o.relayerConfig.PollInterval = d }
}

// WithOutboxBatchSize sets the relayer batch size.
func WithOutboxBatchSize(n int) Option {
	return func(o *appOptions) { o.relayerConfig.BatchSize = n }
}

// WithOutboxRetryPolicy bounds delivery attempts.
func WithOutboxRetryPolicy(p *retry.Policy) Option {
	return func(o *appOptions) { o.relayerConfig.RetryPolicy = p }
}

// WithCleanupInterval sets how often expired locks and delivered outbox
// entries are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *appOptions) {
		if d > 0 {
			o.cleanupEvery = d
		}
	}
}

// WithoutMigrations skips applying embedded schema migrations at Start,
// for deployments that manage schema externally.
func WithoutMigrations() Option {
	return func(o *appOptions) { o.skipMigrate = true }
}
