package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// ErrDuplicateIdempotencyKey indicates a run with the same process name and
// idempotency key already exists. The caller should fetch the existing run.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already used for this process")

// ErrRunNotCancellable indicates that the run is terminal or does not exist.
var ErrRunNotCancellable = errors.New("run cannot be cancelled")

// Executor is a database executor interface that can be either *sql.DB or
// *sql.Tx. It allows callers to execute custom SQL within the same
// transaction as an orchestration mutation.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage defines the persistence interface for the orchestration core.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// DB returns the underlying database connection.
	DB() *sql.DB

	// Dialect returns the SQL dialect driver in use.
	Dialect() Driver

	TransactionManager
	RunManager
	TaskManager
	EntityManager
	OutboxManager
	InboxManager
	VersionStore
	SystemLockManager
}

// TransactionManager handles transaction operations. The transaction is
// carried on the context so that every manager method participates in it
// transparently.
type TransactionManager interface {
	// BeginTransaction starts a new transaction and returns a context with
	// the transaction attached.
	BeginTransaction(ctx context.Context) (context.Context, error)

	// CommitTransaction commits the current transaction.
	CommitTransaction(ctx context.Context) error

	// RollbackTransaction rolls back the current transaction.
	RollbackTransaction(ctx context.Context) error

	// InTransaction returns true if there is an active transaction.
	InTransaction(ctx context.Context) bool

	// Conn returns the executor for the current context: the transaction if
	// one is active, otherwise the database.
	Conn(ctx context.Context) Executor

	// RegisterPostCommitCallback registers a callback executed after a
	// successful commit. Returns an error if not in a transaction.
	RegisterPostCommitCallback(ctx context.Context, cb func() error) error
}

// ListRunsOptions filters and pages run listings.
type ListRunsOptions struct {
	Limit         int
	Offset        int
	StatusFilter  RunStatus
	ProcessName   string
	DSLVersion    string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// InputFilters matches dotted JSON paths inside the run inputs, e.g.
	// {"order.customer_id": "c-42"}. Paths must pass ValidateJSONPath.
	InputFilters map[string]any
}

// RunManager handles process run persistence.
type RunManager interface {
	// CreateRun inserts a new run. Returns ErrDuplicateIdempotencyKey when
	// the run carries an idempotency key that is already in use for the
	// same process.
	CreateRun(ctx context.Context, run *ProcessRun) error

	// GetRun retrieves a run by ID. Returns (nil, nil) when not found.
	GetRun(ctx context.Context, runID string) (*ProcessRun, error)

	// GetRunByIdempotencyKey retrieves the run created under the given
	// process name and idempotency key. Returns (nil, nil) when not found.
	GetRunByIdempotencyKey(ctx context.Context, processName, key string) (*ProcessRun, error)

	// UpdateRunStatus sets the run status (and error message, terminal
	// timestamp where applicable).
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error

	// UpdateRunContext replaces the run's mutable context document.
	UpdateRunContext(ctx context.Context, runID string, contextJSON []byte) error

	// ClaimRun atomically flips a run from pending to running. Returns
	// false when the run was not pending (claimed elsewhere or terminal).
	ClaimRun(ctx context.Context, runID string) (bool, error)

	// RequeueRun flips a run from the given status back to pending.
	// Returns false when the run was not in fromStatus.
	RequeueRun(ctx context.Context, runID string, fromStatus RunStatus) (bool, error)

	// SuspendRun atomically flips a run from running to suspended.
	// Returns false when the run was not running.
	SuspendRun(ctx context.Context, runID string) (bool, error)

	// CancelRun marks a non-terminal run cancelled. Returns
	// ErrRunNotCancellable when the run is terminal or missing.
	CancelRun(ctx context.Context, runID, reason string) error

	// ListRuns lists runs with optional filtering.
	ListRuns(ctx context.Context, opts ListRunsOptions) ([]*ProcessRun, error)

	// CountActiveRunsByVersion counts non-terminal runs bound to the given
	// DSL version. Always computed live; never cached.
	CountActiveRunsByVersion(ctx context.Context, dslVersion string) (int, error)

	// SuspendActiveRunsByVersion force-suspends all non-terminal,
	// non-suspended runs under the version. Returns the number affected.
	SuspendActiveRunsByVersion(ctx context.Context, dslVersion string) (int, error)

	// FindPendingRuns returns queued runs ready for execution, oldest
	// first. Used by the distributed worker poll loop.
	FindPendingRuns(ctx context.Context, limit int) ([]*ProcessRun, error)
}

// ListTasksOptions filters task listings.
type ListTasksOptions struct {
	Limit        int
	RunID        string
	AssigneeID   string
	StatusFilter TaskStatus
}

// TaskManager handles human task persistence.
type TaskManager interface {
	// CreateTask inserts a new task.
	CreateTask(ctx context.Context, task *ProcessTask) error

	// GetTask retrieves a task by ID. Returns (nil, nil) when not found.
	GetTask(ctx context.Context, taskID string) (*ProcessTask, error)

	// ListTasks lists tasks with optional filtering.
	ListTasks(ctx context.Context, opts ListTasksOptions) ([]*ProcessTask, error)

	// CompleteTask records the outcome and marks the task completed.
	// Returns false when the task was already terminal or missing.
	CompleteTask(ctx context.Context, taskID, outcome string, outcomeData []byte) (bool, error)

	// ReassignTask changes the assignee and marks the task assigned.
	// Returns false when the task was already terminal or missing.
	ReassignTask(ctx context.Context, taskID, assigneeID string) (bool, error)

	// CancelTasksForRun cancels all open tasks belonging to a run.
	CancelTasksForRun(ctx context.Context, runID string) (int, error)
}

// EntityManager provides generic row access for registered entity tables,
// used by the built-in create/read/update/delete/transition steps.
type EntityManager interface {
	// EnsureEntityTable creates the entity table if it does not exist.
	EnsureEntityTable(ctx context.Context, meta EntityMeta) error

	// InsertEntityRow inserts values into the entity table.
	InsertEntityRow(ctx context.Context, meta EntityMeta, values map[string]any) error

	// GetEntityRow fetches a row by primary key. Returns (nil, nil) when
	// not found.
	GetEntityRow(ctx context.Context, meta EntityMeta, id string) (map[string]any, error)

	// UpdateEntityRow updates the given columns. Returns the number of
	// affected rows.
	UpdateEntityRow(ctx context.Context, meta EntityMeta, id string, values map[string]any) (int64, error)

	// DeleteEntityRow deletes a row by primary key. Returns the number of
	// affected rows.
	DeleteEntityRow(ctx context.Context, meta EntityMeta, id string) (int64, error)
}

// OutboxManager handles the transactional outbox.
type OutboxManager interface {
	// AddOutboxEntry appends an entry. Participates in the context
	// transaction; this is what makes the outbox transactional.
	AddOutboxEntry(ctx context.Context, entry *OutboxEntry) error

	// GetPendingOutboxEntries fetches pending entries in insertion order
	// and marks them publishing. Uses SELECT FOR UPDATE SKIP LOCKED on
	// dialects that support it so concurrent relayers do not double-send.
	GetPendingOutboxEntries(ctx context.Context, limit int) ([]*OutboxEntry, error)

	// MarkOutboxPublished marks an entry delivered.
	MarkOutboxPublished(ctx context.Context, eventID string) error

	// MarkOutboxFailed dead-letters an entry.
	MarkOutboxFailed(ctx context.Context, eventID string) error

	// ReturnOutboxToPending flips a publishing entry back to pending and
	// increments its attempt count, for retry on the next poll.
	ReturnOutboxToPending(ctx context.Context, eventID string, countAttempt bool) error

	// CountUnpublishedOutbox counts entries not yet published or failed.
	// Used by drain.
	CountUnpublishedOutbox(ctx context.Context) (int, error)

	// CleanupOldOutboxEntries removes published entries older than the
	// given age.
	CleanupOldOutboxEntries(ctx context.Context, olderThan time.Duration) error
}

// InboxManager handles the per-consumer dedupe ledger.
type InboxManager interface {
	// InsertInboxEntry records a processed event idempotently
	// (ignore-on-conflict). Returns false when the entry already existed.
	InsertInboxEntry(ctx context.Context, entry *InboxEntry) (bool, error)

	// HasInboxEntry reports whether the (event, consumer) pair was seen.
	HasInboxEntry(ctx context.Context, eventID, consumerName string) (bool, error)

	// GetInboxEntry fetches the ledger row. Returns (nil, nil) when not
	// found.
	GetInboxEntry(ctx context.Context, eventID, consumerName string) (*InboxEntry, error)
}

// VersionStore handles deployed versions and migration records.
type VersionStore interface {
	// CreateVersion inserts a version record.
	CreateVersion(ctx context.Context, rec *VersionRecord) error

	// GetVersion fetches a version by ID. Returns (nil, nil) when not found.
	GetVersion(ctx context.Context, id string) (*VersionRecord, error)

	// GetActiveVersion returns the currently active version, or (nil, nil).
	GetActiveVersion(ctx context.Context) (*VersionRecord, error)

	// UpdateVersionStatus sets a version's lifecycle status.
	UpdateVersionStatus(ctx context.Context, id string, status VersionStatus) error

	// ListVersions lists versions, newest first, optionally filtered by
	// status.
	ListVersions(ctx context.Context, status VersionStatus, limit int) ([]*VersionRecord, error)

	// CreateMigration inserts a migration record.
	CreateMigration(ctx context.Context, rec *MigrationRecord) error

	// GetMigration fetches a migration by ID. Returns (nil, nil) when not
	// found.
	GetMigration(ctx context.Context, id string) (*MigrationRecord, error)

	// UpdateMigration sets the migration status, completion time and
	// drained-run count.
	UpdateMigration(ctx context.Context, id string, status MigrationStatus, completedAt *time.Time, runsDrained int) error

	// ListMigrations lists migrations, newest first, optionally filtered
	// by status.
	ListMigrations(ctx context.Context, status MigrationStatus, limit int) ([]*MigrationRecord, error)

	// GetInProgressMigrationForVersion returns the in-progress migration
	// draining the given version, or (nil, nil).
	GetInProgressMigrationForVersion(ctx context.Context, fromVersion string) (*MigrationRecord, error)
}

// SystemLockManager handles system-level locks for singleton background
// tasks (relayer leadership, schedule triggering).
type SystemLockManager interface {
	// TryAcquireSystemLock attempts to acquire a named lock. Returns true
	// if acquired.
	TryAcquireSystemLock(ctx context.Context, lockName, ownerID string, timeoutSec int) (bool, error)

	// ReleaseSystemLock releases a named lock held by ownerID.
	ReleaseSystemLock(ctx context.Context, lockName, ownerID string) error

	// CleanupExpiredSystemLocks removes expired locks.
	CleanupExpiredSystemLocks(ctx context.Context) error
}

// NewStorage opens a store for the given connection URL, selecting the
// dialect from the URL scheme. Anything that is not postgres:// or
// mysql:// is treated as a SQLite path.
func NewStorage(dbURL string) (Storage, error) {
	switch {
	case strings.HasPrefix(dbURL, "postgres"):
		return NewPostgresStorage(dbURL)
	case strings.HasPrefix(dbURL, "mysql"):
		return NewMySQLStorage(dbURL)
	default:
		return NewSQLiteStorage(strings.TrimPrefix(dbURL, "sqlite://"))
	}
}
