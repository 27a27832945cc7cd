// Package storage provides the persistence layer for the process
// orchestration core.
package storage

import (
	"time"
)

// RunStatus represents the current state of a process run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// ProcessRun represents a single execution of a declared process.
type ProcessRun struct {
	RunID          string     `json:"run_id"`
	ProcessName    string     `json:"process_name"`
	ProcessVersion string     `json:"process_version"`
	DSLVersion     string     `json:"dsl_version"`
	Status         RunStatus  `json:"status"`
	Inputs         []byte     `json:"inputs"`  // JSON-encoded start inputs
	Context        []byte     `json:"context"` // JSON-encoded mutable scratch (incl. signal payloads)
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	ErrorMessage   string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// TaskStatus represents the state of a human task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
	TaskExpired   TaskStatus = "expired"
)

// IsTerminal reports whether the task status is terminal.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskExpired:
		return true
	}
	return false
}

// ProcessTask represents a human task created by a process step.
type ProcessTask struct {
	TaskID      string     `json:"task_id"`
	RunID       string     `json:"run_id"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	Status      TaskStatus `json:"status"`
	Outcome     string     `json:"outcome,omitempty"`
	OutcomeData []byte     `json:"outcome_data,omitempty"` // JSON-encoded
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// OutboxStatus represents the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxPublishing OutboxStatus = "publishing"
	OutboxPublished  OutboxStatus = "published"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxEntry represents an event recorded in the transactional outbox.
type OutboxEntry struct {
	ID            int64        `json:"id"`
	EventID       string       `json:"event_id"`
	EventType     string       `json:"event_type"`
	Topic         string       `json:"topic"`
	Key           string       `json:"key,omitempty"`
	Payload       []byte       `json:"payload"` // JSON-encoded
	Headers       []byte       `json:"headers,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	CausationID   string       `json:"causation_id,omitempty"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// InboxResult records how a consumer handled an event.
type InboxResult string

const (
	InboxSuccess InboxResult = "success"
	InboxSkipped InboxResult = "skipped"
	InboxError   InboxResult = "error"
)

// InboxEntry is the per-consumer dedupe record for a processed event.
// Never updated after creation.
type InboxEntry struct {
	EventID      string      `json:"event_id"`
	ConsumerName string      `json:"consumer_name"`
	ProcessedAt  time.Time   `json:"processed_at"`
	Result       InboxResult `json:"result"`
	ResultData   []byte      `json:"result_data,omitempty"` // JSON-encoded
}

// VersionStatus represents the lifecycle of a deployed DSL version.
type VersionStatus string

const (
	// VersionPending is a deployed version awaiting activation by a
	// completed migration.
	VersionPending  VersionStatus = "pending"
	VersionActive   VersionStatus = "active"
	VersionDraining VersionStatus = "draining"
	VersionArchived VersionStatus = "archived"
)

// VersionRecord represents a deployed DSL version.
type VersionRecord struct {
	ID           string        `json:"id"`
	VersionLabel string        `json:"version_label"`
	ContentHash  string        `json:"content_hash"`
	SpecSnapshot []byte        `json:"spec_snapshot,omitempty"` // JSON manifest
	DiffData     []byte        `json:"diff_data,omitempty"`
	Status       VersionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// MigrationStatus represents the state of a version migration.
type MigrationStatus string

const (
	MigrationInProgress MigrationStatus = "in_progress"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
	MigrationRolledBack MigrationStatus = "rolled_back"
)

// MigrationRecord tracks a drain-and-deploy migration between two versions.
type MigrationRecord struct {
	ID          string          `json:"id"`
	FromVersion string          `json:"from_version"`
	ToVersion   string          `json:"to_version"`
	Status      MigrationStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RunsDrained int             `json:"runs_drained"`
}

// SystemLock represents a system-level lock for singleton background tasks.
type SystemLock struct {
	LockName  string    `json:"lock_name"`
	LockedBy  string    `json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EntityMeta describes an entity table registered for built-in CRUD and
// transition steps. Fields is the registered writable field set; anything
// outside it is discarded on create/update.
type EntityMeta struct {
	Name        string
	TableName   string
	IDColumn    string // defaults to "id"
	Fields      []string
	StatusField string
}

// KeyColumn returns the primary key column, defaulting to "id".
func (m EntityMeta) KeyColumn() string {
	if m.IDColumn != "" {
		return m.IDColumn
	}
	return "id"
}

// HasField reports whether the named field is registered for the entity.
func (m EntityMeta) HasField(name string) bool {
	for _, f := range m.Fields {
		if f == name {
			return true
		}
	}
	return false
}
