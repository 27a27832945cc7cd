// Package version tracks deployed DSL versions and drives the
// drain-before-deploy migration protocol: a new version is registered,
// runs under the old version drain to a terminal state, and only then
// does an explicit complete call archive the old version and activate
// the new one. Every transition is caller-driven; nothing migrates
// automatically.
package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/manwithacat/dazzle-sub009/hooks"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
)

// RunCounter is the slice of the process adapter the manager needs:
// drain progress is always recomputed from live run state, never read
// from a stored counter.
type RunCounter interface {
	CountActiveRunsByVersion(ctx context.Context, dslVersion string) (int, error)
}

// MigrationStateError reports a migration call that violates the
// protocol's preconditions, e.g. completing while runs remain.
type MigrationStateError struct {
	MigrationID string
	Reason      string
}

func (e *MigrationStateError) Error() string {
	return fmt.Sprintf("migration %s: %s", e.MigrationID, e.Reason)
}

// MigrationStatus is a migration record paired with its live drain count.
type MigrationStatus struct {
	Migration     *storage.MigrationRecord
	RunsRemaining int
}

// ComputeVersionHash hashes the DSL source files content-addressably.
// The result depends only on file names and contents, not on map order.
func ComputeVersionHash(files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(files[name])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateVersionID derives the stable, human-addressable version ID
// from a content hash.
func GenerateVersionID(hash string) string {
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return "v-" + hash
}

// Manager implements the version and migration protocol over storage.
type Manager struct {
	storage storage.Storage
	runs    RunCounter
	hooks   hooks.ProcessHooks
	logger  *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHooks sets the lifecycle hooks.
func WithHooks(h hooks.ProcessHooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a version manager. The run counter is normally the
// process adapter.
func NewManager(st storage.Storage, runs RunCounter, opts ...Option) *Manager {
	m := &Manager{
		storage: st,
		runs:    runs,
		hooks:   &hooks.NoOpHooks{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DeployVersion registers the DSL source files as a version. The first
// deployed version activates immediately; later deployments stay pending
// until a migration drains the active version and completes. Deploying
// identical content is idempotent and returns the existing record.
func (m *Manager) DeployVersion(ctx context.Context, label string, files map[string][]byte, manifest []byte) (*storage.VersionRecord, error) {
	hash := ComputeVersionHash(files)
	id := GenerateVersionID(hash)

	existing, err := m.storage.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		m.logger.Debug("version already deployed", "version_id", id, "status", existing.Status)
		return existing, nil
	}

	active, err := m.storage.GetActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	status := storage.VersionActive
	if active != nil {
		status = storage.VersionPending
	}

	rec := &storage.VersionRecord{
		ID:           id,
		VersionLabel: label,
		ContentHash:  hash,
		SpecSnapshot: manifest,
		Status:       status,
	}
	if err := m.storage.CreateVersion(ctx, rec); err != nil {
		return nil, err
	}
	m.logger.Info("version deployed",
		"version_id", id, "label", label, "status", status)
	return rec, nil
}

// StartMigration begins draining fromID toward toID. It marks the old
// version draining so new runs no longer bind to it, and returns the
// migration together with the live count of runs still to drain. At most
// one migration may be in progress per source version.
func (m *Manager) StartMigration(ctx context.Context, fromID, toID string) (*storage.MigrationRecord, int, error) {
	from, err := m.requireVersion(ctx, fromID)
	if err != nil {
		return nil, 0, err
	}
	if _, err := m.requireVersion(ctx, toID); err != nil {
		return nil, 0, err
	}
	if from.Status == storage.VersionArchived {
		return nil, 0, &MigrationStateError{Reason: fmt.Sprintf("version %s is already archived", fromID)}
	}

	inProgress, err := m.storage.GetInProgressMigrationForVersion(ctx, fromID)
	if err != nil {
		return nil, 0, err
	}
	if inProgress != nil {
		return nil, 0, &MigrationStateError{
			MigrationID: inProgress.ID,
			Reason:      fmt.Sprintf("a migration from %s is already in progress", fromID),
		}
	}

	remaining, err := m.runs.CountActiveRunsByVersion(ctx, fromID)
	if err != nil {
		return nil, 0, err
	}

	rec := &storage.MigrationRecord{
		ID:          uuid.NewString(),
		FromVersion: fromID,
		ToVersion:   toID,
		Status:      storage.MigrationInProgress,
		RunsDrained: remaining,
	}
	if err := m.storage.CreateMigration(ctx, rec); err != nil {
		return nil, 0, err
	}
	if err := m.storage.UpdateVersionStatus(ctx, fromID, storage.VersionDraining); err != nil {
		return nil, 0, err
	}

	m.hooks.OnMigrationStarted(ctx, hooks.MigrationInfo{
		MigrationID: rec.ID,
		FromVersion: fromID,
		ToVersion:   toID,
		RunsDrained: remaining,
	})
	m.logger.Info("migration started",
		"migration_id", rec.ID, "from", fromID, "to", toID, "runs_remaining", remaining)
	return rec, remaining, nil
}

// CheckMigrationStatus returns the migration with its drain count
// recomputed from current run state.
func (m *Manager) CheckMigrationStatus(ctx context.Context, migrationID string) (*MigrationStatus, error) {
	rec, err := m.requireMigration(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	remaining, err := m.runs.CountActiveRunsByVersion(ctx, rec.FromVersion)
	if err != nil {
		return nil, err
	}
	return &MigrationStatus{Migration: rec, RunsRemaining: remaining}, nil
}

// CompleteMigration archives the drained version and activates the new
// one. Valid only while the migration is in progress and every run under
// the old version has reached a terminal state.
func (m *Manager) CompleteMigration(ctx context.Context, migrationID string) error {
	rec, err := m.requireMigration(ctx, migrationID)
	if err != nil {
		return err
	}
	if rec.Status != storage.MigrationInProgress {
		return &MigrationStateError{
			MigrationID: migrationID,
			Reason:      fmt.Sprintf("cannot complete from status %s", rec.Status),
		}
	}

	remaining, err := m.runs.CountActiveRunsByVersion(ctx, rec.FromVersion)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return &MigrationStateError{
			MigrationID: migrationID,
			Reason:      fmt.Sprintf("%d runs still active under %s", remaining, rec.FromVersion),
		}
	}

	if err := m.storage.UpdateVersionStatus(ctx, rec.FromVersion, storage.VersionArchived); err != nil {
		return err
	}
	if err := m.storage.UpdateVersionStatus(ctx, rec.ToVersion, storage.VersionActive); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := m.storage.UpdateMigration(ctx, migrationID, storage.MigrationCompleted, &now, rec.RunsDrained); err != nil {
		return err
	}

	m.hooks.OnMigrationCompleted(ctx, hooks.MigrationInfo{
		MigrationID: migrationID,
		FromVersion: rec.FromVersion,
		ToVersion:   rec.ToVersion,
		RunsDrained: rec.RunsDrained,
	})
	m.logger.Info("migration completed",
		"migration_id", migrationID, "from", rec.FromVersion, "to", rec.ToVersion)
	return nil
}

// SuspendRemainingProcesses force-suspends every run still active under
// the version. For drains that exceed their timeout and the operator
// chooses to force.
func (m *Manager) SuspendRemainingProcesses(ctx context.Context, versionID string) (int, error) {
	n, err := m.storage.SuspendActiveRunsByVersion(ctx, versionID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Warn("force-suspended active runs",
			"version_id", versionID, "count", n)
	}
	return n, nil
}

// RollbackMigration reactivates the old version, mid-drain or after
// completion. A migration rolls back at most once.
func (m *Manager) RollbackMigration(ctx context.Context, migrationID string) error {
	rec, err := m.requireMigration(ctx, migrationID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case storage.MigrationInProgress, storage.MigrationCompleted:
	default:
		return &MigrationStateError{
			MigrationID: migrationID,
			Reason:      fmt.Sprintf("cannot roll back from status %s", rec.Status),
		}
	}

	// Demote the new version first so there is never a moment with two
	// active versions.
	to, err := m.storage.GetVersion(ctx, rec.ToVersion)
	if err != nil {
		return err
	}
	if to != nil && to.Status == storage.VersionActive {
		if err := m.storage.UpdateVersionStatus(ctx, rec.ToVersion, storage.VersionPending); err != nil {
			return err
		}
	}
	if err := m.storage.UpdateVersionStatus(ctx, rec.FromVersion, storage.VersionActive); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := m.storage.UpdateMigration(ctx, migrationID, storage.MigrationRolledBack, &now, rec.RunsDrained); err != nil {
		return err
	}

	m.hooks.OnMigrationRolledBack(ctx, hooks.MigrationInfo{
		MigrationID: migrationID,
		FromVersion: rec.FromVersion,
		ToVersion:   rec.ToVersion,
		RunsDrained: rec.RunsDrained,
	})
	m.logger.Warn("migration rolled back",
		"migration_id", migrationID, "from", rec.FromVersion, "to", rec.ToVersion)
	return nil
}

// ListVersions lists deployed versions, newest first. A zero status means
// no filter.
func (m *Manager) ListVersions(ctx context.Context, status storage.VersionStatus, limit int) ([]*storage.VersionRecord, error) {
	return m.storage.ListVersions(ctx, status, limit)
}

// GetCurrentVersion returns the active version, or nil when none is
// deployed.
func (m *Manager) GetCurrentVersion(ctx context.Context) (*storage.VersionRecord, error) {
	return m.storage.GetActiveVersion(ctx)
}

// GetActiveMigrations lists migrations still in progress.
func (m *Manager) GetActiveMigrations(ctx context.Context) ([]*storage.MigrationRecord, error) {
	return m.storage.ListMigrations(ctx, storage.MigrationInProgress, 0)
}

func (m *Manager) requireVersion(ctx context.Context, id string) (*storage.VersionRecord, error) {
	rec, err := m.storage.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("version not found: %s", id)
	}
	return rec, nil
}

func (m *Manager) requireMigration(ctx context.Context, id string) (*storage.MigrationRecord, error) {
	rec, err := m.storage.GetMigration(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("migration not found: %s", id)
	}
	return rec, nil
}
