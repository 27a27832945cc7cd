package version

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/manwithacat/dazzle-sub009/internal/migrations"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
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

func newTestManager(t *testing.T) (*Manager, storage.Storage) {
	t.Helper()
	st := newTestStorage(t)
	return NewManager(st, st), st
}

func TestComputeVersionHash(t *testing.T) {
	a := map[string][]byte{"a.dsl": []byte("process A"), "b.dsl": []byte("process B")}
	b := map[string][]byte{"b.dsl": []byte("process B"), "a.dsl": []byte("process A")}
	if ComputeVersionHash(a) != ComputeVersionHash(b) {
		t.Error("hash depends on map order")
	}

	c := map[string][]byte{"a.dsl": []byte("process A"), "b.dsl": []byte("process B!")}
	if ComputeVersionHash(a) == ComputeVersionHash(c) {
		t.Error("different content produced the same hash")
	}

	// Renaming a file changes what the version means.
	d := map[string][]byte{"z.dsl": []byte("process A"), "b.dsl": []byte("process B")}
	if ComputeVersionHash(a) == ComputeVersionHash(d) {
		t.Error("different file names produced the same hash")
	}
}

func TestGenerateVersionID(t *testing.T) {
	hash := ComputeVersionHash(map[string][]byte{"a.dsl": []byte("x")})
	id := GenerateVersionID(hash)
	if id != "v-"+hash[:12] {
		t.Errorf("id = %s", id)
	}
	if GenerateVersionID(hash) != id {
		t.Error("id is not stable")
	}
}

func TestDeployVersion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	v1, err := m.DeployVersion(ctx, "release-1", map[string][]byte{"p.dsl": []byte("v1")}, nil)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if v1.Status != storage.VersionActive {
		t.Fatalf("first deploy status = %s, want active", v1.Status)
	}

	// A second version waits for a migration before activating.
	v2, err := m.DeployVersion(ctx, "release-2", map[string][]byte{"p.dsl": []byte("v2")}, nil)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if v2.Status != storage.VersionPending {
		t.Fatalf("second deploy status = %s, want pending", v2.Status)
	}

	// Redeploying identical content returns the existing record.
	again, err := m.DeployVersion(ctx, "release-1-retry", map[string][]byte{"p.dsl": []byte("v1")}, nil)
	if err != nil {
		t.Fatalf("redeploy failed: %v", err)
	}
	if again.ID != v1.ID || again.VersionLabel != "release-1" {
		t.Errorf("redeploy returned %+v, want the original record", again)
	}

	current, err := m.GetCurrentVersion(ctx)
	if err != nil || current == nil || current.ID != v1.ID {
		t.Errorf("current version = %v (err %v), want %s", current, err, v1.ID)
	}
}

func deployPair(t *testing.T, m *Manager) (string, string) {
	t.Helper()
	ctx := context.Background()
	v1, err := m.DeployVersion(ctx, "v1", map[string][]byte{"p.dsl": []byte("one")}, nil)
	if err != nil {
		t.Fatalf("deploy v1 failed: %v", err)
	}
	v2, err := m.DeployVersion(ctx, "v2", map[string][]byte{"p.dsl": []byte("two")}, nil)
	if err != nil {
		t.Fatalf("deploy v2 failed: %v", err)
	}
	return v1.ID, v2.ID
}

func createRunForVersion(t *testing.T, st storage.Storage, runID, dslVersion string) {
	t.Helper()
	if err := st.CreateRun(context.Background(), &storage.ProcessRun{
		RunID:       runID,
		ProcessName: "p",
		DSLVersion:  dslVersion,
		Status:      storage.RunRunning,
	}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
}

func TestMigrationDrainCountdown(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	v1, v2 := deployPair(t, m)

	for i := 1; i <= 3; i++ {
		createRunForVersion(t, st, fmt.Sprintf("run-%d", i), v1)
	}

	rec, remaining, err := m.StartMigration(ctx, v1, v2)
	if err != nil {
		t.Fatalf("StartMigration failed: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("runs_remaining = %d, want 3", remaining)
	}

	from, _ := st.GetVersion(ctx, v1)
	if from.Status != storage.VersionDraining {
		t.Fatalf("source version status = %s, want draining", from.Status)
	}

	// Completion is rejected while anything is still active.
	var stateErr *MigrationStateError
	if err := m.CompleteMigration(ctx, rec.ID); !errors.As(err, &stateErr) {
		t.Fatalf("premature completion error = %v, want MigrationStateError", err)
	}

	// Each run reaching a terminal state counts down live.
	for i := 1; i <= 3; i++ {
		if err := st.UpdateRunStatus(ctx, fmt.Sprintf("run-%d", i), storage.RunCompleted, ""); err != nil {
			t.Fatalf("failed to complete run: %v", err)
		}
		status, err := m.CheckMigrationStatus(ctx, rec.ID)
		if err != nil {
			t.Fatalf("CheckMigrationStatus failed: %v", err)
		}
		if status.RunsRemaining != 3-i {
			t.Fatalf("after %d completions runs_remaining = %d, want %d", i, status.RunsRemaining, 3-i)
		}
	}

	if err := m.CompleteMigration(ctx, rec.ID); err != nil {
		t.Fatalf("CompleteMigration failed: %v", err)
	}

	from, _ = st.GetVersion(ctx, v1)
	to, _ := st.GetVersion(ctx, v2)
	if from.Status != storage.VersionArchived {
		t.Errorf("old version status = %s, want archived", from.Status)
	}
	if to.Status != storage.VersionActive {
		t.Errorf("new version status = %s, want active", to.Status)
	}

	mig, _ := st.GetMigration(ctx, rec.ID)
	if mig.Status != storage.MigrationCompleted || mig.CompletedAt == nil {
		t.Errorf("migration = %+v, want completed with timestamp", mig)
	}

	// Completing twice violates the state machine.
	if err := m.CompleteMigration(ctx, rec.ID); !errors.As(err, &stateErr) {
		t.Errorf("repeat completion error = %v, want MigrationStateError", err)
	}
}

func TestStartMigrationPreconditions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	v1, v2 := deployPair(t, m)

	if _, _, err := m.StartMigration(ctx, "ghost", v2); err == nil {
		t.Error("expected error for unknown source version")
	}
	if _, _, err := m.StartMigration(ctx, v1, "ghost"); err == nil {
		t.Error("expected error for unknown target version")
	}

	if _, _, err := m.StartMigration(ctx, v1, v2); err != nil {
		t.Fatalf("StartMigration failed: %v", err)
	}

	// Only one in-progress migration per source version.
	var stateErr *MigrationStateError
	if _, _, err := m.StartMigration(ctx, v1, v2); !errors.As(err, &stateErr) {
		t.Errorf("concurrent migration error = %v, want MigrationStateError", err)
	}

	active, err := m.GetActiveMigrations(ctx)
	if err != nil || len(active) != 1 {
		t.Errorf("active migrations = %v (err %v), want one", active, err)
	}
}

func TestRollbackMigration(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	v1, v2 := deployPair(t, m)

	rec, _, err := m.StartMigration(ctx, v1, v2)
	if err != nil {
		t.Fatalf("StartMigration failed: %v", err)
	}
	if err := m.CompleteMigration(ctx, rec.ID); err != nil {
		t.Fatalf("CompleteMigration failed: %v", err)
	}

	// Rolling back a completed migration restores the old world.
	if err := m.RollbackMigration(ctx, rec.ID); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	from, _ := st.GetVersion(ctx, v1)
	to, _ := st.GetVersion(ctx, v2)
	if from.Status != storage.VersionActive {
		t.Errorf("old version status = %s, want active", from.Status)
	}
	if to.Status != storage.VersionPending {
		t.Errorf("new version status = %s, want pending", to.Status)
	}

	// A migration rolls back exactly once.
	var stateErr *MigrationStateError
	if err := m.RollbackMigration(ctx, rec.ID); !errors.As(err, &stateErr) {
		t.Errorf("repeat rollback error = %v, want MigrationStateError", err)
	}
}

func TestRollbackMidDrain(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	v1, v2 := deployPair(t, m)
	createRunForVersion(t, st, "run-1", v1)

	rec, remaining, err := m.StartMigration(ctx, v1, v2)
	if err != nil {
		t.Fatalf("StartMigration failed: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("runs_remaining = %d, want 1", remaining)
	}

	if err := m.RollbackMigration(ctx, rec.ID); err != nil {
		t.Fatalf("mid-drain rollback failed: %v", err)
	}
	from, _ := st.GetVersion(ctx, v1)
	if from.Status != storage.VersionActive {
		t.Errorf("source version status = %s, want active after rollback", from.Status)
	}
}

func TestSuspendRemainingProcesses(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	v1, _ := deployPair(t, m)

	createRunForVersion(t, st, "run-1", v1)
	createRunForVersion(t, st, "run-2", v1)
	if err := st.UpdateRunStatus(ctx, "run-2", storage.RunCompleted, ""); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	n, err := m.SuspendRemainingProcesses(ctx, v1)
	if err != nil {
		t.Fatalf("SuspendRemainingProcesses failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("suspended %d runs, want 1", n)
	}

	run, _ := st.GetRun(ctx, "run-1")
	if run.Status != storage.RunSuspended {
		t.Errorf("run status = %s, want suspended", run.Status)
	}
}
