//go:build integration

package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/manwithacat/dazzle-sub009/internal/migrations"
)

func setupPostgresStorage(t *testing.T) Storage {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("dazzle_test"),
		postgres.WithUsername("dazzle"),
		postgres.WithPassword("dazzle"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute)),
	)
	if err != nil {
		t.Fatalf("failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { testcontainers.CleanupContainer(t, container) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	st, err := NewPostgresStorage(connStr)
	if err != nil {
		t.Fatalf("failed to create PostgreSQL storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if _, err := migrations.Apply(ctx, st.DB(), "postgresql", os.DirFS("../../schema/db/migrations")); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return st
}

// TestPostgresStorage exercises the dialect-sensitive paths: placeholder
// rewriting, ON CONFLICT behavior, SKIP LOCKED batching and jsonb input
// filters. The full behavioral suite runs against SQLite.
func TestPostgresStorage(t *testing.T) {
	st := setupPostgresStorage(t)
	ctx := context.Background()

	t.Run("RunLifecycle", func(t *testing.T) {
		run := &ProcessRun{
			RunID:          "pg-run-1",
			ProcessName:    "approve_order",
			DSLVersion:     "v1",
			Status:         RunPending,
			Inputs:         []byte(`{"order":{"customer_id":"c-42"}}`),
			IdempotencyKey: "K-1",
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		if err := st.CreateRun(ctx, run); err != nil {
			t.Fatalf("create failed: %v", err)
		}

		dup := *run
		dup.RunID = "pg-run-2"
		if err := st.CreateRun(ctx, &dup); !errors.Is(err, ErrDuplicateIdempotencyKey) {
			t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
		}

		claimed, err := st.ClaimRun(ctx, "pg-run-1")
		if err != nil || !claimed {
			t.Fatalf("claim failed: claimed=%v err=%v", claimed, err)
		}

		if err := st.UpdateRunStatus(ctx, "pg-run-1", RunCompleted, ""); err != nil {
			t.Fatalf("complete failed: %v", err)
		}
		got, err := st.GetRun(ctx, "pg-run-1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Status != RunCompleted || got.CompletedAt == nil {
			t.Fatalf("unexpected run: %+v", got)
		}
	})

	t.Run("JSONBInputFilter", func(t *testing.T) {
		runs, err := st.ListRuns(ctx, ListRunsOptions{
			InputFilters: map[string]any{"order.customer_id": "c-42"},
		})
		if err != nil {
			t.Fatalf("filtered list failed: %v", err)
		}
		if len(runs) != 1 || runs[0].RunID != "pg-run-1" {
			t.Fatalf("expected pg-run-1, got %d runs", len(runs))
		}
	})

	t.Run("OutboxSkipLockedBatch", func(t *testing.T) {
		for _, id := range []string{"pg-ev-1", "pg-ev-2", "pg-ev-3"} {
			err := st.AddOutboxEntry(ctx, &OutboxEntry{
				EventID: id, EventType: "order.created", Topic: "orders",
				Payload: []byte(`{}`),
			})
			if err != nil {
				t.Fatalf("add failed: %v", err)
			}
		}

		entries, err := st.GetPendingOutboxEntries(ctx, 2)
		if err != nil {
			t.Fatalf("fetch failed: %v", err)
		}
		if len(entries) != 2 || entries[0].EventID != "pg-ev-1" {
			t.Fatalf("unexpected batch: %d entries", len(entries))
		}

		rest, err := st.GetPendingOutboxEntries(ctx, 10)
		if err != nil {
			t.Fatalf("second fetch failed: %v", err)
		}
		if len(rest) != 1 || rest[0].EventID != "pg-ev-3" {
			t.Fatalf("expected pg-ev-3 only, got %d entries", len(rest))
		}
	})

	t.Run("InboxOnConflict", func(t *testing.T) {
		inserted, err := st.InsertInboxEntry(ctx, &InboxEntry{
			EventID: "pg-ev-1", ConsumerName: "billing", Result: InboxSuccess,
		})
		if err != nil || !inserted {
			t.Fatalf("insert failed: inserted=%v err=%v", inserted, err)
		}
		inserted, err = st.InsertInboxEntry(ctx, &InboxEntry{
			EventID: "pg-ev-1", ConsumerName: "billing", Result: InboxError,
		})
		if err != nil {
			t.Fatalf("duplicate insert errored: %v", err)
		}
		if inserted {
			t.Fatal("expected duplicate to report false")
		}
	})

	t.Run("SystemLock", func(t *testing.T) {
		ok, err := st.TryAcquireSystemLock(ctx, "relayer", "node-a", 60)
		if err != nil || !ok {
			t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
		}
		ok, err = st.TryAcquireSystemLock(ctx, "relayer", "node-b", 60)
		if err != nil {
			t.Fatalf("contended acquire errored: %v", err)
		}
		if ok {
			t.Fatal("expected contended acquire to fail")
		}
		if err := st.ReleaseSystemLock(ctx, "relayer", "node-a"); err != nil {
			t.Fatalf("release failed: %v", err)
		}
	})

	t.Run("TransactionalOutboxRollback", func(t *testing.T) {
		txCtx, err := st.BeginTransaction(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		err = st.AddOutboxEntry(txCtx, &OutboxEntry{
			EventID: "pg-ev-rollback", EventType: "order.created", Topic: "orders",
		})
		if err != nil {
			t.Fatalf("add in tx failed: %v", err)
		}
		if err := st.RollbackTransaction(txCtx); err != nil {
			t.Fatalf("rollback failed: %v", err)
		}

		entries, err := st.GetPendingOutboxEntries(ctx, 10)
		if err != nil {
			t.Fatalf("fetch failed: %v", err)
		}
		for _, e := range entries {
			if e.EventID == "pg-ev-rollback" {
				t.Fatal("rolled-back outbox entry must not survive")
			}
		}
	})
}
