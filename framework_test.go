package dazzle

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manwithacat/dazzle-sub009/bus"
	"github.com/manwithacat/dazzle-sub009/internal/migrations"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/outbox"
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
	if _, err := migrations.Apply(context.Background(), st.DB(), "sqlite", EmbeddedMigrationsFS()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
		_ = os.Remove(tmpFile.Name())
	})
	return st
}

func TestFrameworkEmitAndRelay(t *testing.T) {
	st := newTestStorage(t)
	b := bus.NewMemoryBus()
	fw := NewFramework(st, b, outbox.RelayerConfig{PollInterval: 50 * time.Millisecond})

	var delivered atomic.Int64
	if err := fw.On("payments", "ledger", func(ctx context.Context, env *bus.Envelope) error {
		delivered.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	env, err := NewEvent("payment.captured", "payments", map[string]any{"amount": 42})
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}

	ctx := context.Background()
	txCtx, err := st.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := fw.EmitEvent(txCtx, env); err != nil {
		t.Fatalf("failed to emit event: %v", err)
	}
	if err := st.CommitTransaction(txCtx); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	fw.Start(ctx)
	t.Cleanup(func() { _ = fw.Stop() })

	deadline := time.Now().Add(5 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if delivered.Load() != 1 {
		t.Fatalf("delivered %d events, want 1", delivered.Load())
	}
}

func TestFrameworkEmitRolledBackEventNeverDelivers(t *testing.T) {
	st := newTestStorage(t)
	b := bus.NewMemoryBus()
	fw := NewFramework(st, b, outbox.RelayerConfig{PollInterval: 50 * time.Millisecond})

	var delivered atomic.Int64
	if err := fw.On("payments", "ledger", func(ctx context.Context, env *bus.Envelope) error {
		delivered.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	env, err := NewEvent("payment.captured", "payments", nil)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}

	ctx := context.Background()
	txCtx, err := st.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := fw.EmitEvent(txCtx, env); err != nil {
		t.Fatalf("failed to emit event: %v", err)
	}
	if err := st.RollbackTransaction(txCtx); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	fw.Start(ctx)
	t.Cleanup(func() { _ = fw.Stop() })

	time.Sleep(300 * time.Millisecond)
	if n := delivered.Load(); n != 0 {
		t.Fatalf("rolled-back event was delivered %d times", n)
	}
}

func TestFrameworkIdempotentConsumption(t *testing.T) {
	st := newTestStorage(t)
	b := bus.NewMemoryBus()
	fw := NewFramework(st, b, outbox.RelayerConfig{PollInterval: 50 * time.Millisecond})

	var calls atomic.Int64
	if err := fw.On("orders", "mailer", func(ctx context.Context, env *bus.Envelope) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	env, err := NewEvent("order.placed", "orders", map[string]any{"id": 7}, WithKey("ord-7"))
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, "orders", env); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats := fw.ConsumerStats()["mailer"]
		if stats.Processed+stats.Skipped == 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	stats := fw.ConsumerStats()["mailer"]
	if stats.Processed != 1 || stats.Skipped != 2 {
		t.Fatalf("stats processed=%d skipped=%d, want 1/2", stats.Processed, stats.Skipped)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", calls.Load())
	}
}
