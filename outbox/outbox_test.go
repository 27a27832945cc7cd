package outbox

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manwithacat/dazzle-sub009/bus"
	"github.com/manwithacat/dazzle-sub009/internal/migrations"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/retry"
)

func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()
	st, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = migrations.Apply(context.Background(), st.DB(), "sqlite", os.DirFS("../schema/db/migrations"))
	require.NoError(t, err)
	return st
}

// recordingSender captures delivered envelopes, optionally failing first.
type recordingSender struct {
	mu        sync.Mutex
	delivered []*bus.Envelope
	failures  int
	calls     int
}

func (s *recordingSender) send(ctx context.Context, env *bus.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("broker unavailable")
	}
	s.delivered = append(s.delivered, env)
	return nil
}

func (s *recordingSender) deliveredIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.delivered))
	for i, env := range s.delivered {
		ids[i] = env.EventID
	}
	return ids
}

func appendInTx(t *testing.T, st storage.Storage, env *bus.Envelope) {
	t.Helper()
	ctx, err := st.BeginTransaction(context.Background())
	require.NoError(t, err)
	require.NoError(t, Append(ctx, st, env))
	require.NoError(t, st.CommitTransaction(ctx))
}

func TestAppendRequiresTransaction(t *testing.T) {
	st := newTestStorage(t)

	env, err := bus.NewEnvelope("order.created", "orders", nil)
	require.NoError(t, err)

	err = Append(context.Background(), st, env)
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestAppendRollbackLeavesNothing(t *testing.T) {
	st := newTestStorage(t)

	env, err := bus.NewEnvelope("order.created", "orders", map[string]any{"id": 1})
	require.NoError(t, err)

	ctx, err := st.BeginTransaction(context.Background())
	require.NoError(t, err)
	require.NoError(t, Append(ctx, st, env))
	require.NoError(t, st.RollbackTransaction(ctx))

	count, err := st.CountUnpublishedOutbox(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count, "rolled-back append must leave no outbox entry")
}

func TestRelayDeliversInOrder(t *testing.T) {
	st := newTestStorage(t)
	sender := &recordingSender{}
	r := NewRelayer(st, sender.send, RelayerConfig{RetryPolicy: retry.NoRetry()})

	var want []string
	for i := 0; i < 3; i++ {
		env, err := bus.NewEnvelope("order.created", "orders", map[string]any{"seq": i})
		require.NoError(t, err)
		appendInTx(t, st, env)
		want = append(want, env.EventID)
	}

	require.NoError(t, r.RelayOnce(context.Background()))
	assert.Equal(t, want, sender.deliveredIDs(), "entries relay in insertion order")

	count, err := st.CountUnpublishedOutbox(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRelayRetriesThenDeadLetters(t *testing.T) {
	st := newTestStorage(t)
	sender := &recordingSender{failures: 10}
	r := NewRelayer(st, sender.send, RelayerConfig{RetryPolicy: retry.Fixed(2, 0)})

	env, err := bus.NewEnvelope("order.created", "orders", nil)
	require.NoError(t, err)
	appendInTx(t, st, env)

	require.NoError(t, r.RelayOnce(context.Background()))
	require.NoError(t, r.RelayOnce(context.Background()))

	sender.mu.Lock()
	calls := sender.calls
	sender.mu.Unlock()
	assert.Equal(t, 2, calls, "two attempts, then the policy gives up")

	// Dead-lettered entries no longer count as unpublished.
	count, err := st.CountUnpublishedOutbox(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, sender.deliveredIDs())
}

func TestRelayRecoversAfterTransientFailure(t *testing.T) {
	st := newTestStorage(t)
	sender := &recordingSender{failures: 1}
	r := NewRelayer(st, sender.send, RelayerConfig{RetryPolicy: retry.Fixed(5, 0)})

	env, err := bus.NewEnvelope("order.created", "orders", nil)
	require.NoError(t, err)
	appendInTx(t, st, env)

	require.NoError(t, r.RelayOnce(context.Background()))
	require.NoError(t, r.RelayOnce(context.Background()))

	assert.Equal(t, []string{env.EventID}, sender.deliveredIDs())
}

func TestDrain(t *testing.T) {
	st := newTestStorage(t)
	sender := &recordingSender{}
	r := NewRelayer(st, sender.send, RelayerConfig{RetryPolicy: retry.NoRetry()})

	for i := 0; i < 5; i++ {
		env, err := bus.NewEnvelope("order.created", "orders", map[string]any{"seq": i})
		require.NoError(t, err)
		appendInTx(t, st, env)
	}

	require.NoError(t, r.Drain(context.Background(), 5*time.Second))
	assert.Len(t, sender.deliveredIDs(), 5)
}

func TestStartStop(t *testing.T) {
	st := newTestStorage(t)
	sender := &recordingSender{}
	r := NewRelayer(st, sender.send, RelayerConfig{
		PollInterval: 10 * time.Millisecond,
		RetryPolicy:  retry.NoRetry(),
	})

	env, err := bus.NewEnvelope("order.created", "orders", nil)
	require.NoError(t, err)
	appendInTx(t, st, env)

	r.Start(context.Background())
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.deliveredIDs()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background relayer did not deliver the entry")
}
