package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/manwithacat/dazzle-sub009/bus"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/retry"
)

// Sender delivers one envelope to its destination.
type Sender func(ctx context.Context, env *bus.Envelope) error

// BusSender publishes envelopes to the given bus. This is the default
// sender wired by the event framework.
func BusSender(b bus.Bus) Sender {
	return func(ctx context.Context, env *bus.Envelope) error {
		return b.Publish(ctx, env.Topic, env)
	}
}

// CloudEventsSender delivers envelopes to an HTTP endpoint as CloudEvents.
// Available as an alternative to the bus for webhook-style integrations.
func CloudEventsSender(targetURL, source string) Sender {
	return func(ctx context.Context, env *bus.Envelope) error {
		ce := cloudevents.NewEvent()
		ce.SetID(env.EventID)
		ce.SetType(env.EventType)
		ce.SetSource(source)
		ce.SetSubject(env.Topic)
		ce.SetTime(env.Timestamp)

		var data any
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &data); err != nil {
				return fmt.Errorf("failed to parse event payload: %w", err)
			}
		}
		if err := ce.SetData(cloudevents.ApplicationJSON, data); err != nil {
			return fmt.Errorf("failed to set event data: %w", err)
		}

		client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(targetURL))
		if err != nil {
			return fmt.Errorf("failed to create CloudEvents client: %w", err)
		}

		result := client.Send(ctx, ce)
		if cloudevents.IsUndelivered(result) {
			return fmt.Errorf("failed to send event: %w", result)
		}
		if !cloudevents.IsACK(result) {
			return fmt.Errorf("event not acknowledged: %w", result)
		}
		return nil
	}
}

// Relayer polls the outbox and delivers pending entries. Each entry moves
// pending -> publishing -> published, or back to pending for retry, or to
// failed once the retry policy is exhausted.
type Relayer struct {
	storage      storage.Storage
	sender       Sender
	pollInterval time.Duration
	batchSize    int
	policy       *retry.Policy

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// RelayerConfig configures the outbox relayer.
type RelayerConfig struct {
	// PollInterval is how often to check for pending entries.
	// Default: 1 second.
	PollInterval time.Duration
	// BatchSize is the maximum number of entries to process per poll.
	// Default: 100.
	BatchSize int
	// RetryPolicy bounds delivery attempts and spaces retries.
	// Default: 5 attempts with exponential backoff.
	RetryPolicy *retry.Policy
}

// NewRelayer creates a relayer delivering through the given sender.
func NewRelayer(s storage.Storage, sender Sender, config RelayerConfig) *Relayer {
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.RetryPolicy == nil {
		config.RetryPolicy = retry.Exponential(5, 500*time.Millisecond, 30*time.Second, 2.0)
	}

	return &Relayer{
		storage:      s,
		sender:       sender,
		pollInterval: config.PollInterval,
		batchSize:    config.BatchSize,
		policy:       config.RetryPolicy,
		stopCh:       make(chan struct{}),
	}
}

// Start starts the background delivery loop.
func (r *Relayer) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop stops the delivery loop gracefully.
func (r *Relayer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Relayer) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.RelayOnce(ctx); err != nil {
				slog.Error("outbox relay pass failed", "error", err)
			}
		}
	}
}

// RelayOnce processes one batch of pending entries. Exposed for tests and
// for drain loops.
func (r *Relayer) RelayOnce(ctx context.Context) error {
	entries, err := r.storage.GetPendingOutboxEntries(ctx, r.batchSize)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		default:
		}
		r.deliver(ctx, entry)
	}
	return nil
}

func (r *Relayer) deliver(ctx context.Context, entry *storage.OutboxEntry) {
	// Respect the backoff window between attempts. The entry is already
	// flipped to publishing, so put it back for a later poll.
	if entry.Attempts > 0 {
		delay := r.policy.Backoff(entry.Attempts)
		if time.Since(entry.UpdatedAt) < delay {
			if err := r.storage.ReturnOutboxToPending(ctx, entry.EventID, false); err != nil {
				slog.Error("failed to return outbox entry to pending", "event_id", entry.EventID, "error", err)
			}
			return
		}
	}

	env, err := envelopeFromEntry(entry)
	if err != nil {
		slog.Error("undeliverable outbox entry", "event_id", entry.EventID, "error", err)
		_ = r.storage.MarkOutboxFailed(ctx, entry.EventID)
		return
	}

	if err := r.sender(ctx, env); err != nil {
		attempts := entry.Attempts + 1
		if !r.policy.ShouldRetry(attempts, err) {
			slog.Error("outbox entry exhausted retries, dead-lettering",
				"event_id", entry.EventID, "attempts", attempts, "error", err)
			_ = r.storage.MarkOutboxFailed(ctx, entry.EventID)
			return
		}
		slog.Debug("outbox delivery failed, will retry",
			"event_id", entry.EventID, "attempts", attempts, "error", err)
		if err := r.storage.ReturnOutboxToPending(ctx, entry.EventID, true); err != nil {
			slog.Error("failed to return outbox entry to pending", "event_id", entry.EventID, "error", err)
		}
		return
	}

	if err := r.storage.MarkOutboxPublished(ctx, entry.EventID); err != nil {
		slog.Error("failed to mark outbox entry published", "event_id", entry.EventID, "error", err)
	}
}

// Drain relays until the outbox is empty or the timeout elapses. Used
// during version migrations and graceful shutdown.
func (r *Relayer) Drain(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := r.RelayOnce(ctx); err != nil {
			return err
		}
		remaining, err := r.storage.CountUnpublishedOutbox(ctx)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("outbox drain timed out with %d entries unpublished", remaining)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// CleanupOldEntries removes delivered entries older than the given age.
func (r *Relayer) CleanupOldEntries(ctx context.Context, olderThan time.Duration) error {
	return r.storage.CleanupOldOutboxEntries(ctx, olderThan)
}
