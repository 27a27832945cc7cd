package inbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/manwithacat/dazzle-sub009/bus"
	"github.com/manwithacat/dazzle-sub009/hooks"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
)

// HandlerFunc processes one envelope. A nil return acknowledges the
// event; an error records the failure in the ledger and settles the
// delivery according to its retryable classification.
type HandlerFunc func(ctx context.Context, env *bus.Envelope) error

// Stats counts consumer outcomes. DeadLettered counts failures the
// consumer classified as non-retryable, so the bus will not redeliver.
type Stats struct {
	Processed    int64
	Skipped      int64
	Failed       int64
	DeadLettered int64
}

// IdempotentConsumer wraps a handler with the inbox ledger so the handler
// runs at most once per event.
type IdempotentConsumer struct {
	storage storage.Storage
	name    string
	handler HandlerFunc
	hooks   hooks.ProcessHooks

	processed    atomic.Int64
	skipped      atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

// NewIdempotentConsumer creates a named consumer over the given storage.
func NewIdempotentConsumer(st storage.Storage, name string, h HandlerFunc) *IdempotentConsumer {
	return &IdempotentConsumer{storage: st, name: name, handler: h, hooks: &hooks.NoOpHooks{}}
}

// Name returns the consumer name used in the ledger.
func (c *IdempotentConsumer) Name() string { return c.name }

// Stats returns a snapshot of outcome counts.
func (c *IdempotentConsumer) Stats() Stats {
	return Stats{
		Processed:    c.processed.Load(),
		Skipped:      c.skipped.Load(),
		Failed:       c.failed.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}

// Handle is the bus.Handler for this consumer.
func (c *IdempotentConsumer) Handle(ctx context.Context, d *bus.Delivery) {
	env := d.Envelope

	process, err := ShouldProcess(ctx, c.storage, env.EventID, c.name)
	if err != nil {
		slog.Error("inbox lookup failed", "event_id", env.EventID, "consumer", c.name, "error", err)
		d.Nack(true)
		return
	}
	if !process {
		c.skipped.Add(1)
		c.hooks.OnEventConsumed(ctx, hooks.EventConsumedInfo{
			EventID: env.EventID, EventType: env.EventType, Consumer: c.name, Skipped: true,
		})
		d.Ack()
		return
	}

	if handlerErr := c.handler(ctx, env); handlerErr != nil {
		c.failed.Add(1)
		resultData, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if _, err := MarkProcessed(ctx, c.storage, &storage.InboxEntry{
			EventID:      env.EventID,
			ConsumerName: c.name,
			Result:       storage.InboxError,
			ResultData:   resultData,
		}); err != nil {
			slog.Error("failed to record handler error", "event_id", env.EventID, "consumer", c.name, "error", err)
		}
		slog.Error("event handler failed", "event_id", env.EventID,
			"event_type", env.EventType, "consumer", c.name, "error", handlerErr)
		c.hooks.OnEventConsumed(ctx, hooks.EventConsumedInfo{
			EventID: env.EventID, EventType: env.EventType, Consumer: c.name, Error: handlerErr,
		})
		retryable := Retryable(handlerErr)
		if !retryable {
			c.deadLettered.Add(1)
		}
		d.Nack(retryable)
		return
	}

	inserted, err := MarkProcessed(ctx, c.storage, &storage.InboxEntry{
		EventID:      env.EventID,
		ConsumerName: c.name,
		Result:       storage.InboxSuccess,
	})
	if err != nil {
		slog.Error("failed to mark event processed", "event_id", env.EventID, "consumer", c.name, "error", err)
		d.Nack(true)
		return
	}
	if inserted {
		c.processed.Add(1)
	} else {
		// Lost the insert race to a concurrent worker.
		c.skipped.Add(1)
	}
	c.hooks.OnEventConsumed(ctx, hooks.EventConsumedInfo{
		EventID: env.EventID, EventType: env.EventType, Consumer: c.name, Skipped: !inserted,
	})
	d.Ack()
}

// ConsumerGroup tracks a set of named consumers sharing one storage.
type ConsumerGroup struct {
	storage storage.Storage
	hooks   hooks.ProcessHooks

	mu        sync.Mutex
	consumers map[string]*IdempotentConsumer
}

// GroupOption customizes a consumer group.
type GroupOption func(*ConsumerGroup)

// WithGroupHooks sets lifecycle hooks on every consumer the group adds.
func WithGroupHooks(h hooks.ProcessHooks) GroupOption {
	return func(g *ConsumerGroup) { g.hooks = h }
}

// NewConsumerGroup creates an empty group.
func NewConsumerGroup(st storage.Storage, opts ...GroupOption) *ConsumerGroup {
	g := &ConsumerGroup{
		storage:   st,
		hooks:     &hooks.NoOpHooks{},
		consumers: make(map[string]*IdempotentConsumer),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Add registers a named consumer and returns it. Adding the same name
// twice returns the existing consumer.
func (g *ConsumerGroup) Add(name string, h HandlerFunc) *IdempotentConsumer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.consumers[name]; ok {
		return c
	}
	c := NewIdempotentConsumer(g.storage, name, h)
	c.hooks = g.hooks
	g.consumers[name] = c
	return c
}

// Get returns the named consumer, or nil.
func (g *ConsumerGroup) Get(name string) *IdempotentConsumer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consumers[name]
}

// Stats aggregates outcome counts across all consumers.
func (g *ConsumerGroup) Stats() map[string]Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]Stats, len(g.consumers))
	for name, c := range g.consumers {
		out[name] = c.Stats()
	}
	return out
}
