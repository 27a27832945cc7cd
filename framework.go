package dazzle

import (
	"context"
	"time"

	"github.com/manwithacat/dazzle-sub009/bus"
	"github.com/manwithacat/dazzle-sub009/hooks"
	"github.com/manwithacat/dazzle-sub009/inbox"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/outbox"
)

// Framework composes the bus, the outbox relayer and the idempotent
// consumer group behind one start/stop lifecycle. EmitEvent is the only
// sanctioned producer entry point: it goes through the outbox and refuses
// to run outside a transaction, so a business mutation and its event can
// never part ways.
type Framework struct {
	storage   storage.Storage
	bus       bus.Bus
	relayer   *outbox.Relayer
	consumers *inbox.ConsumerGroup
}

// FrameworkOption customizes a framework.
type FrameworkOption func(*frameworkOptions)

type frameworkOptions struct {
	hooks hooks.ProcessHooks
}

// WithFrameworkHooks sets lifecycle hooks on the framework's consumers.
func WithFrameworkHooks(h hooks.ProcessHooks) FrameworkOption {
	return func(o *frameworkOptions) { o.hooks = h }
}

// NewFramework wires a framework over the given storage and bus.
func NewFramework(st storage.Storage, b bus.Bus, relayerConfig outbox.RelayerConfig, opts ...FrameworkOption) *Framework {
	o := &frameworkOptions{hooks: &hooks.NoOpHooks{}}
	for _, opt := range opts {
		opt(o)
	}
	return &Framework{
		storage:   st,
		bus:       b,
		relayer:   outbox.NewRelayer(st, outbox.BusSender(b), relayerConfig),
		consumers: inbox.NewConsumerGroup(st, inbox.WithGroupHooks(o.hooks)),
	}
}

// Start begins outbox delivery.
func (f *Framework) Start(ctx context.Context) {
	f.relayer.Start(ctx)
}

// Stop halts outbox delivery and closes the bus.
func (f *Framework) Stop() error {
	f.relayer.Stop()
	return f.bus.Close()
}

// On subscribes a named handler to a topic, wrapped in an idempotent
// consumer so the handler runs at most once per event even under
// at-least-once delivery.
func (f *Framework) On(topic, consumerName string, handler inbox.HandlerFunc) error {
	consumer := f.consumers.Add(consumerName, handler)
	return f.bus.Subscribe(topic, consumer.Handle)
}

// EmitEvent records the envelope in the outbox within the caller's
// current transaction. Returns outbox.ErrNoTransaction when called
// outside one.
func (f *Framework) EmitEvent(ctx context.Context, env *EventEnvelope) error {
	return outbox.Append(ctx, f.storage, env)
}

// Drain relays until the outbox is empty or the timeout elapses.
func (f *Framework) Drain(ctx context.Context, timeout time.Duration) error {
	return f.relayer.Drain(ctx, timeout)
}

// ConsumerStats returns outcome counts per consumer.
func (f *Framework) ConsumerStats() map[string]inbox.Stats {
	return f.consumers.Stats()
}
