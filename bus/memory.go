package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const (
	defaultQueueSize    = 256
	defaultMaxRedeliver = 3
)

// MemoryBus is the in-process development broker. Each subscription gets
// its own buffered queue and dispatcher goroutine; retryable nacks
// redeliver up to a bound, then dead-letter.
type MemoryBus struct {
	mu           sync.Mutex
	subs         map[string][]*memorySub
	dead         []*Envelope
	closed       bool
	done         chan struct{}
	queueSize    int
	maxRedeliver int
	wg           sync.WaitGroup
}

type memorySub struct {
	queue chan *memoryDelivery
}

type memoryDelivery struct {
	env      *Envelope
	attempts int
}

// MemoryBusOption customizes the in-process broker.
type MemoryBusOption func(*MemoryBus)

// WithQueueSize sets the per-subscription queue capacity.
func WithQueueSize(n int) MemoryBusOption {
	return func(b *MemoryBus) { b.queueSize = n }
}

// WithMaxRedeliver sets how many times a retryable nack is redelivered
// before the envelope dead-letters.
func WithMaxRedeliver(n int) MemoryBusOption {
	return func(b *MemoryBus) { b.maxRedeliver = n }
}

// NewMemoryBus creates an in-process broker.
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		subs:         make(map[string][]*memorySub),
		done:         make(chan struct{}),
		queueSize:    defaultQueueSize,
		maxRedeliver: defaultMaxRedeliver,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans the envelope out to every subscription on the topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	subs := b.subs[topic]
	b.mu.Unlock()

	for _, sub := range subs {
		// Queues are never closed, so a publish racing Close cannot
		// panic; it bails out on the done signal instead.
		select {
		case sub.queue <- &memoryDelivery{env: env}:
		case <-b.done:
			return fmt.Errorf("bus is closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler and starts its dispatcher.
func (b *MemoryBus) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	sub := &memorySub{queue: make(chan *memoryDelivery, b.queueSize)}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.dispatch(sub, h)
	return nil
}

func (b *MemoryBus) dispatch(sub *memorySub, h Handler) {
	defer b.wg.Done()

	for {
		var md *memoryDelivery
		select {
		case md = <-sub.queue:
		case <-b.done:
			return
		}
		done := make(chan struct{})
		d := NewDelivery(md.env,
			func() { close(done) },
			func(retryable bool) {
				defer close(done)
				if retryable && md.attempts < b.maxRedeliver {
					md.attempts++
					select {
					case sub.queue <- md:
					default:
						// Queue full; don't block the dispatcher on itself.
						b.deadLetter(md.env)
					}
					return
				}
				b.deadLetter(md.env)
			},
		)
		h(context.Background(), d)
		<-done
	}
}

func (b *MemoryBus) deadLetter(env *Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, env)
	slog.Warn("envelope dead-lettered", "event_id", env.EventID, "event_type", env.EventType)
}

// DeadLetters returns a snapshot of dead-lettered envelopes.
func (b *MemoryBus) DeadLetters() []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Envelope, len(b.dead))
	copy(out, b.dead)
	return out
}

// Close stops all dispatchers and refuses further publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
