// Package bus provides the pub/sub transport used by the event framework:
// a Bus interface with an in-process broker for development and an AMQP
// broker for distributed deployments.
package bus

import "context"

// Handler processes one delivery. The handler owns the delivery outcome
// and must call Ack or Nack exactly once.
type Handler func(ctx context.Context, d *Delivery)

// Bus defines the operations to publish and consume event envelopes.
type Bus interface {
	// Publish sends the envelope to the given topic.
	Publish(ctx context.Context, topic string, env *Envelope) error

	// Subscribe registers a handler for a topic. Multiple handlers on the
	// same topic each receive every envelope.
	Subscribe(topic string, h Handler) error

	// Close cleans up any resources (connections, dispatchers).
	Close() error
}

// Delivery is one envelope handed to a subscriber, with its settlement
// callbacks.
type Delivery struct {
	Envelope *Envelope

	ack  func()
	nack func(retryable bool)
}

// Ack settles the delivery as processed.
func (d *Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack settles the delivery as failed. Retryable failures may be
// redelivered; non-retryable ones go to the dead-letter path.
func (d *Delivery) Nack(retryable bool) {
	if d.nack != nil {
		d.nack(retryable)
	}
}

// NewDelivery builds a delivery with explicit settlement callbacks. Broker
// implementations and tests use this; handlers never construct deliveries.
func NewDelivery(env *Envelope, ack func(), nack func(retryable bool)) *Delivery {
	return &Delivery{Envelope: env, ack: ack, nack: nack}
}
