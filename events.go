package dazzle

import (
	"github.com/manwithacat/dazzle-sub009/bus"
)

// EventEnvelope is the wire representation of one domain event.
type EventEnvelope = bus.Envelope

// EnvelopeOption customizes a new envelope.
type EnvelopeOption = bus.EnvelopeOption

// NewEvent creates an envelope with a fresh event ID and timestamp. The
// payload marshals to JSON; json.RawMessage passes through untouched.
func NewEvent(eventType, topic string, payload any, opts ...EnvelopeOption) (*EventEnvelope, error) {
	return bus.NewEnvelope(eventType, topic, payload, opts...)
}

// WithKey sets the partitioning/routing key.
func WithKey(key string) EnvelopeOption { return bus.WithKey(key) }

// WithHeader adds a transport header.
func WithHeader(k, v string) EnvelopeOption { return bus.WithHeader(k, v) }

// WithCorrelationID sets the correlation chain root explicitly.
func WithCorrelationID(id string) EnvelopeOption { return bus.WithCorrelationID(id) }
