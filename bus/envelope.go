package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire representation of one domain event. Envelopes are
// immutable once created; derive new ones instead of mutating.
type Envelope struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	Topic         string            `json:"topic"`
	Key           string            `json:"key,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// EnvelopeOption customizes a new envelope.
type EnvelopeOption func(*Envelope)

// WithKey sets the partitioning/routing key.
func WithKey(key string) EnvelopeOption {
	return func(e *Envelope) { e.Key = key }
}

// WithHeader adds a transport header.
func WithHeader(k, v string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[k] = v
	}
}

// WithCorrelationID sets the correlation chain root explicitly.
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// NewEnvelope creates an envelope with a fresh event ID and timestamp.
// The payload is marshaled to JSON; json.RawMessage passes through as-is.
func NewEnvelope(eventType, topic string, payload any, opts ...EnvelopeOption) (*Envelope, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	env := &Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Topic:     topic,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(env)
	}
	return env, nil
}

// Derive creates a follow-up envelope caused by this one: the causation ID
// points at this event and the correlation ID carries the chain root.
func (e *Envelope) Derive(eventType, topic string, payload any, opts ...EnvelopeOption) (*Envelope, error) {
	child, err := NewEnvelope(eventType, topic, payload, opts...)
	if err != nil {
		return nil, err
	}
	child.CausationID = e.EventID
	child.CorrelationID = e.CorrelationID
	if child.CorrelationID == "" {
		child.CorrelationID = e.EventID
	}
	return child, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
