// Package outbox implements the transactional outbox: events are appended
// to a database table inside the caller's transaction and delivered to the
// broker by a background relayer, so state changes and their events commit
// or roll back together.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manwithacat/dazzle-sub009/bus"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
)

// ErrNoTransaction is returned by Append when the context carries no
// storage transaction. Appending outside a transaction would reintroduce
// the dual-write problem the outbox exists to prevent.
var ErrNoTransaction = errors.New("outbox append requires an active transaction")

// Append records the envelope in the outbox within the caller's current
// transaction. The entry becomes visible to the relayer only after commit.
func Append(ctx context.Context, st storage.Storage, env *bus.Envelope) error {
	if !st.InTransaction(ctx) {
		return ErrNoTransaction
	}

	entry, err := entryFromEnvelope(env)
	if err != nil {
		return err
	}
	return st.AddOutboxEntry(ctx, entry)
}

func entryFromEnvelope(env *bus.Envelope) (*storage.OutboxEntry, error) {
	var headers []byte
	if len(env.Headers) > 0 {
		var err error
		headers, err = json.Marshal(env.Headers)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event headers: %w", err)
		}
	}

	return &storage.OutboxEntry{
		EventID:       env.EventID,
		EventType:     env.EventType,
		Topic:         env.Topic,
		Key:           env.Key,
		Payload:       env.Payload,
		Headers:       headers,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Status:        storage.OutboxPending,
	}, nil
}

func envelopeFromEntry(entry *storage.OutboxEntry) (*bus.Envelope, error) {
	var headers map[string]string
	if len(entry.Headers) > 0 {
		if err := json.Unmarshal(entry.Headers, &headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event headers: %w", err)
		}
	}

	return &bus.Envelope{
		EventID:       entry.EventID,
		EventType:     entry.EventType,
		Topic:         entry.Topic,
		Key:           entry.Key,
		Payload:       entry.Payload,
		Headers:       headers,
		CorrelationID: entry.CorrelationID,
		CausationID:   entry.CausationID,
		Timestamp:     entry.CreatedAt,
	}, nil
}
