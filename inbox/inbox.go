// Package inbox implements idempotent event consumption: a per-consumer
// dedupe ledger plus a consumer wrapper that guarantees each event is
// processed at most once per consumer, with handler errors recorded and
// never replayed.
package inbox

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/manwithacat/dazzle-sub009/internal/storage"
)

// ShouldProcess reports whether the (event, consumer) pair is still
// unprocessed.
func ShouldProcess(ctx context.Context, st storage.Storage, eventID, consumerName string) (bool, error) {
	seen, err := st.HasInboxEntry(ctx, eventID, consumerName)
	if err != nil {
		return false, err
	}
	return !seen, nil
}

// MarkProcessed records the processing outcome in the ledger. Returns
// false when another worker recorded this pair first; in that case the
// caller's outcome is discarded and the event counts as a duplicate.
func MarkProcessed(ctx context.Context, st storage.Storage, entry *storage.InboxEntry) (bool, error) {
	return st.InsertInboxEntry(ctx, entry)
}

// Retryable classifies a handler error for broker settlement. Terminal
// errors, struct validation failures, and malformed-payload errors cannot
// succeed on redelivery.
func Retryable(err error) bool {
	var terminal interface{ Terminal() bool }
	if errors.As(err, &terminal) && terminal.Terminal() {
		return false
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return false
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return false
	}
	var syntaxErr *json.SyntaxError
	return !errors.As(err, &syntaxErr)
}
