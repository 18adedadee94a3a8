// Package sink persists batches that could not be delivered so they can be
// replayed later. One envelope is written per failed batch under a
// deterministic key; durability is the backing store's concern.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/sentrypipe/sentrypipe/pkg/model"
)

// Envelope is the persisted form of a failed batch.
type Envelope struct {
	BatchID       string         `json:"batch_id"`
	Table         string         `json:"table"`
	SealedAt      time.Time      `json:"sealed_at"`
	ErrorCategory string         `json:"error_category"`
	ErrorMessage  string         `json:"error_message"`
	AttemptCount  int            `json:"attempt_count"`
	CorrelationID string         `json:"correlation_id"`
	Records       []model.Record `json:"records"`
}

// Key returns the deterministic storage key for this envelope: table, sealed
// time and batch id.
func (e *Envelope) Key() string {
	return fmt.Sprintf("%s/%s-%s.json.gz", e.Table, e.SealedAt.UTC().Format("20060102T150405Z"), e.BatchID)
}

// Sink stores and enumerates failed-batch envelopes.
type Sink interface {
	Store(ctx context.Context, env *Envelope) error
	// List returns envelopes sealed after since; the zero time lists all.
	List(ctx context.Context, since time.Time) ([]*Envelope, error)
}

const redactedPlaceholder = "REDACTED"

// Redact replaces every field not in the allow-list with a placeholder.
// A nil or empty allow-list leaves records untouched.
func Redact(records []model.Record, allowList []string) []model.Record {
	if len(allowList) == 0 {
		return records
	}

	allowed := make(map[string]struct{}, len(allowList)+1)
	allowed[model.TimestampField] = struct{}{}
	for _, f := range allowList {
		allowed[f] = struct{}{}
	}

	out := make([]model.Record, len(records))
	for i, rec := range records {
		redacted := make(model.Record, len(rec))
		for k, v := range rec {
			if _, ok := allowed[k]; ok {
				redacted[k] = v
				continue
			}
			redacted[k] = redactedPlaceholder
		}
		out[i] = redacted
	}
	return out
}
