// Package deadletter provides the durable holding area for records that
// could not be applied.
//
// Records land here when validation rejects them, when retries are
// exhausted, or when a manual-strategy conflict awaits resolution. The
// sink never retries anything itself: entries sit until an operator or
// the engine requeues them into a later cycle, or purges them.
package deadletter

import (
	"context"
	"time"

	"github.com/driftsync/driftsync/pkg/record"
)

// Well-known dead-letter reasons.
const (
	// ReasonValidationFailed marks records rejected by validation.
	ReasonValidationFailed = "validation_failed"
	// ReasonRetriesExhausted marks records whose apply attempts ran out.
	ReasonRetriesExhausted = "retries_exhausted"
	// ReasonSchemaMismatch marks records the target structurally rejected.
	ReasonSchemaMismatch = "schema_mismatch"
	// ReasonManualResolution marks conflicts parked for an operator
	// decision under the manual strategy.
	ReasonManualResolution = "manual-resolution-required"
)

// Entry is one dead-lettered record with its failure context.
type Entry struct {
	ID            string         `json:"id"`
	Pair          string         `json:"pair"`
	Record        *record.Record `json:"record"`
	Reason        string         `json:"reason"`
	Detail        string         `json:"detail,omitempty"`
	Attempts      int            `json:"attempts"`
	FirstFailedAt time.Time      `json:"first_failed_at"`
	LastFailedAt  time.Time      `json:"last_failed_at"`
}

// NewEntry builds an entry for a freshly failed record.
func NewEntry(pair string, rec *record.Record, reason, detail string, attempts int) *Entry {
	now := time.Now().UTC()
	return &Entry{
		ID:            record.GenerateID("dlq"),
		Pair:          pair,
		Record:        rec,
		Reason:        reason,
		Detail:        detail,
		Attempts:      attempts,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Pair   string
	Reason string
	Key    string
	Since  time.Time
	Limit  int
}

func (f Filter) matches(e *Entry) bool {
	if f.Pair != "" && e.Pair != f.Pair {
		return false
	}
	if f.Reason != "" && e.Reason != f.Reason {
		return false
	}
	if f.Key != "" && (e.Record == nil || e.Record.Key != f.Key) {
		return false
	}
	if !f.Since.IsZero() && e.LastFailedAt.Before(f.Since) {
		return false
	}
	return true
}

// Sink stores dead-letter entries. Implementations must be safe for
// concurrent access from distinct sync pairs without cross-pair locking.
type Sink interface {
	// Put stores an entry durably.
	Put(ctx context.Context, entry *Entry) error

	// List returns entries matching the filter, oldest first.
	List(ctx context.Context, filter Filter) ([]*Entry, error)

	// Requeue removes an entry and returns its record so the engine can
	// feed it into the next cycle's processing set.
	Requeue(ctx context.Context, id string) (*record.Record, error)

	// Purge removes entries older than the cutoff and reports how many
	// went away.
	Purge(ctx context.Context, olderThan time.Time) (int, error)

	// Size reports how many entries a pair currently holds; an empty
	// pair counts everything.
	Size(ctx context.Context, pair string) (int, error)

	// Close releases sink resources.
	Close() error
}
