// Package resolver settles conflicts between source and target versions
// of the same key.
//
// Strategies are state-free and configured per sync pair: source-wins,
// target-wins, latest-timestamp (ties break to source, deliberately and
// deterministically), and manual. Manual conflicts are parked in a
// pending queue, surfaced through GetConflicts, and settled by an
// operator choosing "source" or "target". Every resolution is logged
// with both versions for audit.
package resolver

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/logger"
	"github.com/driftsync/driftsync/pkg/record"
)

// Decision says which side a resolution kept.
type Decision string

const (
	// DecisionSource means the incoming record replaces the target.
	DecisionSource Decision = "source"
	// DecisionTarget means the target's version is retained.
	DecisionTarget Decision = "target"
	// DecisionDeferred means the conflict awaits manual resolution.
	DecisionDeferred Decision = "deferred"
)

// Conflict is a pending disagreement between source and target. Its ID
// is the record's identity key, which is what operators resolve by.
type Conflict struct {
	ID         string                  `json:"id"`
	Pair       string                  `json:"pair"`
	Existing   *record.Record          `json:"existing"`
	Incoming   *record.Record          `json:"incoming"`
	Strategy   config.ConflictStrategy `json:"strategy"`
	DetectedAt time.Time               `json:"detected_at"`
}

// Resolution is the outcome of resolving one conflict. Winner is the
// record to apply; it is nil when the target is retained or the decision
// is deferred.
type Resolution struct {
	Winner   *record.Record
	Decision Decision
	Strategy config.ConflictStrategy
}

// Resolver applies one pair's conflict strategy. Safe for concurrent
// use; the pending queue is shared between the sync loop and operator
// calls.
type Resolver struct {
	pairID   string
	strategy config.ConflictStrategy
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*Conflict
}

// New creates a resolver for a pair.
func New(pairID string, strategy config.ConflictStrategy) (*Resolver, error) {
	if !strategy.Valid() {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown conflict strategy: %s", strategy)
	}
	return &Resolver{
		pairID:   pairID,
		strategy: strategy,
		logger:   logger.Get().Named("resolver").With(zap.String("pair_id", pairID)),
		pending:  make(map[string]*Conflict),
	}, nil
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() config.ConflictStrategy {
	return r.strategy
}

// Resolve settles one conflict between an existing target record and an
// incoming source record for the same key. Under the manual strategy the
// conflict is queued and the decision deferred.
func (r *Resolver) Resolve(existing, incoming *record.Record) Resolution {
	var res Resolution
	res.Strategy = r.strategy

	switch r.strategy {
	case config.StrategySourceWins:
		res.Winner = incoming
		res.Decision = DecisionSource

	case config.StrategyTargetWins:
		res.Decision = DecisionTarget

	case config.StrategyLatestTimestamp:
		// Higher source timestamp wins; an exact tie goes to the source.
		// That tie-break is policy, chosen so equal-timestamp conflicts
		// resolve identically on every run.
		if incoming.Timestamp.Before(existing.Timestamp) {
			res.Decision = DecisionTarget
		} else {
			res.Winner = incoming
			res.Decision = DecisionSource
		}

	case config.StrategyManual:
		r.park(existing, incoming)
		res.Decision = DecisionDeferred
	}

	r.audit(existing, incoming, res.Decision)
	return res
}

// park queues a conflict for manual resolution. A newer conflict for
// the same key replaces the pending one; the operator should always see
// the latest disagreement.
func (r *Resolver) park(existing, incoming *record.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[incoming.Key] = &Conflict{
		ID:         incoming.Key,
		Pair:       r.pairID,
		Existing:   existing,
		Incoming:   incoming,
		Strategy:   r.strategy,
		DetectedAt: time.Now().UTC(),
	}
}

// Pending returns the conflicts awaiting manual resolution.
func (r *Resolver) Pending() []*Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conflict, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	return out
}

// PendingCount returns the size of the manual queue.
func (r *Resolver) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ResolveManual settles a pending conflict by ID. Choosing "source"
// returns the incoming record so the caller can reapply it; choosing
// "target" returns nil and the target's version stands.
func (r *Resolver) ResolveManual(id string, winner string) (*record.Record, error) {
	decision := Decision(winner)
	if decision != DecisionSource && decision != DecisionTarget {
		return nil, errors.Newf(errors.ErrorTypeValidation, "winner must be %q or %q, got %q",
			DecisionSource, DecisionTarget, winner)
	}

	r.mu.Lock()
	conflict, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no pending conflict with id %s", id)
	}

	r.audit(conflict.Existing, conflict.Incoming, decision)

	if decision == DecisionSource {
		return conflict.Incoming, nil
	}
	return nil, nil
}

// audit logs both versions alongside the outcome. Payloads are logged
// whole; this is the record of why the engine picked a side.
func (r *Resolver) audit(existing, incoming *record.Record, decision Decision) {
	fields := []zap.Field{
		zap.String("key", incoming.Key),
		zap.String("strategy", string(r.strategy)),
		zap.String("decision", string(decision)),
		zap.Time("incoming_ts", incoming.Timestamp),
		zap.Any("incoming_payload", incoming.Payload),
	}
	if existing != nil {
		fields = append(fields,
			zap.Time("existing_ts", existing.Timestamp),
			zap.Any("existing_payload", existing.Payload))
	}
	r.logger.Info("conflict resolved", fields...)
}
