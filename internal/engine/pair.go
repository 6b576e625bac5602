package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/base"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/deadletter"
	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/events"
	"github.com/driftsync/driftsync/pkg/logger"
	"github.com/driftsync/driftsync/pkg/metrics"
	"github.com/driftsync/driftsync/pkg/observability"
	"github.com/driftsync/driftsync/pkg/record"
	"github.com/driftsync/driftsync/pkg/resolver"
	"github.com/driftsync/driftsync/pkg/tracker"
	"github.com/driftsync/driftsync/pkg/validator"
)

// pairRunner drives one sync pair. It owns the pair's cycle state
// machine, run history, and pending conflicts; cycles are serialized by
// the in-flight flag while distinct pairs run independently.
type pairRunner struct {
	cfg    config.PairConfig
	source core.Connector
	target core.Connector

	store checkpoint.Store
	sink  deadletter.Sink
	bus   *events.Bus

	tracker   *tracker.Tracker
	resolver  *resolver.Resolver
	validator *validator.Validator
	retry     *base.RetryPolicy

	collector  *metrics.Collector
	throughput *metrics.ThroughputTracker
	tracer     *observability.SyncTracer
	logger     *zap.Logger

	// engineCtx, when set, cancels in-flight cycles on engine shutdown
	// regardless of the caller's context.
	engineCtx context.Context
	cycleWG   sync.WaitGroup

	mu                  sync.Mutex
	state               State
	inFlight            bool
	current             *SyncRun
	history             *runHistory
	injected            []*record.Record
	consecutiveFailures int
}

// newPairRunner wires one pair's components. The connectors must
// already be initialized.
func newPairRunner(cfg config.PairConfig, source, target core.Connector, store checkpoint.Store, sink deadletter.Sink, bus *events.Bus, historyLimit int) (*pairRunner, error) {
	res, err := resolver.New(cfg.ID, cfg.Strategy)
	if err != nil {
		return nil, err
	}

	return &pairRunner{
		cfg:        cfg,
		source:     source,
		target:     target,
		store:      store,
		sink:       sink,
		bus:        bus,
		tracker:    tracker.New(),
		resolver:   res,
		validator:  validator.New(cfg.Validation),
		retry:      base.NewRetryPolicy(cfg.Retry),
		collector:  metrics.NewCollector(cfg.ID),
		throughput: metrics.NewThroughputTracker(cfg.ID),
		tracer:     observability.NewSyncTracer(cfg.ID),
		logger: logger.Get().Named("engine").With(
			zap.String("pair_id", cfg.ID)),
		state:   StateIdle,
		history: newRunHistory(historyLimit),
	}, nil
}

func (p *pairRunner) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// status snapshots the pair's externally visible state.
func (p *pairRunner) status() SyncStatus {
	p.mu.Lock()
	st := SyncStatus{
		PairID:              p.cfg.ID,
		State:               p.state,
		Mode:                p.cfg.Mode,
		Strategy:            p.cfg.Strategy,
		ConsecutiveFailures: p.consecutiveFailures,
	}
	run := p.current
	if run == nil {
		run = p.history.last()
	}
	p.mu.Unlock()

	if run != nil {
		st.Run = run.snapshot()
	}
	st.PendingConflicts = p.resolver.PendingCount()
	return st
}

// syncNow runs one cycle, or coalesces into the in-flight one. The
// winning caller blocks until its cycle finishes and gets the final
// status; losers return immediately with the in-flight run's status.
func (p *pairRunner) syncNow(ctx context.Context, trigger string) SyncStatus {
	st, _ := p.trySync(ctx, trigger)
	return st
}

// trySync is syncNow plus a flag telling the caller whether its trigger
// actually ran a cycle or coalesced into someone else's.
func (p *pairRunner) trySync(ctx context.Context, trigger string) (SyncStatus, bool) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		p.logger.Debug("cycle already in flight, coalescing trigger",
			zap.String("trigger", trigger))
		return p.status(), false
	}
	p.inFlight = true
	p.mu.Unlock()

	p.cycleWG.Add(1)
	defer p.cycleWG.Done()

	p.runCycle(ctx, trigger)

	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()

	return p.status(), true
}

// inject queues records into the next cycle's processing set. Used by
// dead-letter requeues.
func (p *pairRunner) inject(recs ...*record.Record) {
	if len(recs) == 0 {
		return
	}
	p.mu.Lock()
	p.injected = append(p.injected, recs...)
	p.mu.Unlock()
}

// drainInjected takes the queued records for the starting cycle.
func (p *pairRunner) drainInjected() []*record.Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	recs := p.injected
	p.injected = nil
	return recs
}

// conflicts returns the conflicts awaiting manual resolution.
func (p *pairRunner) conflicts() []*resolver.Conflict {
	return p.resolver.Pending()
}

// resolveConflict settles a parked conflict. Choosing "source" applies
// the incoming record to the target immediately; choosing "target"
// keeps the target's version. Either way the mirrored dead-letter
// entry is cleared.
func (p *pairRunner) resolveConflict(ctx context.Context, conflictID, winner string) error {
	rec, err := p.resolver.ResolveManual(conflictID, winner)
	if err != nil {
		return err
	}

	p.clearManualEntries(ctx, conflictID)
	p.collector.RecordConflict(string(p.resolver.Strategy()), winner)
	p.bus.Publish(events.ConflictResolved(p.cfg.ID, "", conflictID, winner))
	p.collector.SetQueueSize("pending_conflicts", p.resolver.PendingCount())

	if rec == nil {
		// Target retained; nothing to write.
		return nil
	}

	out, err := p.applyShard(ctx, []*record.Record{rec})
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable,
			"applying resolved record %s", conflictID)
	}
	if len(out.dead) > 0 {
		for _, cand := range out.dead {
			p.deadLetter(ctx, nil, cand)
		}
		return errors.Newf(errors.ErrorTypeInternal,
			"resolved record %s could not be applied", conflictID)
	}

	p.logger.Info("manual conflict resolved",
		zap.String("key", conflictID),
		zap.String("winner", winner))
	return nil
}

// clearManualEntries removes the dead-letter mirrors of a resolved
// conflict. Failures only log; the authoritative pending queue already
// dropped the conflict.
func (p *pairRunner) clearManualEntries(ctx context.Context, key string) {
	entries, err := p.sink.List(ctx, deadletter.Filter{
		Pair:   p.cfg.ID,
		Reason: deadletter.ReasonManualResolution,
		Key:    key,
	})
	if err != nil {
		p.logger.Warn("listing dead-letter mirrors failed",
			zap.String("key", key), zap.Error(err))
		return
	}
	for _, entry := range entries {
		if _, err := p.sink.Requeue(ctx, entry.ID); err != nil {
			p.logger.Warn("clearing dead-letter mirror failed",
				zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}
}

// requeue pulls a dead-letter entry back into the pair's next cycle.
func (p *pairRunner) requeue(ctx context.Context, entryID string) error {
	entries, err := p.sink.List(ctx, deadletter.Filter{Pair: p.cfg.ID})
	if err != nil {
		return err
	}

	found := false
	for _, entry := range entries {
		if entry.ID == entryID {
			found = true
			break
		}
	}
	if !found {
		return errors.Newf(errors.ErrorTypeNotFound,
			"no dead-letter entry %s for pair %s", entryID, p.cfg.ID)
	}

	rec, err := p.sink.Requeue(ctx, entryID)
	if err != nil {
		return err
	}

	p.inject(rec)
	p.logger.Info("dead-letter entry requeued",
		zap.String("entry_id", entryID),
		zap.String("key", rec.Key))
	return nil
}

// close releases the pair's connectors.
func (p *pairRunner) close(ctx context.Context) error {
	var firstErr error
	if err := p.source.Close(ctx); err != nil {
		firstErr = err
		p.logger.Warn("closing source connector failed", zap.Error(err))
	}
	if err := p.target.Close(ctx); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		p.logger.Warn("closing target connector failed", zap.Error(err))
	}
	return firstErr
}
