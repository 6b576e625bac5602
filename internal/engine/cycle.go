package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/deadletter"
	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/events"
	"github.com/driftsync/driftsync/pkg/logger"
	"github.com/driftsync/driftsync/pkg/metrics"
	"github.com/driftsync/driftsync/pkg/record"
	"github.com/driftsync/driftsync/pkg/resolver"
	"github.com/driftsync/driftsync/pkg/tracker"
)

// runCycle executes one full sync cycle under the pair's deadline and
// finalizes its run. Engine shutdown cancels the cycle even when the
// trigger came in on a caller-owned context.
func (p *pairRunner) runCycle(ctx context.Context, trigger string) *SyncRun {
	run := newSyncRun(p.cfg.ID, trigger)

	p.mu.Lock()
	p.current = run
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()
	if p.engineCtx != nil {
		stop := context.AfterFunc(p.engineCtx, cancel)
		defer stop()
	}

	ctx = context.WithValue(ctx, logger.PairIDKey, p.cfg.ID)
	ctx = context.WithValue(ctx, logger.RunIDKey, run.ID)
	log := logger.WithContext(ctx).Named("engine")

	ctx, span := p.tracer.StartCycle(ctx, run.ID)
	defer span.End()

	timer := metrics.NewTimer()
	p.bus.Publish(events.SyncStarted(p.cfg.ID, run.ID))
	log.Info("sync cycle starting", zap.String("trigger", trigger))

	err := p.cycle(ctx, run, log)
	if err != nil {
		err = classifyCycleError(err)
		p.setState(StateError)
		span.RecordError(err)
		p.collector.RecordError(string(errors.GetType(err)))
	}

	duration := timer.Stop()
	p.collector.ObserveStage("cycle", duration)

	run.finalize(p.finalStatus(run, err), err)
	snap := run.snapshot()

	p.collector.RecordCycle(string(snap.Status))
	p.throughput.GetAndReset()
	p.observeQueues()
	p.bus.Publish(events.SyncCompleted(p.cfg.ID, run.ID, string(snap.Status), snap.Applied+snap.Skipped, snap.Failed))

	fields := []zap.Field{
		zap.String("status", string(snap.Status)),
		zap.String("summary", snap.Summary),
	}
	if err != nil {
		log.Warn("sync cycle finished with errors", append(fields, zap.Error(err))...)
	} else {
		log.Info("sync cycle finished", fields...)
	}
	if warn := p.cfg.Thresholds.CycleDurationWarning; warn > 0 && duration > warn {
		log.Warn("cycle exceeded duration threshold",
			zap.Duration("duration", duration),
			zap.Duration("threshold", warn))
	}

	p.mu.Lock()
	p.history.add(run)
	p.current = nil
	p.state = StateIdle
	if snap.Status == RunStatusFailed {
		p.consecutiveFailures++
	} else {
		p.consecutiveFailures = 0
	}
	failures := p.consecutiveFailures
	p.mu.Unlock()

	if max := p.cfg.Thresholds.MaxConsecutiveFailures; max > 0 && failures >= max {
		p.logger.Error("pair degraded after consecutive cycle failures",
			zap.Int("failures", failures),
			zap.Int("threshold", max))
	}

	return run
}

// cycle is the batch loop: extract, validate, resolve, apply,
// checkpoint, repeated until the source window drains. Cancellation
// and the cycle deadline are observed between batches, never mid-apply.
func (p *pairRunner) cycle(ctx context.Context, run *SyncRun, log *zap.Logger) error {
	p.setState(StateDiscovering)
	var cp *checkpoint.Checkpoint
	err := p.tracer.TraceStage(ctx, "discover", func(ctx context.Context) error {
		var err error
		cp, err = p.store.Load(ctx, p.cfg.ID)
		return err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "loading checkpoint")
	}

	injected := p.drainInjected()
	if len(injected) > 0 {
		run.setRequeued(len(injected))
		log.Info("requeued records joining cycle", zap.Int("count", len(injected)))
	}

	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := p.extract(ctx, cp)
		if err != nil {
			return err
		}

		records := batch.Records
		if first && len(injected) > 0 {
			records = append(injected, records...)
		}
		if len(records) == 0 {
			if !batch.HasMore || samePosition(cp, batch.NextCheckpoint) {
				break
			}
			cp = batch.NextCheckpoint
			continue
		}
		run.addExtracted(len(records))

		valid, err := p.validate(ctx, run, records)
		if err != nil {
			return err
		}

		winners, err := p.resolve(ctx, run, valid)
		if err != nil {
			return err
		}

		applied, failed, err := p.apply(ctx, run, winners)
		if err != nil {
			return err
		}

		if err := p.saveCheckpoint(ctx, run, batch.NextCheckpoint); err != nil {
			return err
		}
		if batch.NextCheckpoint != nil {
			cp = batch.NextCheckpoint
		}

		p.bus.Publish(events.BatchApplied(p.cfg.ID, run.ID, applied, failed))
		p.throughput.Increment(int64(applied))

		if !batch.HasMore {
			break
		}
	}
	return nil
}

// extract reads the next page of changes from the source under the
// retry policy.
func (p *pairRunner) extract(ctx context.Context, cp *checkpoint.Checkpoint) (*core.ChangeBatch, error) {
	p.setState(StateExtracting)
	timer := metrics.NewTimer()
	defer func() { p.collector.ObserveStage("extract", timer.Stop()) }()

	var batch *core.ChangeBatch
	err := p.tracer.TraceStage(ctx, "extract", func(ctx context.Context) error {
		return p.retry.ExecuteWithCondition(ctx, func() error {
			var err error
			batch, err = p.source.ListChanges(ctx, cp, p.cfg.BatchSize)
			return err
		}, errors.IsRetryable)
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.GetType(err), "extracting changes from source")
	}
	return batch, nil
}

// validate checks each record against the pair's rule set and the
// target's own expectations. Rejected records are dead-lettered and
// dropped from the batch.
func (p *pairRunner) validate(ctx context.Context, run *SyncRun, recs []*record.Record) ([]*record.Record, error) {
	p.setState(StateValidating)
	timer := metrics.NewTimer()
	defer func() { p.collector.ObserveStage("validate", timer.Stop()) }()

	valid := make([]*record.Record, 0, len(recs))
	err := p.tracer.TraceStage(ctx, "validate", func(ctx context.Context) error {
		for _, rec := range recs {
			if err := p.validator.Validate(rec); err != nil {
				cand := deadCandidate{rec: rec, reason: deadletter.ReasonValidationFailed, detail: err.Error(), attempts: 1}
				if derr := p.deadLetter(ctx, run, cand); derr != nil {
					return derr
				}
				continue
			}
			if err := p.target.Validate(rec); err != nil {
				reason := deadletter.ReasonValidationFailed
				if errors.IsType(err, errors.ErrorTypeSchemaMismatch) {
					reason = deadletter.ReasonSchemaMismatch
				}
				cand := deadCandidate{rec: rec, reason: reason, detail: err.Error(), attempts: 1}
				if derr := p.deadLetter(ctx, run, cand); derr != nil {
					return derr
				}
				continue
			}
			valid = append(valid, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return valid, nil
}

// resolve classifies the batch against target state and settles
// conflicts, returning the records that should reach the target.
func (p *pairRunner) resolve(ctx context.Context, run *SyncRun, recs []*record.Record) ([]*record.Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	p.setState(StateResolving)
	timer := metrics.NewTimer()
	defer func() { p.collector.ObserveStage("resolve", timer.Stop()) }()

	var winners []*record.Record
	err := p.tracer.TraceStage(ctx, "resolve", func(ctx context.Context) error {
		existing, err := p.fetchExisting(ctx, recs)
		if err != nil {
			return err
		}

		for _, cl := range p.tracker.DetectBatch(existing, recs) {
			switch cl.State {
			case tracker.StateUnchanged:
				run.addSkipped(1)
				p.collector.RecordProcessed(1, "skipped")

			case tracker.StateNew, tracker.StateDeleted:
				winners = append(winners, cl.Incoming)

			case tracker.StateConflict:
				run.addConflicted(1)
				p.bus.Publish(events.ConflictDetected(p.cfg.ID, run.ID, cl.Incoming.Key))
				winner, err := p.settleConflict(ctx, run, cl.Existing, cl.Incoming)
				if err != nil {
					return err
				}
				if winner != nil {
					winners = append(winners, winner)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return winners, nil
}

// fetchExisting loads the target's current version of every key in the
// batch, for change detection.
func (p *pairRunner) fetchExisting(ctx context.Context, recs []*record.Record) (map[string]*record.Record, error) {
	keys := make([]string, 0, len(recs))
	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if !seen[rec.Key] {
			seen[rec.Key] = true
			keys = append(keys, rec.Key)
		}
	}

	var existing map[string]*record.Record
	err := p.retry.ExecuteWithCondition(ctx, func() error {
		var err error
		existing, err = p.target.Fetch(ctx, keys)
		return err
	}, errors.IsRetryable)
	if err != nil {
		return nil, errors.Wrap(err, errors.GetType(err), "fetching target state")
	}
	return existing, nil
}

// settleConflict picks a side for one conflicting key. A willing
// connector-level override takes precedence; otherwise the pair's
// configured strategy decides. Returns the record to apply, or nil
// when the target's version stands or the decision is deferred.
func (p *pairRunner) settleConflict(ctx context.Context, run *SyncRun, existing, incoming *record.Record) (*record.Record, error) {
	if winner, err := p.target.ResolveConflict(existing, incoming); err != nil {
		p.logger.Debug("connector conflict override failed, using strategy",
			zap.String("key", incoming.Key), zap.Error(err))
	} else if winner != nil {
		outcome := string(resolver.DecisionSource)
		if winner == existing {
			outcome = string(resolver.DecisionTarget)
		}
		p.collector.RecordConflict("connector", outcome)
		p.bus.Publish(events.ConflictResolved(p.cfg.ID, run.ID, incoming.Key, outcome))
		if winner == existing {
			run.addSkipped(1)
			p.collector.RecordProcessed(1, "skipped")
			return nil, nil
		}
		return winner, nil
	}

	res := p.resolver.Resolve(existing, incoming)
	p.collector.RecordConflict(string(res.Strategy), string(res.Decision))

	switch res.Decision {
	case resolver.DecisionDeferred:
		detail := fmt.Sprintf("conflicting update for key %s awaits manual resolution", incoming.Key)
		cand := deadCandidate{rec: incoming, reason: deadletter.ReasonManualResolution, detail: detail}
		if err := p.deadLetter(ctx, run, cand); err != nil {
			return nil, err
		}
		return nil, nil

	case resolver.DecisionTarget:
		run.addSkipped(1)
		p.collector.RecordProcessed(1, "skipped")
		p.bus.Publish(events.ConflictResolved(p.cfg.ID, run.ID, incoming.Key, string(res.Decision)))
		return nil, nil

	default:
		p.bus.Publish(events.ConflictResolved(p.cfg.ID, run.ID, incoming.Key, string(res.Decision)))
		return res.Winner, nil
	}
}

// apply writes the surviving records, sharded by key hash so same-key
// records stay ordered while distinct keys go in parallel.
func (p *pairRunner) apply(ctx context.Context, run *SyncRun, winners []*record.Record) (applied, failed int, err error) {
	if len(winners) == 0 {
		return 0, 0, nil
	}
	p.setState(StateApplying)
	timer := metrics.NewTimer()
	defer func() { p.collector.ObserveStage("apply", timer.Stop()) }()

	workers := p.cfg.ApplyWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(winners) {
		workers = len(winners)
	}

	shards := make([][]*record.Record, workers)
	for _, rec := range winners {
		i := int(xxhash.Sum64String(rec.Key) % uint64(workers))
		shards[i] = append(shards[i], rec)
	}

	outcomes := make([]shardOutcome, workers)
	errs := make([]error, workers)
	applyErr := p.tracer.TraceBatch(ctx, "apply", len(winners), func(ctx context.Context) error {
		var wg sync.WaitGroup
		for i := range shards {
			if len(shards[i]) == 0 {
				continue
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i], errs[i] = p.applyShard(ctx, shards[i])
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil
	})

	// Durable per-shard effects count even when a sibling shard failed;
	// the run totals must reflect what actually landed.
	for _, out := range outcomes {
		run.addApplied(out.applied)
		run.addSkipped(out.skipped)
		p.collector.RecordProcessed(out.applied, "success")
		p.collector.RecordProcessed(out.skipped, "skipped")
		applied += out.applied

		for _, cand := range out.dead {
			if derr := p.deadLetter(ctx, run, cand); derr != nil {
				if applyErr == nil {
					applyErr = derr
				}
				continue
			}
			failed++
		}
	}

	if applyErr != nil {
		return applied, failed, errors.Wrap(applyErr, errors.GetType(applyErr), "applying batch to target")
	}
	return applied, failed, nil
}

// shardOutcome aggregates per-record results for one apply shard.
type shardOutcome struct {
	applied int
	skipped int
	dead    []deadCandidate
}

// applyShard writes one shard under the retry policy. Retryable
// per-record failures shrink the pending set and go around again;
// records still pending when attempts run out become dead-letter
// candidates. A call-level failure that outlives the policy aborts the
// shard so the window is re-read next cycle.
func (p *pairRunner) applyShard(ctx context.Context, recs []*record.Record) (shardOutcome, error) {
	var out shardOutcome

	pending := recs
	recordLevel := false
	err := p.retry.ExecuteWithCondition(ctx, func() error {
		results, err := p.target.ApplyChanges(ctx, pending)
		if err != nil {
			recordLevel = false
			return err
		}

		var again []*record.Record
		for _, res := range results {
			switch {
			case res.Status == core.ApplyStatusApplied:
				out.applied++
			case res.Status == core.ApplyStatusSkipped:
				out.skipped++
			case errors.IsRetryable(res.Error):
				again = append(again, res.Record)
			default:
				out.dead = append(out.dead, deadCandidate{
					rec:      res.Record,
					reason:   applyFailureReason(res.Error),
					detail:   errDetail(res.Error),
					attempts: 1,
				})
			}
		}

		if len(again) > 0 {
			pending = again
			recordLevel = true
			return errors.Newf(errors.ErrorTypeConnectorUnavailable,
				"%d of %d records failed transiently", len(again), len(results))
		}
		pending = nil
		return nil
	}, errors.IsRetryable)

	if err == nil {
		return out, nil
	}
	if !recordLevel {
		return out, err
	}

	for _, rec := range pending {
		out.dead = append(out.dead, deadCandidate{
			rec:      rec,
			reason:   deadletter.ReasonRetriesExhausted,
			detail:   errDetail(err),
			attempts: p.retry.MaxAttempts,
		})
	}
	return out, nil
}

// saveCheckpoint persists the batch boundary. Failure is cycle-fatal:
// the window stays uncovered and is re-processed next cycle, which the
// tracker makes idempotent.
func (p *pairRunner) saveCheckpoint(ctx context.Context, run *SyncRun, next *checkpoint.Checkpoint) error {
	if next == nil {
		return nil
	}
	p.setState(StateCheckpointing)
	timer := metrics.NewTimer()
	err := p.tracer.TraceStage(ctx, "checkpoint", func(ctx context.Context) error {
		return p.store.Save(ctx, p.cfg.ID, next)
	})
	p.collector.ObserveStage("checkpoint", timer.Stop())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "persisting checkpoint")
	}
	run.completeBatch(next.Position)
	return nil
}

// deadCandidate is one record bound for the dead-letter sink.
type deadCandidate struct {
	rec      *record.Record
	reason   string
	detail   string
	attempts int
}

// deadLetter routes one record to the sink. A sink failure aborts the
// batch before its checkpoint so no failed record is silently dropped.
// run may be nil for out-of-cycle routing.
func (p *pairRunner) deadLetter(ctx context.Context, run *SyncRun, cand deadCandidate) error {
	entry := deadletter.NewEntry(p.cfg.ID, cand.rec, cand.reason, cand.detail, cand.attempts)
	if err := p.sink.Put(ctx, entry); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "dead-lettering record %s", cand.rec.Key)
	}

	runID := ""
	if run != nil {
		run.addDeadLettered(1)
		if cand.reason != deadletter.ReasonManualResolution {
			run.addFailed(1)
		}
		runID = run.ID
	}
	p.collector.RecordProcessed(1, "dead_lettered")
	p.bus.Publish(events.RecordDeadLettered(p.cfg.ID, runID, cand.rec.Key, cand.reason))
	p.logger.Debug("record dead-lettered",
		zap.String("key", cand.rec.Key),
		zap.String("reason", cand.reason))
	return nil
}

// observeQueues refreshes the pair's queue gauges after a cycle.
func (p *pairRunner) observeQueues() {
	p.collector.SetQueueSize("pending_conflicts", p.resolver.PendingCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	size, err := p.sink.Size(ctx, p.cfg.ID)
	if err != nil {
		return
	}
	p.collector.SetQueueSize("dead_letter", size)
	if warn := p.cfg.Thresholds.DeadLetterWarning; warn > 0 && size >= warn {
		p.logger.Warn("dead-letter queue above threshold",
			zap.Int("size", size),
			zap.Int("threshold", warn))
	}
}

// finalStatus maps the cycle outcome onto the run status. Cancellation,
// timeout, and checkpoint-save failures mark partial runs: work may
// have landed and resumption is safe. Other errors are partial only
// when the cycle made durable progress first.
func (p *pairRunner) finalStatus(run *SyncRun, err error) RunStatus {
	snap := run.snapshot()
	switch {
	case err == nil:
		if snap.Failed > 0 {
			return RunStatusPartial
		}
		return RunStatusSuccess
	case errors.IsType(err, errors.ErrorTypeCycleCancelled),
		errors.IsType(err, errors.ErrorTypeCycleTimeout):
		return RunStatusPartial
	case errors.IsType(err, errors.ErrorTypeCheckpoint) && snap.Extracted > 0:
		return RunStatusPartial
	case snap.Applied > 0 || snap.DeadLettered > 0 || snap.Batches > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}

// classifyCycleError maps context errors onto the cycle error types.
func classifyCycleError(err error) error {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.ErrorTypeCycleTimeout, "cycle deadline exceeded")
	case stderrors.Is(err, context.Canceled):
		return errors.Wrap(err, errors.ErrorTypeCycleCancelled, "cycle cancelled")
	default:
		return err
	}
}

func applyFailureReason(err error) string {
	switch {
	case errors.IsType(err, errors.ErrorTypeSchemaMismatch):
		return deadletter.ReasonSchemaMismatch
	case errors.IsType(err, errors.ErrorTypeValidation):
		return deadletter.ReasonValidationFailed
	default:
		return deadletter.ReasonRetriesExhausted
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func samePosition(a, b *checkpoint.Checkpoint) bool {
	return a != nil && b != nil && a.Position == b.Position
}
