// Package engine drives sync pairs through their cycles: it owns the
// connectors, the per-pair schedulers, and the shared checkpoint store,
// dead-letter sink, and event bus.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/connector/registry"
	"github.com/driftsync/driftsync/pkg/deadletter"
	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/events"
	"github.com/driftsync/driftsync/pkg/logger"
	"github.com/driftsync/driftsync/pkg/resolver"
)

// Engine coordinates every configured sync pair. All methods are safe
// for concurrent use.
type Engine struct {
	cfg    *config.EngineConfig
	store  checkpoint.Store
	sink   deadletter.Sink
	bus    *events.Bus
	logger *zap.Logger

	mu      sync.Mutex
	pairs   map[string]*pairRunner
	order   []string
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the configuration and assembles an engine around the
// given checkpoint store and dead-letter sink. Connectors are not built
// until Start.
func New(cfg *config.EngineConfig, store checkpoint.Store, sink deadletter.Sink) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "engine config is required")
	}
	if store == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "checkpoint store is required")
	}
	if sink == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "dead-letter sink is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "validating engine config")
	}

	return &Engine{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		bus:    events.NewBus(),
		logger: logger.Get().Named("engine"),
		pairs:  make(map[string]*pairRunner),
	}, nil
}

// Start builds and initializes every pair's connectors and launches the
// schedulers. Failure to bring up any connector tears down the ones
// already built and leaves the engine stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New(errors.ErrorTypeInternal, "engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)

	for i := range e.cfg.Pairs {
		pc := e.cfg.Pairs[i]
		runner, err := e.buildPair(runCtx, pc)
		if err != nil {
			for _, id := range e.order {
				e.pairs[id].close(ctx)
				delete(e.pairs, id)
			}
			e.order = nil
			cancel()
			return err
		}
		e.pairs[pc.ID] = runner
		e.order = append(e.order, pc.ID)
	}

	for _, id := range e.order {
		e.pairs[id].startScheduler(runCtx, &e.wg)
	}

	e.cancel = cancel
	e.started = true
	e.logger.Info("engine started", zap.Int("pairs", len(e.order)))
	return nil
}

func (e *Engine) buildPair(ctx context.Context, pc config.PairConfig) (*pairRunner, error) {
	source, err := e.buildConnector(ctx, pc.Source)
	if err != nil {
		return nil, errors.Wrapf(err, errors.GetType(err), "building source for pair %s", pc.ID)
	}
	target, err := e.buildConnector(ctx, pc.Target)
	if err != nil {
		source.Close(ctx)
		return nil, errors.Wrapf(err, errors.GetType(err), "building target for pair %s", pc.ID)
	}

	runner, err := newPairRunner(pc, source, target, e.store, e.sink, e.bus, e.cfg.RunHistoryLimit)
	if err != nil {
		source.Close(ctx)
		target.Close(ctx)
		return nil, err
	}
	runner.engineCtx = ctx
	return runner, nil
}

func (e *Engine) buildConnector(ctx context.Context, cc config.ConnectorConfig) (core.Connector, error) {
	conn, err := registry.Create(cc.Type, cc.Name, &cc)
	if err != nil {
		return nil, err
	}
	if err := conn.Initialize(ctx, &cc); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return conn, nil
}

// Stop cancels the schedulers, waits up to ShutdownGrace for in-flight
// cycles to drain, then closes connectors, the bus, and both stores.
// The first close error is returned; the rest are logged.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errors.New(errors.ErrorTypeInternal, "engine is not started")
	}
	e.started = false
	cancel := e.cancel
	e.cancel = nil
	runners := make([]*pairRunner, 0, len(e.order))
	for _, id := range e.order {
		runners = append(runners, e.pairs[id])
	}
	e.mu.Unlock()

	cancel()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		for _, p := range runners {
			p.cycleWG.Wait()
		}
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("shutdown grace elapsed with cycles still draining",
			zap.Duration("grace", e.cfg.ShutdownGrace))
	case <-ctx.Done():
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range runners {
		keep(p.close(ctx))
	}
	e.bus.Close()
	keep(e.store.Close())
	keep(e.sink.Close())

	e.logger.Info("engine stopped")
	return firstErr
}

func (e *Engine) pair(id string) (*pairRunner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, errors.New(errors.ErrorTypeInternal, "engine is not started")
	}
	p, ok := e.pairs[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "unknown pair %s", id)
	}
	return p, nil
}

// SyncNow runs one cycle for the pair and returns the resulting status.
// If a cycle is already in flight the call coalesces into it.
func (e *Engine) SyncNow(ctx context.Context, pairID string) (SyncStatus, error) {
	p, err := e.pair(pairID)
	if err != nil {
		return SyncStatus{}, err
	}
	return p.syncNow(ctx, triggerManual), nil
}

// GetStatus reports the pair's current state and most recent run.
func (e *Engine) GetStatus(pairID string) (SyncStatus, error) {
	p, err := e.pair(pairID)
	if err != nil {
		return SyncStatus{}, err
	}
	return p.status(), nil
}

// Statuses reports every pair in configuration order.
func (e *Engine) Statuses() []SyncStatus {
	e.mu.Lock()
	runners := make([]*pairRunner, 0, len(e.order))
	for _, id := range e.order {
		runners = append(runners, e.pairs[id])
	}
	e.mu.Unlock()

	out := make([]SyncStatus, 0, len(runners))
	for _, p := range runners {
		out = append(out, p.status())
	}
	return out
}

// GetConflicts lists the pair's conflicts awaiting manual resolution.
func (e *Engine) GetConflicts(pairID string) ([]*resolver.Conflict, error) {
	p, err := e.pair(pairID)
	if err != nil {
		return nil, err
	}
	return p.conflicts(), nil
}

// ResolveConflict settles a parked conflict in favor of "source" or
// "target". A source win applies the parked record immediately.
func (e *Engine) ResolveConflict(ctx context.Context, pairID, conflictID, winner string) error {
	p, err := e.pair(pairID)
	if err != nil {
		return err
	}
	return p.resolveConflict(ctx, conflictID, winner)
}

// Requeue pulls a dead-letter entry back into the pair's next cycle.
func (e *Engine) Requeue(ctx context.Context, pairID, entryID string) error {
	p, err := e.pair(pairID)
	if err != nil {
		return err
	}
	return p.requeue(ctx, entryID)
}

// DeadLetters lists sink entries matching the filter.
func (e *Engine) DeadLetters(ctx context.Context, filter deadletter.Filter) ([]*deadletter.Entry, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil, errors.New(errors.ErrorTypeInternal, "engine is not started")
	}
	return e.sink.List(ctx, filter)
}

// History returns the pair's retained runs, newest first.
func (e *Engine) History(pairID string) ([]*SyncRun, error) {
	p, err := e.pair(pairID)
	if err != nil {
		return nil, err
	}
	runs := p.history.list()
	out := make([]*SyncRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	return out, nil
}

// Events exposes the engine's event bus for subscribers.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Pairs lists configured pair IDs in configuration order.
func (e *Engine) Pairs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}
