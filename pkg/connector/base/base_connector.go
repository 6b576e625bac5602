// Package base provides the foundational BaseConnector that concrete
// connectors embed. It carries the shared production machinery so a
// connector implementation only has to supply its data plane:
//
//   - circuit breaker protection around backend calls
//   - periodic health checks with status tracking
//   - retry policies with exponential backoff and jitter
//   - error classification and transient/permanent routing
//   - read/apply counters surfaced through Metrics()
//
// A connector embeds BaseConnector and overrides what it needs:
//
//	type MyConnector struct {
//	    *base.BaseConnector
//	    // connector-specific fields
//	}
//
//	func NewMyConnector(name string) *MyConnector {
//	    return &MyConnector{
//	        BaseConnector: base.NewBaseConnector(name, "my-type"),
//	    }
//	}
//
// BaseConnector supplies default Validate, ResolveConflict, Health,
// Metrics, and Close implementations. The data-plane operations
// (ListChanges, Fetch, ApplyChanges, GetLatestCheckpoint) have no
// default and must be implemented by the embedding connector.
package base

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/logger"
	"github.com/driftsync/driftsync/pkg/record"
)

// healthCheckInterval is how often the background probe runs when
// health checks are enabled.
const healthCheckInterval = 30 * time.Second

// BaseConnector implements the shared half of the connector contract.
type BaseConnector struct {
	name   string
	typ    string
	config *config.ConnectorConfig
	logger *zap.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool
	closeMutex sync.Mutex

	circuitBreaker *CircuitBreaker
	healthChecker  *HealthChecker
	retryPolicy    *RetryPolicy
	errorHandler   *ErrorHandler

	recordsRead    int64
	recordsApplied int64
	recordsFailed  int64
}

// NewBaseConnector creates a base connector with the given instance
// name and connector type.
func NewBaseConnector(name, typ string) *BaseConnector {
	return &BaseConnector{
		name:   name,
		typ:    typ,
		logger: logger.Get().With(zap.String("connector", name), zap.String("connector_type", typ)),
	}
}

// Initialize wires up the resilience machinery from configuration.
// Embedding connectors call this first from their own Initialize, then
// set up backend-specific state.
func (bc *BaseConnector) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if cfg == nil {
		return errors.New(errors.ErrorTypeConfig, "connector configuration is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	bc.config = cfg
	bc.ctx, bc.cancel = context.WithCancel(ctx)

	if cfg.Reliability.CircuitBreaker {
		bc.circuitBreaker = NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cfg.Reliability.FailureThreshold,
			RecoveryTimeout:  cfg.Reliability.RecoveryTimeout,
		}, bc.logger)
	}

	if cfg.Reliability.HealthCheck {
		bc.healthChecker = NewHealthChecker(bc.name, healthCheckInterval)
		bc.healthChecker.Start(bc.ctx)
	}

	bc.errorHandler = NewErrorHandler(bc.logger)
	bc.retryPolicy = DefaultRetryPolicy()

	bc.logger.Info("connector initialized")
	return nil
}

// Name returns the connector instance name.
func (bc *BaseConnector) Name() string {
	return bc.name
}

// Type returns the connector type.
func (bc *BaseConnector) Type() string {
	return bc.typ
}

// Config returns the connector configuration.
func (bc *BaseConnector) Config() *config.ConnectorConfig {
	return bc.config
}

// Logger returns the connector-scoped logger.
func (bc *BaseConnector) Logger() *zap.Logger {
	return bc.logger
}

// Context returns the connector lifecycle context. It is cancelled when
// the connector closes.
func (bc *BaseConnector) Context() context.Context {
	return bc.ctx
}

// SetHealthCheck installs the probe run on each health check tick.
// No-op when health checks are disabled.
func (bc *BaseConnector) SetHealthCheck(fn func(ctx context.Context) error) {
	if bc.healthChecker != nil {
		bc.healthChecker.SetCheckFunc(fn)
	}
}

// SetRetryPolicy replaces the default retry policy.
func (bc *BaseConnector) SetRetryPolicy(policy *RetryPolicy) {
	if policy != nil {
		bc.retryPolicy = policy
	}
}

// Health reports the connector's current health. A closed connector is
// always unhealthy.
func (bc *BaseConnector) Health(ctx context.Context) error {
	if bc.Closed() {
		return errors.New(errors.ErrorTypeConnectorUnavailable, "connector is closed")
	}

	if bc.healthChecker != nil {
		status := bc.healthChecker.GetStatus()
		if status.Status != core.HealthHealthy {
			return errors.Newf(errors.ErrorTypeConnectorUnavailable,
				"connector %s is %s: %s", bc.name, status.Status, status.Error)
		}
	}

	return nil
}

// Metrics returns the connector's operational counters.
func (bc *BaseConnector) Metrics() map[string]interface{} {
	m := map[string]interface{}{
		"name":            bc.name,
		"type":            bc.typ,
		"records_read":    atomic.LoadInt64(&bc.recordsRead),
		"records_applied": atomic.LoadInt64(&bc.recordsApplied),
		"records_failed":  atomic.LoadInt64(&bc.recordsFailed),
	}

	if bc.circuitBreaker != nil {
		state := bc.circuitBreaker.GetState()
		m["circuit_breaker_state"] = state.State
		m["circuit_breaker_failure_rate"] = state.FailureRate
	}

	if bc.healthChecker != nil {
		status := bc.healthChecker.GetStatus()
		m["health_status"] = status.Status
		m["health_check_count"] = bc.healthChecker.CheckCount()
		m["health_failure_count"] = bc.healthChecker.FailureCount()
	}

	if bc.errorHandler != nil {
		for k, v := range bc.errorHandler.Stats() {
			m[k] = v
		}
	}

	return m
}

// Validate applies the structural checks every connector shares.
// Connectors with schema expectations override this and call it first.
func (bc *BaseConnector) Validate(r *record.Record) error {
	if r == nil {
		return errors.New(errors.ErrorTypeValidation, "record is nil")
	}
	if r.Key == "" {
		return errors.New(errors.ErrorTypeValidation, "record key is empty")
	}
	if !r.Operation.Valid() {
		return errors.Newf(errors.ErrorTypeValidation, "unknown operation %q", r.Operation)
	}
	return nil
}

// ResolveConflict defers conflict resolution to the engine's configured
// strategy. Connectors with backend-native resolution override this.
func (bc *BaseConnector) ResolveConflict(existing, incoming *record.Record) (*record.Record, error) {
	return nil, nil
}

// Close shuts the connector down. Safe to call more than once.
func (bc *BaseConnector) Close(ctx context.Context) error {
	bc.closeMutex.Lock()
	defer bc.closeMutex.Unlock()

	if bc.closed {
		return nil
	}

	bc.logger.Info("closing connector")

	if bc.cancel != nil {
		bc.cancel()
	}
	if bc.healthChecker != nil {
		bc.healthChecker.Stop()
	}

	bc.closed = true
	return nil
}

// Closed reports whether Close has completed.
func (bc *BaseConnector) Closed() bool {
	bc.closeMutex.Lock()
	defer bc.closeMutex.Unlock()
	return bc.closed
}

// ExecuteWithRetry runs fn under the retry policy, retrying errors the
// error handler considers transient.
func (bc *BaseConnector) ExecuteWithRetry(ctx context.Context, fn func() error) error {
	return bc.retryPolicy.ExecuteWithCondition(ctx, fn, bc.errorHandler.ShouldRetry)
}

// ExecuteWithCircuitBreaker runs fn under breaker protection. Calls
// pass straight through when the breaker is disabled.
func (bc *BaseConnector) ExecuteWithCircuitBreaker(fn func() error) error {
	if bc.circuitBreaker == nil {
		return fn()
	}
	return bc.circuitBreaker.Execute(fn)
}

// HandleError routes an error through the connector's error handler.
func (bc *BaseConnector) HandleError(ctx context.Context, err error, rec *record.Record) error {
	return bc.errorHandler.Handle(ctx, err, rec)
}

// ShouldRetry reports whether the error handler considers err transient.
func (bc *BaseConnector) ShouldRetry(err error) bool {
	return bc.errorHandler.ShouldRetry(err)
}

// CircuitBreaker returns the breaker, or nil when disabled.
func (bc *BaseConnector) CircuitBreaker() *CircuitBreaker {
	return bc.circuitBreaker
}

// HealthChecker returns the health checker, or nil when disabled.
func (bc *BaseConnector) HealthChecker() *HealthChecker {
	return bc.healthChecker
}

// ObserveRead adds to the records-read counter.
func (bc *BaseConnector) ObserveRead(n int) {
	atomic.AddInt64(&bc.recordsRead, int64(n))
}

// ObserveApply adds to the applied and failed counters.
func (bc *BaseConnector) ObserveApply(applied, failed int) {
	atomic.AddInt64(&bc.recordsApplied, int64(applied))
	atomic.AddInt64(&bc.recordsFailed, int64(failed))
}
