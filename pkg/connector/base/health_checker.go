package base

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/logger"
)

const (
	// unhealthyAfter is the consecutive-failure count that demotes a
	// connector from degraded to unhealthy.
	unhealthyAfter = 3

	// probeTimeout bounds a single health probe.
	probeTimeout = 10 * time.Second
)

// HealthChecker runs a connector-supplied probe on a fixed interval and
// derives a rolling health status from the outcomes. A connector that
// never installs a probe reports healthy.
type HealthChecker struct {
	name     string
	interval time.Duration
	logger   *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	probe     func(ctx context.Context) error
	lastCheck time.Time
	lastErr   error
	streak    int // consecutive failed probes
	checks    int64
	failures  int64
}

// NewHealthChecker creates a health checker for the named connector.
func NewHealthChecker(name string, interval time.Duration) *HealthChecker {
	return &HealthChecker{
		name:     name,
		interval: interval,
		logger:   logger.Get().With(zap.String("component", "health_checker"), zap.String("connector", name)),
		stopCh:   make(chan struct{}),
	}
}

// SetCheckFunc installs the probe executed on each tick. Connectors
// call this after the checker is already running, so the probe is
// swapped under the status lock.
func (hc *HealthChecker) SetCheckFunc(fn func(ctx context.Context) error) {
	hc.mu.Lock()
	hc.probe = fn
	hc.mu.Unlock()
}

// Start begins periodic checks until Stop or ctx cancellation.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.wg.Add(1)
	go func() {
		defer hc.wg.Done()
		ticker := time.NewTicker(hc.interval)
		defer ticker.Stop()

		hc.runCheck(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hc.stopCh:
				return
			case <-ticker.C:
				hc.runCheck(ctx)
			}
		}
	}()
}

// Stop terminates the check loop and waits for it to exit. Stop must be
// called at most once.
func (hc *HealthChecker) Stop() {
	close(hc.stopCh)
	hc.wg.Wait()
}

func (hc *HealthChecker) runCheck(ctx context.Context) {
	hc.mu.Lock()
	probe := hc.probe
	hc.mu.Unlock()

	var err error
	if probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err = probe(probeCtx)
		cancel()
	}

	hc.mu.Lock()
	hc.checks++
	hc.lastCheck = time.Now()
	hc.lastErr = err
	if err != nil {
		hc.failures++
		hc.streak++
	} else {
		hc.streak = 0
	}
	status := hc.statusLocked()
	streak := hc.streak
	hc.mu.Unlock()

	if err != nil {
		hc.logger.Warn("health check failed",
			zap.Error(err),
			zap.String("status", status),
			zap.Int("consecutive_failures", streak))
	} else {
		hc.logger.Debug("health check passed")
	}
}

func (hc *HealthChecker) statusLocked() string {
	switch {
	case hc.streak == 0:
		return core.HealthHealthy
	case hc.streak < unhealthyAfter:
		return core.HealthDegraded
	default:
		return core.HealthUnhealthy
	}
}

// GetStatus returns a snapshot of the current health. The timestamp is
// zero until the first check completes.
func (hc *HealthChecker) GetStatus() *core.HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	st := &core.HealthStatus{
		Status:    hc.statusLocked(),
		Timestamp: hc.lastCheck,
		Details: map[string]interface{}{
			"check_count":   hc.checks,
			"failure_count": hc.failures,
		},
	}
	if hc.lastErr != nil {
		st.Error = hc.lastErr.Error()
		st.Details["consecutive_failures"] = hc.streak
	}
	return st
}

// CheckCount returns the total number of checks performed.
func (hc *HealthChecker) CheckCount() int64 {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.checks
}

// FailureCount returns the total number of failed checks.
func (hc *HealthChecker) FailureCount() int64 {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.failures
}
