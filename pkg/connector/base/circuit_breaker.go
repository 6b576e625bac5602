package base

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	// StateClosed allows all requests to pass through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a limited number of probe requests.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes when the breaker opens and recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker
	FailureThreshold int
	// SuccessThreshold is the consecutive-success count that closes it again
	SuccessThreshold int
	// RecoveryTimeout is how long the breaker stays open before probing
	RecoveryTimeout time.Duration
}

// CircuitBreaker shields a connector from a failing backend. After
// FailureThreshold consecutive failures (or a window failure rate above
// half) it opens and rejects calls with a retryable error, probes again
// after RecoveryTimeout, and closes once SuccessThreshold probes pass.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger

	state           int32
	lastStateChange time.Time
	nextRetryTime   time.Time

	consecutiveFailures  int32
	consecutiveSuccesses int32

	window          *slidingWindow
	halfOpenLimit   int32
	halfOpenCounter int32

	mu sync.RWMutex
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CircuitBreaker{
		config:          cfg,
		logger:          logger.With(zap.String("component", "circuit_breaker")),
		state:           int32(StateClosed),
		lastStateChange: time.Now(),
		halfOpenLimit:   5,
		window:          newSlidingWindow(10*time.Second, time.Minute),
	}
}

// Execute runs fn under breaker protection. When the circuit is open
// the call is rejected immediately with a retryable error.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return errors.New(errors.ErrorTypeConnectorUnavailable, "circuit breaker is open")
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}

// Allow reports whether a request may proceed in the current state.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		return true

	case StateOpen:
		cb.mu.RLock()
		shouldProbe := time.Now().After(cb.nextRetryTime)
		cb.mu.RUnlock()

		if shouldProbe {
			cb.transitionToHalfOpen()
			return cb.allowHalfOpen()
		}
		return false

	case StateHalfOpen:
		return cb.allowHalfOpen()

	default:
		return false
	}
}

// RecordSuccess records a successful call. In half-open state enough
// consecutive successes close the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.window.record(true)

	switch CircuitState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		atomic.StoreInt32(&cb.consecutiveFailures, 0)

	case StateHalfOpen:
		successes := atomic.AddInt32(&cb.consecutiveSuccesses, 1)
		if successes >= int32(cb.config.SuccessThreshold) {
			cb.transitionToClosed()
		}
	}
}

// windowMinRequests is the traffic floor below which the window
// failure rate is ignored, so a single early failure cannot open the
// breaker on its own.
const windowMinRequests = 10

// RecordFailure records a failed call. In closed state too many
// failures open the circuit; in half-open any failure reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.window.record(false)

	switch CircuitState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		failures := atomic.AddInt32(&cb.consecutiveFailures, 1)
		total, _, rate := cb.window.stats()
		if failures >= int32(cb.config.FailureThreshold) || (total >= windowMinRequests && rate > 0.5) {
			cb.transitionToOpen()
		}

	case StateHalfOpen:
		cb.transitionToOpen()
	}
}

func (cb *CircuitBreaker) allowHalfOpen() bool {
	if atomic.LoadInt32(&cb.halfOpenCounter) >= cb.halfOpenLimit {
		return false
	}
	atomic.AddInt32(&cb.halfOpenCounter, 1)
	return true
}

func (cb *CircuitBreaker) transitionToOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateOpen)) {
		atomic.CompareAndSwapInt32(&cb.state, int32(StateClosed), int32(StateOpen))
	}

	cb.lastStateChange = time.Now()
	cb.nextRetryTime = time.Now().Add(cb.config.RecoveryTimeout)
	atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt32(&cb.halfOpenCounter, 0)

	cb.logger.Warn("circuit breaker opened",
		zap.Time("retry_after", cb.nextRetryTime),
		zap.Int32("consecutive_failures", atomic.LoadInt32(&cb.consecutiveFailures)))
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if atomic.CompareAndSwapInt32(&cb.state, int32(StateOpen), int32(StateHalfOpen)) {
		cb.lastStateChange = time.Now()
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
		atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
		atomic.StoreInt32(&cb.halfOpenCounter, 0)

		cb.logger.Info("circuit breaker half-open")
	}
}

func (cb *CircuitBreaker) transitionToClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateClosed)) {
		cb.lastStateChange = time.Now()
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
		atomic.StoreInt32(&cb.halfOpenCounter, 0)

		cb.logger.Info("circuit breaker closed")
	}
}

// CircuitBreakerState is a snapshot of the breaker for monitoring.
type CircuitBreakerState struct {
	State                string    `json:"state"`
	LastStateChange      time.Time `json:"last_state_change"`
	ConsecutiveFailures  int32     `json:"consecutive_failures"`
	ConsecutiveSuccesses int32     `json:"consecutive_successes"`
	TotalRequests        int64     `json:"total_requests"`
	FailedRequests       int64     `json:"failed_requests"`
	FailureRate          float64   `json:"failure_rate"`
	NextRetryTime        time.Time `json:"next_retry_time,omitempty"`
}

// GetState returns the current state together with window statistics.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	total, failed, rate := cb.window.stats()

	return CircuitBreakerState{
		State:                CircuitState(atomic.LoadInt32(&cb.state)).String(),
		LastStateChange:      cb.lastStateChange,
		ConsecutiveFailures:  atomic.LoadInt32(&cb.consecutiveFailures),
		ConsecutiveSuccesses: atomic.LoadInt32(&cb.consecutiveSuccesses),
		TotalRequests:        total,
		FailedRequests:       failed,
		FailureRate:          rate,
		NextRetryTime:        cb.nextRetryTime,
	}
}

// slidingWindow tracks request outcomes over a rolling time window so
// the breaker can react to failure rates, not just consecutive runs.
type slidingWindow struct {
	buckets        []int64
	failureBuckets []int64
	bucketSize     time.Duration
	currentBucket  int
	lastUpdate     time.Time
	mu             sync.Mutex
}

func newSlidingWindow(bucketSize, windowSize time.Duration) *slidingWindow {
	numBuckets := int(windowSize / bucketSize)
	return &slidingWindow{
		buckets:        make([]int64, numBuckets),
		failureBuckets: make([]int64, numBuckets),
		bucketSize:     bucketSize,
		lastUpdate:     time.Now(),
	}
}

func (sw *slidingWindow) record(success bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()

	sw.buckets[sw.currentBucket]++
	if !success {
		sw.failureBuckets[sw.currentBucket]++
	}
}

// advance rotates expired buckets forward to the current time.
func (sw *slidingWindow) advance() {
	now := time.Now()
	elapsed := now.Sub(sw.lastUpdate)

	if elapsed < sw.bucketSize {
		return
	}

	steps := int(elapsed / sw.bucketSize)
	if steps > len(sw.buckets) {
		steps = len(sw.buckets)
	}

	for i := 0; i < steps; i++ {
		sw.currentBucket = (sw.currentBucket + 1) % len(sw.buckets)
		sw.buckets[sw.currentBucket] = 0
		sw.failureBuckets[sw.currentBucket] = 0
	}

	sw.lastUpdate = now
}

func (sw *slidingWindow) stats() (total, failed int64, rate float64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	total, failed = sw.totalsLocked()
	if total > 0 {
		rate = float64(failed) / float64(total)
	}
	return total, failed, rate
}

func (sw *slidingWindow) totalsLocked() (total, failed int64) {
	for i := range sw.buckets {
		total += sw.buckets[i]
		failed += sw.failureBuckets[i]
	}
	return total, failed
}
