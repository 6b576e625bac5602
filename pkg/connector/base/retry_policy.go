package base

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/errors"
)

// RetryPolicy retries failed operations with exponential backoff. The
// delay grows by Multiplier each attempt, is capped at MaxDelay, and
// carries RandomizeFactor jitter so synchronized callers spread out.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewRetryPolicy builds a policy from pair-level retry limits.
func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialDelay:    cfg.InitialDelay,
		MaxDelay:        cfg.MaxDelay,
		Multiplier:      cfg.Multiplier,
		RandomizeFactor: cfg.RandomizeFactor,
	}
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(config.NewRetryConfig())
}

// NoRetryPolicy returns a policy that runs the operation exactly once.
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// Execute runs fn, retrying typed transient errors until the attempt
// ceiling is reached.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	return rp.ExecuteWithCondition(ctx, fn, errors.IsRetryable)
}

// ExecuteWithCondition runs fn and retries only while shouldRetry
// accepts the returned error. The first non-retryable error is returned
// unchanged so callers can inspect its type. Waits between attempts are
// cancellable through ctx.
func (rp *RetryPolicy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	attempts := rp.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		if attempt+1 >= attempts {
			return fmt.Errorf("all %d attempts failed: %w", attempts, err)
		}
		if waitErr := rp.wait(ctx, rp.GetDelay(attempt)); waitErr != nil {
			return waitErr
		}
	}
}

// GetDelay reports the backoff taken after attempt failures: the
// initial delay scaled Multiplier times, capped at MaxDelay, with
// jitter applied last.
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	d := float64(rp.InitialDelay)
	for i := 0; i < attempt && d < float64(rp.MaxDelay); i++ {
		d *= rp.Multiplier
	}
	if d > float64(rp.MaxDelay) {
		d = float64(rp.MaxDelay)
	}
	if rp.RandomizeFactor > 0 {
		d *= 1 + rp.RandomizeFactor*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

func (rp *RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
