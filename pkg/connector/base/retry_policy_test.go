package base

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/errors"
)

func fastPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     attempts,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2.0,
		RandomizeFactor: 0,
	}
}

func TestNewRetryPolicyFromConfig(t *testing.T) {
	policy := NewRetryPolicy(config.NewRetryConfig())

	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.InitialDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)
	assert.Equal(t, 2.0, policy.Multiplier)
	assert.Equal(t, 0.25, policy.RandomizeFactor)
}

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrorTypeTimeout, "slow backend")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New(errors.ErrorTypeValidation, "bad record")

	err := fastPolicy(5).Execute(context.Background(), func() error {
		calls++
		return permanent
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable error must not be retried")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Execute(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrorTypeConnectorUnavailable, "down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.True(t, errors.IsRetryable(err), "wrapped cause keeps its type")
}

func TestExecuteWithConditionUsesPredicate(t *testing.T) {
	calls := 0
	err := fastPolicy(4).ExecuteWithCondition(context.Background(),
		func() error {
			calls++
			return fmt.Errorf("opaque failure")
		},
		func(err error) bool { return calls < 2 },
	)

	require.Error(t, err)
	assert.Equal(t, 2, calls, "predicate rejected the second failure")
	assert.Equal(t, "opaque failure", err.Error())
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Minute,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}

	calls := 0
	err := policy.Execute(ctx, func() error {
		calls++
		cancel()
		return errors.New(errors.ErrorTypeTimeout, "slow backend")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "retry cancelled")
}

func TestNoRetryPolicySingleAttempt(t *testing.T) {
	calls := 0
	err := NoRetryPolicy().Execute(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrorTypeTimeout, "slow backend")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestGetDelayGrowsAndCaps(t *testing.T) {
	policy := &RetryPolicy{
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        400 * time.Millisecond,
		Multiplier:      2.0,
		RandomizeFactor: 0,
	}

	assert.Equal(t, 100*time.Millisecond, policy.GetDelay(0))
	assert.Equal(t, 200*time.Millisecond, policy.GetDelay(1))
	assert.Equal(t, 400*time.Millisecond, policy.GetDelay(2))
	assert.Equal(t, 400*time.Millisecond, policy.GetDelay(3), "delay stays capped")
}

func TestGetDelayJitterStaysInBounds(t *testing.T) {
	policy := &RetryPolicy{
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}

	for i := 0; i < 50; i++ {
		d := policy.GetDelay(0)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
