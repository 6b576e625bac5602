package base

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/errors"
)

func TestHealthCheckerWithoutProbeStaysHealthy(t *testing.T) {
	hc := NewHealthChecker("users", time.Minute)
	hc.runCheck(context.Background())

	st := hc.GetStatus()
	assert.Equal(t, core.HealthHealthy, st.Status)
	assert.Empty(t, st.Error)
	assert.EqualValues(t, 1, hc.CheckCount())
	assert.Zero(t, hc.FailureCount())
}

func TestHealthCheckerDegradesThenUnhealthy(t *testing.T) {
	hc := NewHealthChecker("users", time.Minute)
	hc.SetCheckFunc(func(ctx context.Context) error {
		return errors.New(errors.ErrorTypeConnectorUnavailable, "backend down")
	})

	hc.runCheck(context.Background())
	assert.Equal(t, core.HealthDegraded, hc.GetStatus().Status, "first failure only degrades")

	hc.runCheck(context.Background())
	assert.Equal(t, core.HealthDegraded, hc.GetStatus().Status)

	hc.runCheck(context.Background())
	st := hc.GetStatus()
	assert.Equal(t, core.HealthUnhealthy, st.Status)
	assert.Contains(t, st.Error, "backend down")
	assert.Equal(t, 3, st.Details["consecutive_failures"])
}

func TestHealthCheckerRecoversOnSuccess(t *testing.T) {
	hc := NewHealthChecker("users", time.Minute)
	healthy := false
	hc.SetCheckFunc(func(ctx context.Context) error {
		if healthy {
			return nil
		}
		return errors.New(errors.ErrorTypeTimeout, "slow backend")
	})

	for i := 0; i < unhealthyAfter; i++ {
		hc.runCheck(context.Background())
	}
	require.Equal(t, core.HealthUnhealthy, hc.GetStatus().Status)

	healthy = true
	hc.runCheck(context.Background())

	st := hc.GetStatus()
	assert.Equal(t, core.HealthHealthy, st.Status, "a single success resets the streak")
	assert.Empty(t, st.Error)
	assert.NotContains(t, st.Details, "consecutive_failures")
	assert.EqualValues(t, unhealthyAfter, hc.FailureCount())
}

func TestHealthCheckerPeriodicLoop(t *testing.T) {
	hc := NewHealthChecker("users", 5*time.Millisecond)
	hc.Start(context.Background())
	defer hc.Stop()

	require.Eventually(t, func() bool { return hc.CheckCount() >= 2 },
		time.Second, 5*time.Millisecond)
}
