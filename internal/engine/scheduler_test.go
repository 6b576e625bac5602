package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/deadletter"
)

func TestScheduledModeSyncsPeriodically(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig("sched")
	cfg.Pairs[0].Mode = config.ModeScheduled
	cfg.Pairs[0].Interval = 25 * time.Millisecond

	eng, err := New(cfg, checkpoint.NewMemoryStore(), deadletter.NewMemorySink())
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx)

	source := sourceOf(t, eng, "sched")
	target := targetOf(t, eng, "sched")
	source.Seed(rec("u1", "a", 100), rec("u2", "b", 100))

	require.Eventually(t, func() bool {
		return target.Len() == 2
	}, 3*time.Second, 10*time.Millisecond)

	// Later changes ride the next tick.
	source.Seed(rec("u3", "c", 100))
	require.Eventually(t, func() bool {
		return target.Len() == 3
	}, 3*time.Second, 10*time.Millisecond)

	hist, err := eng.History("sched")
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, triggerScheduled, hist[0].Trigger)
}

func TestRealTimeStreamingSyncsOnNotify(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig("stream")
	cfg.Pairs[0].Mode = config.ModeRealTime
	cfg.Pairs[0].Interval = 50 * time.Millisecond

	eng, err := New(cfg, checkpoint.NewMemoryStore(), deadletter.NewMemorySink())
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx)

	// The catch-up cycle runs once the stream is attached.
	require.Eventually(t, func() bool {
		hist, err := eng.History("stream")
		return err == nil && len(hist) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	source := sourceOf(t, eng, "stream")
	target := targetOf(t, eng, "stream")

	source.Seed(rec("u1", "a", 100))
	require.Eventually(t, func() bool {
		return target.Len() == 1
	}, 3*time.Second, 10*time.Millisecond)

	source.Seed(rec("u2", "b", 100))
	require.Eventually(t, func() bool {
		return target.Len() == 2
	}, 3*time.Second, 10*time.Millisecond)

	hist, err := eng.History("stream")
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, triggerStreaming, hist[0].Trigger)
}

// plainConnector narrows a connector to the non-streaming interface.
type plainConnector struct {
	core.Connector
}

func TestRealTimeFallsBackToPollingWithoutStream(t *testing.T) {
	cfg := testPairConfig("poll")
	cfg.Mode = config.ModeRealTime
	cfg.Interval = 25 * time.Millisecond

	fx := newFixture(t, cfg, func(source, target core.Connector) (core.Connector, core.Connector) {
		return &plainConnector{Connector: source}, target
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	fx.pair.startScheduler(ctx, &wg)

	fx.source.Seed(rec("u1", "a", 100))
	require.Eventually(t, func() bool {
		return fx.target.Len() == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestManualModeHasNoScheduler(t *testing.T) {
	cfg := testPairConfig("manual")
	cfg.Interval = 20 * time.Millisecond
	fx := newFixture(t, cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	fx.pair.startScheduler(ctx, &wg)
	// No goroutines were launched for a manual pair.
	wg.Wait()

	fx.source.Seed(rec("u1", "a", 100))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, fx.target.Len())

	fx.pair.syncNow(ctx, triggerManual)
	assert.Equal(t, 1, fx.target.Len())
}
