package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/connector/registry"
	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/record"
)

func TestRegisteredInGlobalRegistry(t *testing.T) {
	assert.True(t, registry.Exists(Type))
}

func TestInitializeRequiresDSN(t *testing.T) {
	cfg := config.NewConnectorConfig("users", Type)
	cfg.Reliability.HealthCheck = false

	c := New("users")
	err := c.Initialize(context.Background(), &cfg)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfig, errors.GetType(err))
}

func TestInitializeRejectsBadTableName(t *testing.T) {
	cfg := config.NewConnectorConfig("users", Type)
	cfg.Reliability.HealthCheck = false
	cfg.Settings["dsn"] = "postgres://localhost/driftsync"
	cfg.Settings["table"] = "bad; DROP TABLE users"

	c := New("users")
	err := c.Initialize(context.Background(), &cfg)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfig, errors.GetType(err))
}

func TestIndexSafe(t *testing.T) {
	assert.Equal(t, "driftsync_records", indexSafe("driftsync_records"))
	assert.Equal(t, "sync_records", indexSafe("sync.records"))
}

// The tests below run against a live database when
// DRIFTSYNC_TEST_PG_DSN is set.

func newLiveConnector(t *testing.T) *Connector {
	t.Helper()

	dsn := os.Getenv("DRIFTSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DRIFTSYNC_TEST_PG_DSN not set")
	}

	cfg := config.NewConnectorConfig("users", Type)
	cfg.Reliability.HealthCheck = false
	cfg.Settings["dsn"] = dsn
	cfg.Settings["table"] = fmt.Sprintf("driftsync_test_%d", time.Now().UnixNano())

	c := New("users")
	require.NoError(t, c.Initialize(context.Background(), &cfg))

	t.Cleanup(func() {
		ctx := context.Background()
		if c.pool != nil {
			_, _ = c.pool.Exec(ctx, "DROP TABLE IF EXISTS "+c.table)
		}
		_ = c.Close(ctx)
	})

	return c
}

func TestApplyFetchListRoundTrip(t *testing.T) {
	c := newLiveConnector(t)
	ctx := context.Background()

	results, err := c.ApplyChanges(ctx, []*record.Record{
		record.New("u1", record.OpCreate, map[string]interface{}{"name": "Ada"}),
		record.New("u2", record.OpCreate, map[string]interface{}{"name": "Grace"}),
	})
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, core.ApplyStatusApplied, res.Status)
	}

	fetched, err := c.Fetch(ctx, []string{"u1", "u2", "missing"})
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	assert.Equal(t, "Ada", fetched["u1"].Payload["name"])

	batch, err := c.ListChanges(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.False(t, batch.HasMore)
	require.NotNil(t, batch.NextCheckpoint)

	// Resuming from the returned checkpoint yields nothing new.
	again, err := c.ListChanges(ctx, batch.NextCheckpoint, 10)
	require.NoError(t, err)
	assert.Empty(t, again.Records)
}

func TestSoftDeleteVisibleAsChange(t *testing.T) {
	c := newLiveConnector(t)
	ctx := context.Background()

	_, err := c.ApplyChanges(ctx, []*record.Record{
		record.New("u1", record.OpCreate, map[string]interface{}{"name": "Ada"}),
	})
	require.NoError(t, err)

	first, err := c.ListChanges(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, first.Records, 1)

	_, err = c.ApplyChanges(ctx, []*record.Record{
		record.New("u1", record.OpDelete, nil),
	})
	require.NoError(t, err)

	// Deleted rows disappear from Fetch but still flow as changes.
	fetched, err := c.Fetch(ctx, []string{"u1"})
	require.NoError(t, err)
	assert.Empty(t, fetched)

	batch, err := c.ListChanges(ctx, first.NextCheckpoint, 10)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, record.OpDelete, batch.Records[0].Operation)
}

func TestUpdateAdvancesChangeSequence(t *testing.T) {
	c := newLiveConnector(t)
	ctx := context.Background()

	_, err := c.ApplyChanges(ctx, []*record.Record{
		record.New("u1", record.OpCreate, map[string]interface{}{"name": "Ada"}),
	})
	require.NoError(t, err)

	first, err := c.GetLatestCheckpoint(ctx)
	require.NoError(t, err)

	_, err = c.ApplyChanges(ctx, []*record.Record{
		record.New("u1", record.OpUpdate, map[string]interface{}{"name": "Ada Lovelace"}),
	})
	require.NoError(t, err)

	// The update re-sequences the row past the old checkpoint.
	batch, err := c.ListChanges(ctx, first, 10)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "Ada Lovelace", batch.Records[0].Payload["name"])
	assert.Equal(t, "2", batch.Records[0].Version)
}

func TestListChangesPaging(t *testing.T) {
	c := newLiveConnector(t)
	ctx := context.Background()

	var recs []*record.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, record.New(fmt.Sprintf("u%d", i), record.OpCreate,
			map[string]interface{}{"i": i}))
	}
	_, err := c.ApplyChanges(ctx, recs)
	require.NoError(t, err)

	batch, err := c.ListChanges(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 2)
	assert.True(t, batch.HasMore)

	rest, err := c.ListChanges(ctx, batch.NextCheckpoint, 10)
	require.NoError(t, err)
	assert.Len(t, rest.Records, 3)
	assert.False(t, rest.HasMore)
}

func TestListChangesRejectsForeignCheckpoint(t *testing.T) {
	c := newLiveConnector(t)

	batch, err := c.ListChanges(context.Background(), checkpoint.New("lsn/16/B374D848"), 10)
	require.Error(t, err)
	assert.Nil(t, batch)
	assert.Equal(t, errors.ErrorTypeValidation, errors.GetType(err))
}
