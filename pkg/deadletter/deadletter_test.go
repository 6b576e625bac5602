package deadletter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/record"
)

func failedRecord(key string) *record.Record {
	return record.New(key, record.OpUpdate, map[string]interface{}{"name": key})
}

// sinkUnderTest runs the same contract checks against any Sink.
func sinkUnderTest(t *testing.T, sink Sink) {
	ctx := context.Background()

	t.Run("put and list", func(t *testing.T) {
		e1 := NewEntry("users-pg-to-kafka", failedRecord("u1"), ReasonValidationFailed, "missing email", 1)
		e2 := NewEntry("users-pg-to-kafka", failedRecord("u2"), ReasonRetriesExhausted, "connection refused", 3)
		e3 := NewEntry("orders-pg-to-s3", failedRecord("o1"), ReasonValidationFailed, "bad total", 1)

		require.NoError(t, sink.Put(ctx, e1))
		require.NoError(t, sink.Put(ctx, e2))
		require.NoError(t, sink.Put(ctx, e3))

		all, err := sink.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		byPair, err := sink.List(ctx, Filter{Pair: "users-pg-to-kafka"})
		require.NoError(t, err)
		assert.Len(t, byPair, 2)

		byReason, err := sink.List(ctx, Filter{Reason: ReasonRetriesExhausted})
		require.NoError(t, err)
		require.Len(t, byReason, 1)
		assert.Equal(t, "u2", byReason[0].Record.Key)
		assert.Equal(t, 3, byReason[0].Attempts)

		byKey, err := sink.List(ctx, Filter{Key: "o1"})
		require.NoError(t, err)
		require.Len(t, byKey, 1)
		assert.Equal(t, "orders-pg-to-s3", byKey[0].Pair)

		limited, err := sink.List(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("size per pair", func(t *testing.T) {
		n, err := sink.Size(ctx, "users-pg-to-kafka")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		total, err := sink.Size(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 3, total)
	})

	t.Run("requeue removes entry and returns record", func(t *testing.T) {
		entries, err := sink.List(ctx, Filter{Key: "u1"})
		require.NoError(t, err)
		require.Len(t, entries, 1)

		rec, err := sink.Requeue(ctx, entries[0].ID)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "u1", rec.Key)

		after, err := sink.List(ctx, Filter{Key: "u1"})
		require.NoError(t, err)
		assert.Empty(t, after, "requeued entry must leave the sink")

		_, err = sink.Requeue(ctx, entries[0].ID)
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("purge removes only old entries", func(t *testing.T) {
		old := NewEntry("users-pg-to-kafka", failedRecord("ancient"), ReasonRetriesExhausted, "", 5)
		old.FirstFailedAt = time.Now().UTC().Add(-48 * time.Hour)
		old.LastFailedAt = time.Now().UTC().Add(-48 * time.Hour)
		require.NoError(t, sink.Put(ctx, old))

		purged, err := sink.Purge(ctx, time.Now().UTC().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, purged)

		remaining, err := sink.List(ctx, Filter{})
		require.NoError(t, err)
		for _, e := range remaining {
			assert.NotEqual(t, "ancient", e.Record.Key)
		}
	})
}

func TestMemorySink(t *testing.T) {
	sinkUnderTest(t, NewMemorySink())
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, "zstd")
	require.NoError(t, err)
	defer sink.Close()

	sinkUnderTest(t, sink)
}

func TestFileSinkSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	sink, err := NewFileSink(dir, "zstd")
	require.NoError(t, err)

	entry := NewEntry("p1", failedRecord("u1"), ReasonValidationFailed, "missing email", 1)
	require.NoError(t, sink.Put(ctx, entry))
	require.NoError(t, sink.Close())

	reopened, err := NewFileSink(dir, "zstd")
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, "u1", entries[0].Record.Key)
	assert.Equal(t, "missing email", entries[0].Detail)
}

func TestFileSinkPurgeWritesArchive(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	sink, err := NewFileSink(dir, "zstd")
	require.NoError(t, err)
	defer sink.Close()

	old := NewEntry("p1", failedRecord("u1"), ReasonRetriesExhausted, "", 3)
	old.LastFailedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, sink.Put(ctx, old))

	purged, err := sink.Purge(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)

	var archived bool
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "archive-") && strings.HasSuffix(f.Name(), ".jsonl.zst") {
			archived = true
		}
	}
	assert.True(t, archived, "purged entries should be archived compressed")

	// Active file no longer holds the purged entry.
	data, err := os.ReadFile(filepath.Join(dir, activeFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(data), old.ID)
}

func TestFileSinkIgnoresTornLine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	sink, err := NewFileSink(dir, "none")
	require.NoError(t, err)
	entry := NewEntry("p1", failedRecord("u1"), ReasonValidationFailed, "", 1)
	require.NoError(t, sink.Put(ctx, entry))
	require.NoError(t, sink.Close())

	// Simulate a crash mid-append.
	f, err := os.OpenFile(filepath.Join(dir, activeFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"dlq-torn","pair":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileSink(dir, "none")
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
}

func TestPostgresSink(t *testing.T) {
	dsn := os.Getenv("DRIFTSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DRIFTSYNC_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	sink, err := NewPostgresSink(ctx, dsn)
	require.NoError(t, err)
	defer sink.Close()

	_, err = sink.Purge(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	sinkUnderTest(t, sink)
}
