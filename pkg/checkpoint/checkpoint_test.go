package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointClone(t *testing.T) {
	cp := New("lsn/16B2C50")
	cp.SetMeta("slot", "driftsync_users")

	clone := cp.Clone()
	require.NotNil(t, clone)
	assert.Equal(t, cp.Position, clone.Position)

	clone.SetMeta("slot", "changed")
	v, _ := cp.Meta("slot")
	assert.Equal(t, "driftsync_users", v, "clone must not share metadata")

	var nilCP *Checkpoint
	assert.Nil(t, nilCP.Clone())
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	t.Run("load absent returns nil", func(t *testing.T) {
		cp, err := store.Load(ctx, "users-pg-to-kafka")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("save and load round trip", func(t *testing.T) {
		cp := New("offset:100")
		cp.SetMeta("topic", "users")
		require.NoError(t, store.Save(ctx, "users-pg-to-kafka", cp))
		assert.Equal(t, int64(1), cp.Version)

		loaded, err := store.Load(ctx, "users-pg-to-kafka")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "offset:100", loaded.Position)
		topic, ok := loaded.Meta("topic")
		assert.True(t, ok)
		assert.Equal(t, "users", topic)
	})

	t.Run("versions increase monotonically", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			cp := New("offset:200")
			require.NoError(t, store.Save(ctx, "users-pg-to-kafka", cp))
		}
		loaded, err := store.Load(ctx, "users-pg-to-kafka")
		require.NoError(t, err)
		assert.Equal(t, int64(6), loaded.Version)
	})

	t.Run("pairs are isolated", func(t *testing.T) {
		other, err := store.Load(ctx, "orders-pg-to-s3")
		require.NoError(t, err)
		assert.Nil(t, other)
	})

	t.Run("reset removes checkpoint", func(t *testing.T) {
		require.NoError(t, store.Reset(ctx, "users-pg-to-kafka"))
		cp, err := store.Load(ctx, "users-pg-to-kafka")
		require.NoError(t, err)
		assert.Nil(t, cp)

		// Resetting again is not an error.
		require.NoError(t, store.Reset(ctx, "users-pg-to-kafka"))
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	cp := New("offset:1")
	require.NoError(t, store.Save(ctx, "p1", cp))

	loaded, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	loaded.Position = "offset:mutated"

	again, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "offset:1", again.Position)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("load absent returns nil", func(t *testing.T) {
		cp, err := store.Load(ctx, "users-pg-to-kafka")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("save writes durable file", func(t *testing.T) {
		cp := New("lsn/16B2C50")
		cp.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		cp.SetMeta("slot", "driftsync_users")
		require.NoError(t, store.Save(ctx, "users-pg-to-kafka", cp))
		assert.Equal(t, int64(1), cp.Version)

		// The file lands under the sanitized pair name with no temp file
		// left behind.
		_, err := os.Stat(filepath.Join(dir, "users-pg-to-kafka.json"))
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(dir, "users-pg-to-kafka.json.tmp"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("reload after reopen", func(t *testing.T) {
		reopened, err := NewFileStore(dir)
		require.NoError(t, err)

		loaded, err := reopened.Load(ctx, "users-pg-to-kafka")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "lsn/16B2C50", loaded.Position)
		assert.Equal(t, int64(1), loaded.Version)
		slot, _ := loaded.Meta("slot")
		assert.Equal(t, "driftsync_users", slot)
	})

	t.Run("version survives process restarts", func(t *testing.T) {
		reopened, err := NewFileStore(dir)
		require.NoError(t, err)

		cp := New("lsn/16B2D00")
		require.NoError(t, reopened.Save(ctx, "users-pg-to-kafka", cp))
		assert.Equal(t, int64(2), cp.Version)
	})

	t.Run("corrupt file surfaces checkpoint error", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

		_, err := store.Load(ctx, "broken")
		require.Error(t, err)
	})

	t.Run("reset removes file", func(t *testing.T) {
		require.NoError(t, store.Reset(ctx, "users-pg-to-kafka"))
		cp, err := store.Load(ctx, "users-pg-to-kafka")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("pair ids with separators are sanitized", func(t *testing.T) {
		cp := New("offset:1")
		require.NoError(t, store.Save(ctx, "tenant/alpha:users", cp))
		_, err := os.Stat(filepath.Join(dir, "tenant_alpha_users.json"))
		require.NoError(t, err)
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DRIFTSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DRIFTSYNC_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	pairID := "checkpoint-test-pair"
	require.NoError(t, store.Reset(ctx, pairID))

	cp := New("offset:500")
	cp.SetMeta("table", "users")
	require.NoError(t, store.Save(ctx, pairID, cp))
	first := cp.Version

	require.NoError(t, store.Save(ctx, pairID, New("offset:600")))

	loaded, err := store.Load(ctx, pairID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "offset:600", loaded.Position)
	assert.Equal(t, first+1, loaded.Version)

	require.NoError(t, store.Reset(ctx, pairID))
	loaded, err = store.Load(ctx, pairID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
