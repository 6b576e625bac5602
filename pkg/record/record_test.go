package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	rec := New("u1", OpUpdate, map[string]interface{}{"val": "A"})
	defer rec.Release()

	assert.Equal(t, "u1", rec.Key)
	assert.Equal(t, OpUpdate, rec.Operation)
	assert.True(t, rec.IsUpdate())
	assert.False(t, rec.IsDelete())
	assert.False(t, rec.Timestamp.IsZero())

	val, ok := rec.PayloadField("val")
	require.True(t, ok)
	assert.Equal(t, "A", val)
}

func TestNewAtKeepsTimestamp(t *testing.T) {
	ts := time.Unix(100, 0).UTC()
	rec := NewAt("u1", OpCreate, nil, ts)
	defer rec.Release()

	assert.Equal(t, ts, rec.Timestamp)
}

func TestOperationValid(t *testing.T) {
	assert.True(t, OpCreate.Valid())
	assert.True(t, OpUpdate.Valid())
	assert.True(t, OpDelete.Valid())
	assert.False(t, Operation("merge").Valid())
	assert.False(t, Operation("").Valid())
}

func TestPoolResetsRecords(t *testing.T) {
	rec := New("u1", OpUpdate, nil)
	rec.SetPayloadField("val", "A")
	rec.SetMetadata("offset", int64(7))
	rec.Version = "v3"
	rec.Release()

	// The next pooled record must come back clean
	fresh := GetRecord()
	defer fresh.Release()

	assert.Empty(t, fresh.Key)
	assert.Empty(t, fresh.Version)
	assert.Empty(t, fresh.Operation)
	assert.True(t, fresh.Timestamp.IsZero())
	assert.Empty(t, fresh.Payload)
	_, ok := fresh.GetMetadata("offset")
	assert.False(t, ok)
}

func TestClone(t *testing.T) {
	rec := NewAt("u1", OpUpdate, map[string]interface{}{"val": "A"}, time.Unix(100, 0))
	defer rec.Release()
	rec.Version = "v2"
	rec.SetMetadata("partition", 3)

	clone := rec.Clone()

	assert.Equal(t, rec.Key, clone.Key)
	assert.Equal(t, rec.Operation, clone.Operation)
	assert.Equal(t, rec.Timestamp, clone.Timestamp)
	assert.Equal(t, rec.Version, clone.Version)
	assert.Equal(t, rec.Payload, clone.Payload)

	// Mutating the clone must not touch the original
	clone.Payload["val"] = "B"
	v, _ := rec.PayloadField("val")
	assert.Equal(t, "A", v)
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	a := New("u1", OpUpdate, map[string]interface{}{"x": 1, "y": "two", "z": true})
	defer a.Release()
	b := New("u1", OpUpdate, map[string]interface{}{"z": true, "y": "two", "x": 1})
	defer b.Release()

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.True(t, PayloadEqual(a, b))
}

func TestHashDetectsDifference(t *testing.T) {
	a := New("u1", OpUpdate, map[string]interface{}{"val": "A"})
	defer a.Release()
	b := New("u1", OpUpdate, map[string]interface{}{"val": "B"})
	defer b.Release()

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
	assert.False(t, PayloadEqual(a, b))
}

func TestHashInvalidatedBySetPayloadField(t *testing.T) {
	rec := New("u1", OpUpdate, map[string]interface{}{"val": "A"})
	defer rec.Release()

	h1, err := rec.Hash()
	require.NoError(t, err)

	rec.SetPayloadField("val", "B")
	h2, err := rec.Hash()
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestHashEmptyPayload(t *testing.T) {
	rec := New("u1", OpDelete, nil)
	defer rec.Release()

	h, err := rec.Hash()
	require.NoError(t, err)
	assert.Zero(t, h)
	assert.False(t, rec.HasPayload())
}

func TestPayloadEqualNilHandling(t *testing.T) {
	a := New("u1", OpDelete, nil)
	defer a.Release()
	b := New("u1", OpDelete, nil)
	defer b.Release()
	c := New("u1", OpUpdate, map[string]interface{}{"val": "A"})
	defer c.Release()

	assert.True(t, PayloadEqual(a, b))
	assert.False(t, PayloadEqual(a, c))
	assert.False(t, PayloadEqual(nil, c))
	assert.True(t, PayloadEqual(nil, nil))
}

func TestGenerateIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateID("run")
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestGenerateIDConcurrent(t *testing.T) {
	const goroutines = 8
	const perG = 200

	ids := make(chan string, goroutines*perG)
	done := make(chan struct{})

	for g := 0; g < goroutines; g++ {
		go func() {
			for i := 0; i < perG; i++ {
				ids <- GenerateID("rec")
			}
			done <- struct{}{}
		}()
	}
	for g := 0; g < goroutines; g++ {
		<-done
	}
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines*perG)
}

func TestBatchPool(t *testing.T) {
	batch := GetBatch(10)
	assert.Empty(t, batch)

	batch = append(batch, New("u1", OpCreate, nil))
	batch[0].Release()
	PutBatch(batch)

	// Requesting more than the pooled capacity grows the slice
	big := GetBatch(5000)
	assert.Empty(t, big)
	assert.GreaterOrEqual(t, cap(big), 5000)
	PutBatch(big)
}
