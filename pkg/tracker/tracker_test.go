package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/driftsync/driftsync/pkg/record"
)

func rec(key string, op record.Operation, payload map[string]interface{}) *record.Record {
	return record.New(key, op, payload)
}

func TestDetect(t *testing.T) {
	tr := New()

	tests := []struct {
		name     string
		existing *record.Record
		incoming *record.Record
		want     State
	}{
		{
			name:     "absent target means new",
			existing: nil,
			incoming: rec("u1", record.OpCreate, map[string]interface{}{"name": "A"}),
			want:     StateNew,
		},
		{
			name:     "identical payload means unchanged",
			existing: rec("u1", record.OpUpdate, map[string]interface{}{"name": "A", "age": 30}),
			incoming: rec("u1", record.OpUpdate, map[string]interface{}{"age": 30, "name": "A"}),
			want:     StateUnchanged,
		},
		{
			name:     "differing payload means conflict",
			existing: rec("u1", record.OpUpdate, map[string]interface{}{"name": "B"}),
			incoming: rec("u1", record.OpUpdate, map[string]interface{}{"name": "A"}),
			want:     StateConflict,
		},
		{
			name:     "delete of present key",
			existing: rec("u1", record.OpUpdate, map[string]interface{}{"name": "A"}),
			incoming: rec("u1", record.OpDelete, nil),
			want:     StateDeleted,
		},
		{
			name:     "delete of absent key is unchanged",
			existing: nil,
			incoming: rec("u1", record.OpDelete, nil),
			want:     StateUnchanged,
		},
		{
			name: "version equality without payloads",
			existing: func() *record.Record {
				r := rec("u1", record.OpUpdate, nil)
				r.Version = "v7"
				return r
			}(),
			incoming: func() *record.Record {
				r := rec("u1", record.OpUpdate, nil)
				r.Version = "v7"
				return r
			}(),
			want: StateUnchanged,
		},
		{
			name: "version difference without payloads",
			existing: func() *record.Record {
				r := rec("u1", record.OpUpdate, nil)
				r.Version = "v7"
				return r
			}(),
			incoming: func() *record.Record {
				r := rec("u1", record.OpUpdate, nil)
				r.Version = "v8"
				return r
			}(),
			want: StateConflict,
		},
		{
			name:     "no hash and no version defers to resolver",
			existing: rec("u1", record.OpUpdate, nil),
			incoming: rec("u1", record.OpUpdate, nil),
			want:     StateConflict,
		},
		{
			name: "one-sided payload falls back to version",
			existing: func() *record.Record {
				r := rec("u1", record.OpUpdate, nil)
				r.Version = "v3"
				return r
			}(),
			incoming: func() *record.Record {
				r := rec("u1", record.OpUpdate, map[string]interface{}{"name": "A"})
				r.Version = "v3"
				return r
			}(),
			want: StateUnchanged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Detect(tt.existing, tt.incoming))
		})
	}
}

func TestDetectHashBeatsVersion(t *testing.T) {
	tr := New()

	// Same content under different version markers: content comparison
	// decides first, so this is unchanged.
	existing := rec("u1", record.OpUpdate, map[string]interface{}{"name": "A"})
	existing.Version = "v1"
	incoming := rec("u1", record.OpUpdate, map[string]interface{}{"name": "A"})
	incoming.Version = "v2"

	assert.Equal(t, StateUnchanged, tr.Detect(existing, incoming))
}

func TestDetectIdempotentReplay(t *testing.T) {
	tr := New()

	// Replaying a batch that was already applied classifies everything
	// Unchanged, which is what keeps re-delivery duplicate-free.
	applied := []*record.Record{
		rec("u1", record.OpCreate, map[string]interface{}{"name": "A"}),
		rec("u2", record.OpUpdate, map[string]interface{}{"name": "B"}),
	}
	targetState := map[string]*record.Record{
		"u1": applied[0].Clone(),
		"u2": applied[1].Clone(),
	}

	for _, c := range tr.DetectBatch(targetState, applied) {
		assert.Equal(t, StateUnchanged, c.State, "key %s", c.Incoming.Key)
	}
}

func TestDetectBatchPreservesOrder(t *testing.T) {
	tr := New()

	existing := map[string]*record.Record{
		"u2": rec("u2", record.OpUpdate, map[string]interface{}{"name": "old"}),
	}
	incoming := []*record.Record{
		record.NewAt("u1", record.OpCreate, map[string]interface{}{"name": "A"}, time.Unix(100, 0)),
		record.NewAt("u2", record.OpUpdate, map[string]interface{}{"name": "new"}, time.Unix(101, 0)),
		record.NewAt("u3", record.OpDelete, nil, time.Unix(102, 0)),
	}

	got := tr.DetectBatch(existing, incoming)
	assert.Len(t, got, 3)
	assert.Equal(t, "u1", got[0].Incoming.Key)
	assert.Equal(t, StateNew, got[0].State)
	assert.Equal(t, "u2", got[1].Incoming.Key)
	assert.Equal(t, StateConflict, got[1].State)
	assert.NotNil(t, got[1].Existing)
	assert.Equal(t, "u3", got[2].Incoming.Key)
	assert.Equal(t, StateUnchanged, got[2].State)
}
