package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Publish(SyncStarted("users-pg-to-kafka", "run-1"))

	select {
	case evt := <-ch:
		assert.Equal(t, TypeSyncStarted, evt.Type)
		assert.Equal(t, "users-pg-to-kafka", evt.Pair)
		assert.Equal(t, "run-1", evt.RunID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event delivery")
	}
}

func TestBusTypeFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(8, TypeSyncCompleted)
	defer cancel()

	bus.Publish(SyncStarted("p1", "run-1"))
	bus.Publish(BatchApplied("p1", "run-1", 10, 0))
	bus.Publish(SyncCompleted("p1", "run-1", "success", 10, 0))

	select {
	case evt := <-ch:
		require.Equal(t, TypeSyncCompleted, evt.Type)
		assert.Equal(t, "success", evt.Data["status"])
		assert.Equal(t, 10, evt.Data["processed"])
	case <-time.After(time.Second):
		t.Fatal("expected filtered event delivery")
	}

	// The filtered-out events must not be buffered.
	select {
	case evt := <-ch:
		t.Fatalf("unexpected extra event: %v", evt.Type)
	default:
	}
}

func TestBusDropOldestWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(2)
	defer cancel()

	bus.Publish(ConflictDetected("p1", "run-1", "k1"))
	bus.Publish(ConflictDetected("p1", "run-1", "k2"))
	bus.Publish(ConflictDetected("p1", "run-1", "k3"))

	// k1 was evicted to make room for k3.
	evt := <-ch
	assert.Equal(t, "k2", evt.Data["key"])
	evt = <-ch
	assert.Equal(t, "k3", evt.Data["key"])
	assert.Equal(t, int64(1), bus.Dropped())
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4)
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	assert.Equal(t, 0, bus.SubscriberCount())

	// Channel is closed after cancel.
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(SyncStarted("p1", "run-2"))

	// Double cancel is safe.
	cancel()
}

func TestBusClose(t *testing.T) {
	bus := NewBus()

	ch, _ := bus.Subscribe(4)
	bus.Close()

	_, open := <-ch
	assert.False(t, open)

	// Idempotent close and post-close operations are no-ops.
	bus.Close()
	bus.Publish(SyncStarted("p1", "run-3"))

	late, cancel := bus.Subscribe(4)
	defer cancel()
	_, open = <-late
	assert.False(t, open)
}

func TestEventConstructors(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		wantType Type
		wantData map[string]interface{}
	}{
		{
			name:     "batch applied",
			event:    BatchApplied("p1", "r1", 95, 5),
			wantType: TypeBatchApplied,
			wantData: map[string]interface{}{"applied": 95, "failed": 5},
		},
		{
			name:     "conflict resolved",
			event:    ConflictResolved("p1", "r1", "u1", "source"),
			wantType: TypeConflictResolved,
			wantData: map[string]interface{}{"key": "u1", "winner": "source"},
		},
		{
			name:     "record dead lettered",
			event:    RecordDeadLettered("p1", "r1", "u2", "validation_failed"),
			wantType: TypeRecordDeadLettered,
			wantData: map[string]interface{}{"key": "u2", "reason": "validation_failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.event.Type)
			assert.Equal(t, "p1", tt.event.Pair)
			assert.Equal(t, "r1", tt.event.RunID)
			assert.Equal(t, tt.wantData, tt.event.Data)
		})
	}
}
