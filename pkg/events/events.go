// Package events provides the sync event bus.
//
// The engine publishes lifecycle events (cycle start and completion,
// batch application, conflict resolution, dead-lettering) and consumers
// subscribe with bounded buffers. Delivery is best-effort: a subscriber
// that falls behind loses the oldest events in its buffer, never blocks
// the publishing cycle.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/logger"
)

// Type identifies an event kind.
type Type string

const (
	// TypeSyncStarted is emitted when a sync cycle begins.
	TypeSyncStarted Type = "sync_started"
	// TypeBatchApplied is emitted after each batch is applied to the target.
	TypeBatchApplied Type = "batch_applied"
	// TypeConflictDetected is emitted when change detection classifies a
	// record as conflicting.
	TypeConflictDetected Type = "conflict_detected"
	// TypeConflictResolved is emitted when a conflict is resolved, whether
	// automatically or manually.
	TypeConflictResolved Type = "conflict_resolved"
	// TypeRecordDeadLettered is emitted when a record is routed to the
	// dead-letter sink.
	TypeRecordDeadLettered Type = "record_dead_lettered"
	// TypeSyncCompleted is emitted when a sync cycle finishes, in any
	// terminal status.
	TypeSyncCompleted Type = "sync_completed"
)

// Event is one sync lifecycle notification.
type Event struct {
	Type      Type                   `json:"type"`
	Pair      string                 `json:"pair"`
	RunID     string                 `json:"run_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// SyncStarted builds a sync_started event.
func SyncStarted(pair, runID string) Event {
	return newEvent(TypeSyncStarted, pair, runID, nil)
}

// BatchApplied builds a batch_applied event.
func BatchApplied(pair, runID string, applied, failed int) Event {
	return newEvent(TypeBatchApplied, pair, runID, map[string]interface{}{
		"applied": applied,
		"failed":  failed,
	})
}

// ConflictDetected builds a conflict_detected event.
func ConflictDetected(pair, runID, key string) Event {
	return newEvent(TypeConflictDetected, pair, runID, map[string]interface{}{
		"key": key,
	})
}

// ConflictResolved builds a conflict_resolved event.
func ConflictResolved(pair, runID, key, winner string) Event {
	return newEvent(TypeConflictResolved, pair, runID, map[string]interface{}{
		"key":    key,
		"winner": winner,
	})
}

// RecordDeadLettered builds a record_dead_lettered event.
func RecordDeadLettered(pair, runID, key, reason string) Event {
	return newEvent(TypeRecordDeadLettered, pair, runID, map[string]interface{}{
		"key":    key,
		"reason": reason,
	})
}

// SyncCompleted builds a sync_completed event.
func SyncCompleted(pair, runID, status string, processed, failed int) Event {
	return newEvent(TypeSyncCompleted, pair, runID, map[string]interface{}{
		"status":    status,
		"processed": processed,
		"failed":    failed,
	})
}

func newEvent(t Type, pair, runID string, data map[string]interface{}) Event {
	return Event{
		Type:      t,
		Pair:      pair,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// subscriber is one bounded delivery channel plus its type filter.
type subscriber struct {
	ch     chan Event
	filter map[Type]bool // nil means all types
}

func (s *subscriber) wants(t Type) bool {
	return s.filter == nil || s.filter[t]
}

// Bus fans events out to subscribers. Publish never blocks: when a
// subscriber's buffer is full the oldest buffered event is dropped to
// make room.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool
	dropped     atomic.Int64
	logger      *zap.Logger
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		logger:      logger.Get().Named("events"),
	}
}

// Subscribe registers a subscriber with the given buffer size, optionally
// filtered to specific event types. The returned cancel func removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			_, ok := b.subscribers[sub]
			delete(b.subscribers, sub)
			b.mu.Unlock()
			if ok {
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for sub := range b.subscribers {
		if !sub.wants(evt.Type) {
			continue
		}
		b.deliver(sub, evt)
	}
}

// deliver pushes one event, evicting the oldest buffered event if the
// subscriber is full. Called under the read lock; channel sends are safe
// because close only happens after removal under the write lock.
func (b *Bus) deliver(sub *subscriber, evt Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}

	// Full buffer: drop the oldest event, then retry once. A concurrent
	// reader may have drained in between, either way the new event fits
	// or one more drop is counted.
	select {
	case <-sub.ch:
		b.dropped.Add(1)
	default:
	}

	select {
	case sub.ch <- evt:
	default:
		b.dropped.Add(1)
		b.logger.Debug("event dropped, subscriber buffer full",
			zap.String("type", string(evt.Type)),
			zap.String("pair", evt.Pair))
	}
}

// Dropped reports how many events were discarded due to slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts the bus down and closes all subscriber channels. Publish
// and Subscribe become no-ops afterward.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, sub)
	}
}
