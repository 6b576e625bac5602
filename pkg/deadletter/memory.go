package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/record"
)

// MemorySink keeps dead-letter entries in process memory.
type MemorySink struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		entries: make(map[string]*Entry),
	}
}

// Put stores the entry.
func (s *MemorySink) Put(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

// List returns matching entries ordered oldest first.
func (s *MemorySink) List(_ context.Context, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range s.entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstFailedAt.Before(out[j].FirstFailedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Requeue removes the entry and hands back its record.
func (s *MemorySink) Requeue(_ context.Context, id string) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no dead-letter entry with id %s", id)
	}
	delete(s.entries, id)
	return entry.Record, nil
}

// Purge drops entries whose last failure is older than the cutoff.
func (s *MemorySink) Purge(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, e := range s.entries {
		if e.LastFailedAt.Before(olderThan) {
			delete(s.entries, id)
			purged++
		}
	}
	return purged, nil
}

// Size counts entries, optionally scoped to one pair.
func (s *MemorySink) Size(_ context.Context, pair string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pair == "" {
		return len(s.entries), nil
	}
	n := 0
	for _, e := range s.entries {
		if e.Pair == pair {
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory sink.
func (s *MemorySink) Close() error {
	return nil
}
