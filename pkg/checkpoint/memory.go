package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Useful for tests and
// for manual pairs where losing progress on restart is acceptable.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]*Checkpoint),
	}
}

// Load returns a copy of the stored checkpoint, or nil when absent.
func (s *MemoryStore) Load(_ context.Context, pairID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[pairID].Clone(), nil
}

// Save stores a copy of the checkpoint with the next version number.
func (s *MemoryStore) Save(_ context.Context, pairID string, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64 = 1
	if prev, ok := s.checkpoints[pairID]; ok {
		version = prev.Version + 1
	}

	stored := cp.Clone()
	stored.Version = version
	s.checkpoints[pairID] = stored
	cp.Version = version
	return nil
}

// Reset removes the checkpoint for a pair.
func (s *MemoryStore) Reset(_ context.Context, pairID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, pairID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
