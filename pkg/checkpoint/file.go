package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/driftsync/driftsync/pkg/errors"
	jsonpool "github.com/driftsync/driftsync/pkg/json"
)

// FileStore persists one JSON file per pair under a directory. Writes go
// through a temp file, fsync, then rename, so a crash mid-save leaves
// the previous checkpoint intact.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to create checkpoint directory")
	}
	return &FileStore{dir: dir}, nil
}

// Load reads the checkpoint file for a pair, or returns nil when absent.
func (s *FileStore) Load(_ context.Context, pairID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(pairID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeCheckpoint, "failed to read checkpoint for pair %s", pairID)
	}

	var cp Checkpoint
	if err := jsonpool.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeCheckpoint, "corrupt checkpoint for pair %s", pairID)
	}
	return &cp, nil
}

// Save writes the checkpoint atomically with the next version number.
func (s *FileStore) Save(ctx context.Context, pairID string, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.Load(ctx, pairID)
	if err != nil {
		return err
	}
	var version int64 = 1
	if prev != nil {
		version = prev.Version + 1
	}

	stored := cp.Clone()
	stored.Version = version

	data, err := jsonpool.MarshalIndent(stored, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeCheckpoint, "failed to encode checkpoint for pair %s", pairID)
	}

	path := s.path(pairID)
	if err := writeFileAtomic(path, data); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeCheckpoint, "failed to write checkpoint for pair %s", pairID)
	}

	cp.Version = version
	return nil
}

// Reset removes the checkpoint file for a pair.
func (s *FileStore) Reset(_ context.Context, pairID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(pairID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.ErrorTypeCheckpoint, "failed to reset checkpoint for pair %s", pairID)
	}
	return nil
}

// Close is a no-op; every save is already flushed to disk.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(pairID string) string {
	return filepath.Join(s.dir, sanitizeName(pairID)+".json")
}

// writeFileAtomic writes via temp file + fsync + rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// sanitizeName maps a pair ID to a safe file name.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
