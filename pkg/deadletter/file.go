package deadletter

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/compression"
	"github.com/driftsync/driftsync/pkg/errors"
	jsonpool "github.com/driftsync/driftsync/pkg/json"
	"github.com/driftsync/driftsync/pkg/logger"
	"github.com/driftsync/driftsync/pkg/record"
)

const activeFileName = "entries.jsonl"

// maxLineBytes bounds one serialized entry when reloading the sink.
const maxLineBytes = 4 * 1024 * 1024

// FileSink stores entries as JSON lines in a single active file. Puts
// append and fsync; requeues and purges rewrite the file atomically.
// Purged entries are not discarded outright: they are appended to a
// compressed archive for later inspection.
type FileSink struct {
	dir    string
	comp   compression.Compressor
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	active  *os.File
}

// NewFileSink opens (or creates) a file-backed sink in dir. The
// compression algorithm applies to purge archives; the active file stays
// plain so it can be inspected with standard tools.
func NewFileSink(dir, compressionAlgo string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create dead-letter directory")
	}

	comp, err := compression.NewCompressorFor(compressionAlgo)
	if err != nil {
		return nil, err
	}

	s := &FileSink{
		dir:     dir,
		comp:    comp,
		logger:  logger.Get().Named("deadletter.file"),
		entries: make(map[string]*Entry),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if err := s.openActive(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) activePath() string {
	return filepath.Join(s.dir, activeFileName)
}

func (s *FileSink) load() error {
	f, err := os.Open(s.activePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to open dead-letter file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := jsonpool.Unmarshal(line, &entry); err != nil {
			// A torn final line from a crash mid-append is expected;
			// anything else is worth surfacing in the log.
			s.logger.Warn("skipping unreadable dead-letter line", zap.Error(err))
			continue
		}
		s.entries[entry.ID] = &entry
	}
	return scanner.Err()
}

func (s *FileSink) openActive() error {
	f, err := os.OpenFile(s.activePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to open dead-letter file for append")
	}
	s.active = f
	return nil
}

// Put appends the entry and fsyncs before returning.
func (s *FileSink) Put(_ context.Context, entry *Entry) error {
	data, err := jsonpool.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode dead-letter entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.active.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to append dead-letter entry")
	}
	if err := s.active.Sync(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to sync dead-letter file")
	}
	s.entries[entry.ID] = entry
	return nil
}

// List returns matching entries ordered oldest first.
func (s *FileSink) List(_ context.Context, filter Filter) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

// Requeue removes the entry from the file and returns its record.
func (s *FileSink) Requeue(_ context.Context, id string) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no dead-letter entry with id %s", id)
	}
	delete(s.entries, id)
	if err := s.rewriteLocked(); err != nil {
		s.entries[id] = entry
		return nil, err
	}
	return entry.Record, nil
}

// Purge removes old entries from the active file and archives them
// compressed.
func (s *FileSink) Purge(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := make([]*Entry, 0)
	for id, e := range s.entries {
		if e.LastFailedAt.Before(olderThan) {
			purged = append(purged, e)
			delete(s.entries, id)
		}
	}
	if len(purged) == 0 {
		return 0, nil
	}

	if err := s.rewriteLocked(); err != nil {
		for _, e := range purged {
			s.entries[e.ID] = e
		}
		return 0, err
	}

	if err := s.archive(purged); err != nil {
		// The purge itself succeeded; losing the archive is log-worthy
		// but not a failure of the operation.
		s.logger.Warn("failed to archive purged dead-letter entries",
			zap.Int("count", len(purged)), zap.Error(err))
	}
	return len(purged), nil
}

// Size counts entries, optionally scoped to one pair.
func (s *FileSink) Size(_ context.Context, pair string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

// Close closes the active file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return s.active.Close()
	}
	return nil
}

// rewriteLocked rebuilds the active file from the in-memory index via
// temp file + rename, then reopens the appender. Caller holds mu.
func (s *FileSink) rewriteLocked() error {
	buf := jsonpool.GetBuffer()
	defer jsonpool.PutBuffer(buf)

	for _, e := range s.entries {
		data, err := jsonpool.Marshal(e)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode dead-letter entry")
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if s.active != nil {
		s.active.Close()
		s.active = nil
	}

	tmp := s.activePath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create dead-letter temp file")
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write dead-letter temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to sync dead-letter temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to close dead-letter temp file")
	}
	if err := os.Rename(tmp, s.activePath()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to replace dead-letter file")
	}

	return s.openActive()
}

// archive writes purged entries to a timestamped compressed file.
func (s *FileSink) archive(entries []*Entry) error {
	buf := jsonpool.GetBuffer()
	defer jsonpool.PutBuffer(buf)

	for _, e := range entries {
		data, err := jsonpool.Marshal(e)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	compressed, err := s.comp.Compress(buf.Bytes())
	if err != nil {
		return err
	}

	name := "archive-" + time.Now().UTC().Format("20060102T150405") + ".jsonl" + s.comp.Algorithm().Extension()
	return os.WriteFile(filepath.Join(s.dir, name), compressed, 0o644)
}
