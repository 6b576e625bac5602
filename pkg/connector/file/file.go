// Package file provides a connector persisting records as
// line-delimited JSON in a directory. Every applied mutation is
// appended to an active changelog segment; sealed segments are
// compressed. On startup the connector replays all segments to rebuild
// its state, so the changelog is the single source of truth and
// checkpoints (the decimal sequence of the last delivered change)
// survive restarts.
package file

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/compression"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/base"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/errors"
	jsonpool "github.com/driftsync/driftsync/pkg/json"
	"github.com/driftsync/driftsync/pkg/record"
)

// Type is the registry name of this connector.
const Type = "file"

const (
	activeSegment      = "changes-active.jsonl"
	sealedPrefix       = "changes-"
	defaultRotateBytes = 8 << 20
	// maxLineBytes bounds a single changelog line when scanning.
	maxLineBytes = 4 << 20
)

// segmentLine is the on-disk form of one changelog entry.
type segmentLine struct {
	Seq    int64          `json:"seq"`
	Record *record.Record `json:"record"`
}

// logEntry is one replayed changelog entry held in memory.
type logEntry struct {
	seq int64
	rec *record.Record
}

// Connector stores records in JSONL changelog segments under a
// directory.
type Connector struct {
	*base.BaseConnector

	dir         string
	rotateBytes int64
	comp        compression.Compressor

	mu     sync.RWMutex
	store  map[string]*record.Record
	log    []logEntry
	seq    int64
	active *os.File
	sealed int
}

// New creates an uninitialized file connector.
func New(name string) *Connector {
	return &Connector{
		BaseConnector: base.NewBaseConnector(name, Type),
		store:         make(map[string]*record.Record),
		rotateBytes:   defaultRotateBytes,
	}
}

// Initialize opens the directory and replays all changelog segments.
//
// Settings:
//
//	path        directory holding the changelog (required)
//	compression algorithm for sealed segments (default zstd)
//	rotate_bytes size at which the active segment is sealed
func (c *Connector) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if err := c.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	c.dir = cfg.Settings["path"]
	if c.dir == "" {
		return errors.New(errors.ErrorTypeConfig, "file connector requires a path setting")
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to create data directory")
	}

	if v := cfg.Settings["rotate_bytes"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return errors.Newf(errors.ErrorTypeConfig, "invalid rotate_bytes %q", v)
		}
		c.rotateBytes = n
	}

	algo, err := compression.ParseAlgorithm(cfg.Settings["compression"])
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression setting")
	}
	if algo == compression.None && cfg.Settings["compression"] == "" {
		algo = compression.Zstd
	}
	c.comp, err = compression.NewCompressor(&compression.Config{Algorithm: algo, Level: compression.Default})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to build compressor")
	}

	if err := c.replay(); err != nil {
		return err
	}

	c.active, err = os.OpenFile(filepath.Join(c.dir, activeSegment), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to open active segment")
	}

	return nil
}

// replay rebuilds store and changelog from sealed segments then the
// active one. Torn trailing lines from a crash are skipped.
func (c *Connector) replay() error {
	sealed, err := c.sealedSegments()
	if err != nil {
		return err
	}

	for _, name := range sealed {
		data, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to read segment %s", name)
		}
		decompressed, err := c.comp.Decompress(data)
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to decompress segment %s", name)
		}
		if err := c.replayLines(bytes.NewReader(decompressed), name); err != nil {
			return err
		}
	}
	c.sealed = len(sealed)

	activePath := filepath.Join(c.dir, activeSegment)
	f, err := os.Open(activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to open active segment")
	}
	defer f.Close()

	return c.replayLines(f, activeSegment)
}

func (c *Connector) replayLines(r io.Reader, name string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry segmentLine
		if err := jsonpool.Unmarshal(line, &entry); err != nil {
			c.Logger().Warn("skipping unreadable changelog line")
			continue
		}
		c.applyToState(entry.Record)
		c.log = append(c.log, logEntry{seq: entry.Seq, rec: entry.Record})
		if entry.Seq > c.seq {
			c.seq = entry.Seq
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to scan segment %s", name)
	}
	return nil
}

func (c *Connector) applyToState(rec *record.Record) {
	if rec == nil {
		return
	}
	if rec.Operation == record.OpDelete {
		delete(c.store, rec.Key)
		return
	}
	c.store[rec.Key] = rec
}

// sealedSegments lists compressed segments in creation order.
func (c *Connector) sealedSegments() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to list data directory")
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, sealedPrefix) && name != activeSegment {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListChanges returns changelog entries after the checkpoint.
func (c *Connector) ListChanges(ctx context.Context, since *checkpoint.Checkpoint, limit int) (*core.ChangeBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var from int64
	if since != nil && since.Position != "" {
		parsed, err := strconv.ParseInt(since.Position, 10, 64)
		if err != nil {
			return nil, errors.Newf(errors.ErrorTypeValidation, "invalid checkpoint position %q", since.Position)
		}
		from = parsed
	}

	if limit <= 0 {
		limit = c.Config().Performance.BatchSize
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	start := len(c.log)
	for i, entry := range c.log {
		if entry.seq > from {
			start = i
			break
		}
	}

	end := start + limit
	if end > len(c.log) {
		end = len(c.log)
	}

	records := make([]*record.Record, 0, end-start)
	next := from
	for _, entry := range c.log[start:end] {
		records = append(records, entry.rec.Clone())
		next = entry.seq
	}

	c.ObserveRead(len(records))

	return &core.ChangeBatch{
		Records:        records,
		NextCheckpoint: checkpoint.New(strconv.FormatInt(next, 10)),
		HasMore:        end < len(c.log),
	}, nil
}

// Fetch returns the current version of each key that exists.
func (c *Connector) Fetch(ctx context.Context, keys []string) (map[string]*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*record.Record, len(keys))
	for _, key := range keys {
		if rec, ok := c.store[key]; ok {
			out[key] = rec.Clone()
		}
	}
	return out, nil
}

// ApplyChanges appends records to the changelog and updates the state.
// The active segment is synced once per batch, then rotated if it
// outgrew the rotation limit.
func (c *Connector) ApplyChanges(ctx context.Context, records []*record.Record) ([]core.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]core.ApplyResult, 0, len(records))
	applied, failed := 0, 0

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range records {
		if err := c.Validate(rec); err != nil {
			results = append(results, core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed, Error: err})
			failed++
			continue
		}

		if rec.Operation == record.OpDelete {
			if _, ok := c.store[rec.Key]; !ok {
				results = append(results, core.ApplyResult{Record: rec, Status: core.ApplyStatusSkipped})
				continue
			}
		}

		if err := c.appendLocked(rec); err != nil {
			results = append(results, core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed, Error: err})
			failed++
			continue
		}

		stored := rec.Clone()
		c.applyToState(stored)
		c.log = append(c.log, logEntry{seq: c.seq, rec: stored})
		results = append(results, core.ApplyResult{Record: rec, Status: core.ApplyStatusApplied})
		applied++
	}

	if applied > 0 {
		if err := c.active.Sync(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to sync active segment")
		}
		if err := c.maybeRotateLocked(); err != nil {
			c.Logger().Warn("segment rotation failed")
		}
	}

	c.ObserveApply(applied, failed)
	return results, nil
}

// appendLocked writes one changelog line and bumps the sequence.
func (c *Connector) appendLocked(rec *record.Record) error {
	line, err := jsonpool.Marshal(segmentLine{Seq: c.seq + 1, Record: rec})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode record")
	}

	if _, err := c.active.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to append to active segment")
	}

	c.seq++
	return nil
}

// maybeRotateLocked seals the active segment once it exceeds the
// rotation limit, compressing it into a numbered segment file.
func (c *Connector) maybeRotateLocked() error {
	info, err := c.active.Stat()
	if err != nil || info.Size() < c.rotateBytes {
		return err
	}

	activePath := filepath.Join(c.dir, activeSegment)
	data, err := os.ReadFile(activePath)
	if err != nil {
		return err
	}

	compressed, err := c.comp.Compress(data)
	if err != nil {
		return err
	}

	sealedName := fmt.Sprintf("%s%06d.jsonl%s", sealedPrefix, c.sealed+1, c.comp.Algorithm().Extension())
	if err := os.WriteFile(filepath.Join(c.dir, sealedName), compressed, 0o644); err != nil {
		return err
	}

	if err := c.active.Close(); err != nil {
		return err
	}
	c.active, err = os.OpenFile(activePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to reopen active segment")
	}
	c.sealed++

	c.Logger().Info("sealed changelog segment")
	return nil
}

// GetLatestCheckpoint returns the head of the changelog.
func (c *Connector) GetLatestCheckpoint(ctx context.Context) (*checkpoint.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return checkpoint.New(strconv.FormatInt(c.seq, 10)), nil
}

// Close syncs and closes the active segment.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.active != nil {
		_ = c.active.Sync()
		_ = c.active.Close()
		c.active = nil
	}
	c.mu.Unlock()

	return c.BaseConnector.Close(ctx)
}

// Len returns the number of live records.
func (c *Connector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Get returns the stored record for a key, or nil.
func (c *Connector) Get(key string) *record.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if rec, ok := c.store[key]; ok {
		return rec.Clone()
	}
	return nil
}
