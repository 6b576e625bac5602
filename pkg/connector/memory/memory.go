// Package memory provides an in-memory connector backed by a map and
// an append-only changelog. It is the reference implementation of the
// connector contract and the backend used by engine tests and local
// experiments. Change tracking is exact: every applied mutation gets a
// monotonically increasing sequence number, and checkpoints are the
// decimal sequence of the last delivered change.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/base"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/record"
)

// Type is the registry name of this connector.
const Type = "memory"

// logEntry is one applied mutation in the changelog.
type logEntry struct {
	seq int64
	rec *record.Record
}

// Connector keeps records in memory and tracks every mutation in an
// append-only changelog so ListChanges can resume from any checkpoint.
type Connector struct {
	*base.BaseConnector

	mu    sync.RWMutex
	store map[string]*record.Record
	log   []logEntry
	seq   int64

	subMu       sync.Mutex
	subscribers map[chan core.ChangeNotification]chan error
}

// New creates an uninitialized memory connector.
func New(name string) *Connector {
	return &Connector{
		BaseConnector: base.NewBaseConnector(name, Type),
		store:         make(map[string]*record.Record),
		subscribers:   make(map[chan core.ChangeNotification]chan error),
	}
}

// Initialize prepares the connector. The memory backend needs no
// settings beyond the shared ones.
func (c *Connector) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	return c.BaseConnector.Initialize(ctx, cfg)
}

// ListChanges returns changelog entries after the checkpoint, oldest
// first, at most limit of them.
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

	// The changelog is append-only and sorted by seq, so scan from the
	// first entry past the checkpoint.
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

// ApplyChanges writes records into the store. Each record succeeds or
// fails on its own; a delete of an absent key applies as a no-op.
func (c *Connector) ApplyChanges(ctx context.Context, records []*record.Record) ([]core.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]core.ApplyResult, 0, len(records))
	applied, failed := 0, 0

	c.mu.Lock()
	for _, rec := range records {
		if err := c.Validate(rec); err != nil {
			results = append(results, core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed, Error: err})
			failed++
			continue
		}

		switch rec.Operation {
		case record.OpDelete:
			if _, ok := c.store[rec.Key]; !ok {
				results = append(results, core.ApplyResult{Record: rec, Status: core.ApplyStatusSkipped})
				continue
			}
			delete(c.store, rec.Key)
		default:
			c.store[rec.Key] = rec.Clone()
		}

		c.seq++
		c.log = append(c.log, logEntry{seq: c.seq, rec: rec.Clone()})
		results = append(results, core.ApplyResult{Record: rec, Status: core.ApplyStatusApplied})
		applied++
	}
	c.mu.Unlock()

	c.ObserveApply(applied, failed)
	if applied > 0 {
		c.notify(applied)
	}

	return results, nil
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

// Subscribe delivers a notification for every applied batch. The
// stream closes when ctx is cancelled or the connector closes.
func (c *Connector) Subscribe(ctx context.Context) (*core.ChangeStream, error) {
	buf := c.Config().Performance.BufferSize
	if buf <= 0 {
		buf = 16
	}
	notifications := make(chan core.ChangeNotification, buf)
	errs := make(chan error, 1)

	c.subMu.Lock()
	c.subscribers[notifications] = errs
	c.subMu.Unlock()

	go func() {
		<-ctx.Done()
		c.subMu.Lock()
		if _, ok := c.subscribers[notifications]; ok {
			delete(c.subscribers, notifications)
			close(notifications)
			close(errs)
		}
		c.subMu.Unlock()
	}()

	return &core.ChangeStream{Notifications: notifications, Errors: errs}, nil
}

// notify fans a change notification out to all subscribers. Slow
// subscribers lose notifications rather than block the writer; a
// coalesced trigger only needs one pending notification anyway.
func (c *Connector) notify(count int) {
	n := core.ChangeNotification{Count: count, Timestamp: time.Now().UTC()}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

// Close closes all subscriptions and the base connector.
func (c *Connector) Close(ctx context.Context) error {
	c.subMu.Lock()
	for ch, errs := range c.subscribers {
		delete(c.subscribers, ch)
		close(ch)
		close(errs)
	}
	c.subMu.Unlock()

	return c.BaseConnector.Close(ctx)
}

// Seed loads records directly into the store and changelog, for tests
// and demos. Records keep their own timestamps.
func (c *Connector) Seed(records ...*record.Record) {
	c.mu.Lock()
	for _, rec := range records {
		switch rec.Operation {
		case record.OpDelete:
			delete(c.store, rec.Key)
		default:
			c.store[rec.Key] = rec.Clone()
		}
		c.seq++
		c.log = append(c.log, logEntry{seq: c.seq, rec: rec.Clone()})
	}
	count := len(records)
	c.mu.Unlock()

	if count > 0 {
		c.notify(count)
	}
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

// Len returns the number of stored records.
func (c *Connector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Snapshot returns a copy of the whole store keyed by record key.
func (c *Connector) Snapshot() map[string]*record.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*record.Record, len(c.store))
	for k, v := range c.store {
		out[k] = v.Clone()
	}
	return out
}
