// Package checkpoint persists sync progress per pair.
//
// A Checkpoint is an opaque position in the source's change stream plus
// connector metadata. Stores guarantee atomic, durable saves and a
// monotonically increasing version per pair: once a save returns, a
// restart resumes from that checkpoint or a later one, never earlier.
// Progress is only saved after the corresponding changes were durably
// applied, so a crash between apply and save replays changes instead of
// losing them.
package checkpoint

import (
	"context"
	"time"
)

// Checkpoint marks a durable position in a source change stream.
type Checkpoint struct {
	// Position is connector-defined and opaque to the engine: an LSN, a
	// sequence number, a topic offset map, a file cursor.
	Position string `json:"position"`
	// Timestamp records when the position was produced.
	Timestamp time.Time `json:"timestamp"`
	// Metadata carries connector bookkeeping that travels with the
	// position.
	Metadata map[string]string `json:"metadata,omitempty"`
	// Version is assigned by the store on save and increases by one per
	// successful save of a pair.
	Version int64 `json:"version"`
}

// New creates a checkpoint at the given position, stamped now.
func New(position string) *Checkpoint {
	return &Checkpoint{
		Position:  position,
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := &Checkpoint{
		Position:  c.Position,
		Timestamp: c.Timestamp,
		Version:   c.Version,
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// SetMeta attaches a metadata entry, allocating the map on first use.
func (c *Checkpoint) SetMeta(key, value string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
}

// Meta reads a metadata entry.
func (c *Checkpoint) Meta(key string) (string, bool) {
	v, ok := c.Metadata[key]
	return v, ok
}

// Store persists checkpoints keyed by pair ID. Implementations must be
// safe for concurrent use across pairs; the engine serializes access
// within a pair.
type Store interface {
	// Load returns the stored checkpoint for a pair, or nil with no
	// error when none has been saved yet.
	Load(ctx context.Context, pairID string) (*Checkpoint, error)

	// Save durably persists the checkpoint for a pair. The stored
	// version increases by one on every successful save; the passed
	// checkpoint's Version field is ignored on input and set on return.
	Save(ctx context.Context, pairID string, cp *Checkpoint) error

	// Reset removes the checkpoint so the next cycle starts from the
	// beginning. Resetting a missing checkpoint is not an error.
	Reset(ctx context.Context, pairID string) error

	// Close releases store resources.
	Close() error
}
