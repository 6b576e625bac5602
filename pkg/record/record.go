// Package record defines the unit of data exchanged between systems during
// a sync cycle, with pooled allocation for high-throughput pipelines.
//
// # Overview
//
// A Record carries one entity change between a source and a target
// connector. Its identity key is the join key used to detect conflicts
// between source and target versions of the same entity; the payload is
// opaque to the engine. Records should be obtained from the pool via
// GetRecord (or the New* constructors) and returned with Release so
// steady-state cycles stay allocation-flat.
//
// Example:
//
//	rec := record.New("u1", record.OpUpdate, map[string]interface{}{"val": "A"})
//	defer rec.Release()
package record

import (
	"time"
)

var timeZero time.Time

// Operation is the kind of change a record describes.
type Operation string

const (
	// OpCreate marks a record that did not previously exist at the source
	OpCreate Operation = "create"
	// OpUpdate marks a change to an existing record
	OpUpdate Operation = "update"
	// OpDelete marks a removal; the payload may be empty
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operation kinds.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Record is one unit of data exchanged between systems.
//
// Key must be unique within one connector's namespace. Timestamp is the
// source's last-write time for the entity, used by the latest-timestamp
// conflict strategy. Version is an optional revision marker (sequence
// number, etag, vector clock rendering) consulted when payload hashes
// are unavailable.
type Record struct {
	// Key is the stable identity of the entity this change belongs to
	Key string `json:"key"`
	// Payload is the opaque structured value carried by the change
	Payload map[string]interface{} `json:"payload,omitempty"`
	// Operation is the change kind (create/update/delete)
	Operation Operation `json:"operation"`
	// Timestamp is the source's last-write time for the entity
	Timestamp time.Time `json:"timestamp"`
	// Version is an optional revision marker from the source system
	Version string `json:"version,omitempty"`
	// Metadata carries connector-specific context (offset, partition, etag)
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// memoized content hash; reset when the record returns to the pool
	hash   uint64
	hashed bool
}

// GetRecord retrieves a Record from the global pool. The caller must
// Release it when done.
func GetRecord() *Record {
	return recordPool.Get()
}

// PutRecord returns a Record to the global pool. Safe to call with nil.
func PutRecord(r *Record) {
	if r != nil {
		recordPool.Put(r)
	}
}

// Release returns the record to the pool.
func (r *Record) Release() {
	PutRecord(r)
}

// New creates a pooled record with the given key, operation, and payload.
// The payload map is used directly, not copied.
func New(key string, op Operation, payload map[string]interface{}) *Record {
	r := GetRecord()
	r.Key = key
	r.Operation = op
	if payload != nil {
		r.Payload = payload
	}
	r.Timestamp = time.Now().UTC()
	return r
}

// NewAt creates a pooled record with an explicit source timestamp.
func NewAt(key string, op Operation, payload map[string]interface{}, ts time.Time) *Record {
	r := New(key, op, payload)
	r.Timestamp = ts
	return r
}

// SetPayloadField sets one payload field and invalidates the memoized hash.
func (r *Record) SetPayloadField(key string, value interface{}) {
	if r.Payload == nil {
		r.Payload = GetMap()
	}
	r.Payload[key] = value
	r.hashed = false
}

// PayloadField retrieves one payload field.
func (r *Record) PayloadField(key string) (interface{}, bool) {
	if r.Payload == nil {
		return nil, false
	}
	v, ok := r.Payload[key]
	return v, ok
}

// SetMetadata sets one metadata field, allocating the map on first use.
func (r *Record) SetMetadata(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = GetMap()
	}
	r.Metadata[key] = value
}

// GetMetadata retrieves one metadata field.
func (r *Record) GetMetadata(key string) (interface{}, bool) {
	if r.Metadata == nil {
		return nil, false
	}
	v, ok := r.Metadata[key]
	return v, ok
}

// Clone returns a deep-enough copy for audit trails and store snapshots:
// payload and metadata maps are copied one level deep. The clone is NOT
// pooled; it is owned by the caller and garbage collected normally.
func (r *Record) Clone() *Record {
	clone := &Record{
		Key:       r.Key,
		Operation: r.Operation,
		Timestamp: r.Timestamp,
		Version:   r.Version,
	}
	if r.Payload != nil {
		clone.Payload = make(map[string]interface{}, len(r.Payload))
		for k, v := range r.Payload {
			clone.Payload[k] = v
		}
	}
	if r.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// IsCreate returns true for create operations.
func (r *Record) IsCreate() bool { return r.Operation == OpCreate }

// IsUpdate returns true for update operations.
func (r *Record) IsUpdate() bool { return r.Operation == OpUpdate }

// IsDelete returns true for delete operations.
func (r *Record) IsDelete() bool { return r.Operation == OpDelete }

// HasVersion reports whether the record carries a revision marker.
func (r *Record) HasVersion() bool { return r.Version != "" }

// HasPayload reports whether the record carries payload content that can
// be hashed for change detection.
func (r *Record) HasPayload() bool { return len(r.Payload) > 0 }
