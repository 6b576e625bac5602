package core

import (
	"context"
	"time"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/record"
)

// ApplyStatus classifies the outcome of applying one record.
type ApplyStatus string

const (
	// ApplyStatusApplied means the record was durably written.
	ApplyStatusApplied ApplyStatus = "applied"
	// ApplyStatusSkipped means the record required no write.
	ApplyStatusSkipped ApplyStatus = "skipped"
	// ApplyStatusFailed means the record could not be written.
	ApplyStatusFailed ApplyStatus = "failed"
)

// ApplyResult reports the outcome for a single record within a batch
// apply. A failed result never aborts the rest of the batch.
type ApplyResult struct {
	Record *record.Record
	Status ApplyStatus
	Error  error
}

// Failed reports whether the record could not be applied.
func (r ApplyResult) Failed() bool {
	return r.Status == ApplyStatusFailed
}

// ChangeBatch is one page of changes read from a connector.
type ChangeBatch struct {
	// Records holds the changed records in source order.
	Records []*record.Record
	// NextCheckpoint resumes reading after this batch. Always set, even
	// for an empty batch.
	NextCheckpoint *checkpoint.Checkpoint
	// HasMore hints that another ListChanges call would return data
	// immediately.
	HasMore bool
}

// ChangeNotification signals that new changes are available on a
// streaming connector. It carries no data; the engine responds by
// scheduling a normal sync cycle which reads through ListChanges.
type ChangeNotification struct {
	Count     int
	Timestamp time.Time
}

// ChangeStream delivers change notifications from a streaming connector.
// Both channels close when the subscription ends.
type ChangeStream struct {
	Notifications <-chan ChangeNotification
	Errors        <-chan error
}

// Connector is the contract every sync endpoint implements. A connector
// can serve as the source or the target of a pair; the engine only uses
// the operations the role requires.
type Connector interface {
	// Metadata
	Name() string
	Type() string

	// Lifecycle
	Initialize(ctx context.Context, cfg *config.ConnectorConfig) error
	Close(ctx context.Context) error

	// ListChanges returns records changed since the given checkpoint,
	// at most limit of them, together with the checkpoint to resume
	// from. A nil checkpoint means read from the beginning.
	ListChanges(ctx context.Context, since *checkpoint.Checkpoint, limit int) (*ChangeBatch, error)

	// Fetch returns the connector's current version of each key that
	// exists, for change detection against incoming records. Keys with
	// no stored record are absent from the result.
	Fetch(ctx context.Context, keys []string) (map[string]*record.Record, error)

	// ApplyChanges writes records and reports a result per record.
	// Failures are isolated: one bad record never fails the batch.
	ApplyChanges(ctx context.Context, records []*record.Record) ([]ApplyResult, error)

	// GetLatestCheckpoint returns the connector's current head position,
	// for starting a pair at "now" instead of from the beginning.
	GetLatestCheckpoint(ctx context.Context) (*checkpoint.Checkpoint, error)

	// Validate checks a record against connector-specific expectations
	// before any write is attempted.
	Validate(r *record.Record) error

	// ResolveConflict lets the connector pick between two versions of
	// the same key. Returning nil, nil defers to the engine's strategy.
	ResolveConflict(existing, incoming *record.Record) (*record.Record, error)

	// Health and monitoring
	Health(ctx context.Context) error
	Metrics() map[string]interface{}
}

// StreamingConnector is implemented by connectors that can push change
// notifications instead of relying on polling. The engine type-asserts
// for it when a pair runs in real-time mode.
type StreamingConnector interface {
	Connector

	// Subscribe starts delivering change notifications. The stream ends
	// when ctx is cancelled or the connector closes.
	Subscribe(ctx context.Context) (*ChangeStream, error)
}

// Health states reported by connectors.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthStatus represents the health of a connector at a point in time.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Factory creates a connector instance from configuration.
type Factory func(name string, cfg *config.ConnectorConfig) (Connector, error)

// Metadata describes a registered connector type.
type Metadata struct {
	Type         string   `json:"type"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Registry manages available connector types.
type Registry interface {
	Register(connectorType string, factory Factory, meta Metadata) error
	Create(connectorType, name string, cfg *config.ConnectorConfig) (Connector, error)
	List() []Metadata
	Exists(connectorType string) bool
}
