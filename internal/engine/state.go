package engine

import (
	"github.com/driftsync/driftsync/pkg/config"
)

// State is the orchestrator's position in the sync cycle for one pair.
type State string

const (
	// StateIdle means no cycle is running.
	StateIdle State = "idle"
	// StateDiscovering means the cycle is loading its resume position.
	StateDiscovering State = "discovering"
	// StateExtracting means changes are being read from the source.
	StateExtracting State = "extracting"
	// StateValidating means extracted records are being checked against
	// the pair's rule set.
	StateValidating State = "validating"
	// StateResolving means records are being classified against target
	// state and conflicts settled.
	StateResolving State = "resolving"
	// StateApplying means surviving records are being written to the
	// target.
	StateApplying State = "applying"
	// StateCheckpointing means the batch boundary is being persisted.
	StateCheckpointing State = "checkpointing"
	// StateError means the current cycle hit a fatal error and is being
	// wound down.
	StateError State = "error"
)

// Triggers recorded on runs, naming what started the cycle.
const (
	triggerManual    = "manual"
	triggerScheduled = "scheduled"
	triggerStreaming = "streaming"
)

// SyncStatus is the externally visible state of one sync pair. Run is a
// snapshot of the in-flight run when a cycle is active, otherwise the
// most recently finished run; nil when the pair has never cycled.
type SyncStatus struct {
	PairID              string                  `json:"pair_id"`
	State               State                   `json:"state"`
	Mode                config.SyncMode         `json:"mode"`
	Strategy            config.ConflictStrategy `json:"strategy"`
	Run                 *SyncRun                `json:"run,omitempty"`
	PendingConflicts    int                     `json:"pending_conflicts"`
	ConsecutiveFailures int                     `json:"consecutive_failures"`
}
