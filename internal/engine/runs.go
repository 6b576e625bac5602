package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/driftsync/driftsync/pkg/record"
)

// RunStatus is the terminal outcome of one sync run.
type RunStatus string

const (
	// RunStatusRunning means the cycle is still in flight.
	RunStatusRunning RunStatus = "running"
	// RunStatusSuccess means the cycle completed with no failed records.
	RunStatusSuccess RunStatus = "success"
	// RunStatusPartial means the cycle made durable progress but some of
	// its window did not land: records failed terminally, the cycle was
	// cancelled or timed out, or the checkpoint could not be persisted.
	RunStatusPartial RunStatus = "partial"
	// RunStatusFailed means the cycle made no durable progress.
	RunStatusFailed RunStatus = "failed"
)

// SyncRun records one sync cycle. Counts move while the cycle is in
// flight and freeze at finalize; a finalized run is immutable and safe
// to share.
type SyncRun struct {
	mu sync.Mutex

	ID          string    `json:"id"`
	Pair        string    `json:"pair"`
	Trigger     string    `json:"trigger"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Status      RunStatus `json:"status"`

	// Batches counts fully applied and checkpointed batches, not
	// attempts.
	Batches      int    `json:"batches"`
	Extracted    int    `json:"extracted"`
	Applied      int    `json:"applied"`
	Skipped      int    `json:"skipped"`
	Conflicted   int    `json:"conflicted"`
	DeadLettered int    `json:"dead_lettered"`
	Failed       int    `json:"failed"`
	Requeued     int    `json:"requeued"`
	Checkpoint   string `json:"checkpoint,omitempty"`
	Summary      string `json:"summary,omitempty"`
	Error        string `json:"error,omitempty"`
}

// newSyncRun creates an in-flight run for a pair.
func newSyncRun(pair, trigger string) *SyncRun {
	return &SyncRun{
		ID:        record.GenerateID("run"),
		Pair:      pair,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
		Status:    RunStatusRunning,
	}
}

func (r *SyncRun) addExtracted(n int) {
	r.mu.Lock()
	r.Extracted += n
	r.mu.Unlock()
}

func (r *SyncRun) addApplied(n int) {
	r.mu.Lock()
	r.Applied += n
	r.mu.Unlock()
}

func (r *SyncRun) addSkipped(n int) {
	r.mu.Lock()
	r.Skipped += n
	r.mu.Unlock()
}

func (r *SyncRun) addConflicted(n int) {
	r.mu.Lock()
	r.Conflicted += n
	r.mu.Unlock()
}

func (r *SyncRun) addDeadLettered(n int) {
	r.mu.Lock()
	r.DeadLettered += n
	r.mu.Unlock()
}

func (r *SyncRun) addFailed(n int) {
	r.mu.Lock()
	r.Failed += n
	r.mu.Unlock()
}

func (r *SyncRun) setRequeued(n int) {
	r.mu.Lock()
	r.Requeued = n
	r.mu.Unlock()
}

// completeBatch marks one batch fully applied and records the
// checkpoint position covering it.
func (r *SyncRun) completeBatch(position string) {
	r.mu.Lock()
	r.Batches++
	r.Checkpoint = position
	r.mu.Unlock()
}

// Processed returns how many records the run handled durably.
func (r *SyncRun) Processed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Applied + r.Skipped
}

// Duration returns the run's elapsed time, live for in-flight runs.
func (r *SyncRun) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CompletedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// finalize freezes the run with its terminal status and builds the
// one-line summary operators see in status output.
func (r *SyncRun) finalize(status RunStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.CompletedAt = time.Now().UTC()
	r.Status = status
	if err != nil {
		r.Error = err.Error()
	}
	r.Summary = fmt.Sprintf("%d extracted, %d applied, %d skipped, %d conflicts, %d dead-lettered, %d failed in %s",
		r.Extracted, r.Applied, r.Skipped, r.Conflicted, r.DeadLettered, r.Failed,
		r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

// snapshot returns a copy safe to hand outside the engine while the
// original may still be moving.
func (r *SyncRun) snapshot() *SyncRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	return &SyncRun{
		ID:           r.ID,
		Pair:         r.Pair,
		Trigger:      r.Trigger,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		Status:       r.Status,
		Batches:      r.Batches,
		Extracted:    r.Extracted,
		Applied:      r.Applied,
		Skipped:      r.Skipped,
		Conflicted:   r.Conflicted,
		DeadLettered: r.DeadLettered,
		Failed:       r.Failed,
		Requeued:     r.Requeued,
		Checkpoint:   r.Checkpoint,
		Summary:      r.Summary,
		Error:        r.Error,
	}
}

// runHistory is a bounded ring of finished runs, newest last in
// storage, returned newest first.
type runHistory struct {
	mu    sync.Mutex
	runs  []*SyncRun
	limit int
}

func newRunHistory(limit int) *runHistory {
	if limit <= 0 {
		limit = 1
	}
	return &runHistory{
		runs:  make([]*SyncRun, 0, limit),
		limit: limit,
	}
}

// add appends a finished run, evicting the oldest past the limit.
func (h *runHistory) add(run *SyncRun) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.runs) >= h.limit {
		copy(h.runs, h.runs[1:])
		h.runs = h.runs[:len(h.runs)-1]
	}
	h.runs = append(h.runs, run)
}

// last returns the most recent finished run, or nil.
func (h *runHistory) last() *SyncRun {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.runs) == 0 {
		return nil
	}
	return h.runs[len(h.runs)-1]
}

// list returns the retained runs, newest first.
func (h *runHistory) list() []*SyncRun {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*SyncRun, 0, len(h.runs))
	for i := len(h.runs) - 1; i >= 0; i-- {
		out = append(out, h.runs[i])
	}
	return out
}
