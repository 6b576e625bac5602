// Package metrics defines the Prometheus metrics the sync engine
// exports and a per-pair Collector facade over them.
//
// All metrics carry a pair label, so one process syncing many pairs
// stays debuggable. Registration happens at import time via promauto;
// the engine serves them through the default registry.
//
// # Basic Usage
//
//	// Per-pair collector
//	collector := metrics.NewCollector("users-pg-to-kafka")
//	collector.RecordProcessed(1000, "success")
//	collector.RecordConflict("latest-timestamp", "source")
//
//	// Track stage latency
//	timer := metrics.NewTimer()
//	applyBatch(records)
//	collector.ObserveStage("apply", timer.Stop())
//
//	// Track throughput
//	tracker := metrics.NewThroughputTracker("users-pg-to-kafka")
//	tracker.Increment(int64(len(records)))
//	recordsPerSec := tracker.GetAndReset()
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsProcessed tracks the total number of records processed per pair.
	// Labels: pair (sync pair id), status (success/failed/dead_lettered/skipped)
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftsync_records_processed_total",
			Help: "Total number of records processed",
		},
		[]string{"pair", "status"},
	)

	// SyncLatency tracks the distribution of cycle and stage durations.
	// Labels: pair, stage (cycle/extract/validate/resolve/apply/checkpoint)
	SyncLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "driftsync_sync_latency_seconds",
			Help: "Sync cycle and stage latency in seconds",
			Buckets: []float64{
				0.001, // 1ms - memory connectors
				0.01,  // 10ms - local I/O
				0.1,   // 100ms - network round trips
				0.5,
				1,
				5,
				30,
				60,  // 1m - large windows
				300, // 5m - full resyncs
			},
		},
		[]string{"pair", "stage"},
	)

	// SyncErrors counts errors by pair and error type.
	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftsync_sync_errors_total",
			Help: "Total number of sync errors",
		},
		[]string{"pair", "error_type"},
	)

	// SyncConflicts counts conflicts by pair, strategy, and outcome
	// (source/target/deferred).
	SyncConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftsync_sync_conflicts_total",
			Help: "Total number of conflicts detected during sync",
		},
		[]string{"pair", "strategy", "outcome"},
	)

	// SyncThroughput tracks records per second per pair.
	SyncThroughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftsync_sync_throughput_records_per_second",
			Help: "Current sync throughput in records per second",
		},
		[]string{"pair"},
	)

	// QueueSize tracks queue depths per pair.
	// Labels: pair, queue (dead_letter/pending_conflicts/extract_buffer)
	QueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftsync_queue_size",
			Help: "Current queue size",
		},
		[]string{"pair", "queue"},
	)

	// CyclesTotal counts completed cycles by pair and final status.
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftsync_cycles_total",
			Help: "Total number of completed sync cycles",
		},
		[]string{"pair", "status"},
	)
)

// Collector provides a per-pair metrics facade so callers never repeat
// label plumbing. Each sync pair owns one collector.
type Collector struct {
	pair string
}

// NewCollector creates a new metrics collector for a sync pair.
func NewCollector(pair string) *Collector {
	return &Collector{pair: pair}
}

// RecordProcessed adds n records with the given status.
func (c *Collector) RecordProcessed(n int, status string) {
	if n <= 0 {
		return
	}
	RecordsProcessed.WithLabelValues(c.pair, status).Add(float64(n))
}

// RecordError counts one error of the given type.
func (c *Collector) RecordError(errorType string) {
	SyncErrors.WithLabelValues(c.pair, errorType).Inc()
}

// RecordConflict counts one conflict with its strategy and outcome.
func (c *Collector) RecordConflict(strategy, outcome string) {
	SyncConflicts.WithLabelValues(c.pair, strategy, outcome).Inc()
}

// RecordCycle counts one completed cycle with its final status.
func (c *Collector) RecordCycle(status string) {
	CyclesTotal.WithLabelValues(c.pair, status).Inc()
}

// ObserveStage records a stage duration in the latency histogram.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	SyncLatency.WithLabelValues(c.pair, stage).Observe(d.Seconds())
}

// SetQueueSize sets the named queue gauge.
func (c *Collector) SetQueueSize(queue string, size int) {
	QueueSize.WithLabelValues(c.pair, queue).Set(float64(size))
}

// Timer measures one operation. Stop may be called more than once; each
// call reports the total elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker accumulates applied-record counts between cycle
// boundaries and converts them to records per second on demand. Safe
// for concurrent use; the apply workers all feed one tracker.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	pair      string
}

// NewThroughputTracker creates a new throughput tracker for a pair.
func NewThroughputTracker(pair string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		pair:      pair,
	}
}

// Increment adds n to the record count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset computes records per second since the last reset, pushes
// the value to the pair's throughput gauge, and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()

	SyncThroughput.WithLabelValues(t.pair).Set(throughput)
	return throughput
}
