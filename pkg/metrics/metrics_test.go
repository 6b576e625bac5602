package metrics

import (
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

// Labels are unique per test; the promauto registry is process-global.

func TestCollectorCounters(t *testing.T) {
	c := NewCollector("metrics-test-counters")

	c.RecordProcessed(5, "success")
	c.RecordProcessed(2, "skipped")
	c.RecordProcessed(0, "failed")
	c.RecordError("timeout")
	c.RecordConflict("latest-timestamp", "source")
	c.RecordCycle("success")

	if got := promtest.ToFloat64(RecordsProcessed.WithLabelValues("metrics-test-counters", "success")); got != 5 {
		t.Errorf("processed success = %v, want 5", got)
	}
	if got := promtest.ToFloat64(RecordsProcessed.WithLabelValues("metrics-test-counters", "skipped")); got != 2 {
		t.Errorf("processed skipped = %v, want 2", got)
	}
	if got := promtest.ToFloat64(RecordsProcessed.WithLabelValues("metrics-test-counters", "failed")); got != 0 {
		t.Errorf("zero-count add must not move the counter: got %v", got)
	}
	if got := promtest.ToFloat64(SyncErrors.WithLabelValues("metrics-test-counters", "timeout")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := promtest.ToFloat64(SyncConflicts.WithLabelValues("metrics-test-counters", "latest-timestamp", "source")); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
	if got := promtest.ToFloat64(CyclesTotal.WithLabelValues("metrics-test-counters", "success")); got != 1 {
		t.Errorf("cycles = %v, want 1", got)
	}
}

func TestQueueGaugeKeepsLastValue(t *testing.T) {
	c := NewCollector("metrics-test-queues")

	c.SetQueueSize("dead_letter", 7)
	c.SetQueueSize("dead_letter", 3)

	if got := promtest.ToFloat64(QueueSize.WithLabelValues("metrics-test-queues", "dead_letter")); got != 3 {
		t.Errorf("queue gauge = %v, want 3", got)
	}
}

func TestThroughputTracker(t *testing.T) {
	tr := NewThroughputTracker("metrics-test-throughput")

	tr.Increment(100)
	time.Sleep(10 * time.Millisecond)

	v := tr.GetAndReset()
	if v <= 0 {
		t.Fatalf("throughput = %v, want > 0", v)
	}
	if got := promtest.ToFloat64(SyncThroughput.WithLabelValues("metrics-test-throughput")); got != v {
		t.Errorf("gauge = %v, want %v", got, v)
	}

	time.Sleep(time.Millisecond)
	if v := tr.GetAndReset(); v != 0 {
		t.Errorf("empty window should report 0, got %v", v)
	}
}

func TestTimer(t *testing.T) {
	tm := NewTimer()
	time.Sleep(5 * time.Millisecond)

	first := tm.Stop()
	if first < 5*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 5ms", first)
	}
	if second := tm.Stop(); second < first {
		t.Errorf("later Stop returned %v, earlier returned %v", second, first)
	}
}
