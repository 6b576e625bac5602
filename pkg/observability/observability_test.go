package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInitialize(t *testing.T) {
	config := Config{
		ServiceName:    "test-driftsync",
		ServiceVersion: "1.0.0-test",
		Environment:    "test",
		SampleRate:     1.0, // Sample everything for tests
		ExporterType:   "none",
		BatchTimeout:   1 * time.Second,
		MaxExportBatch: 100,
		MaxQueueSize:   1000,
	}

	if err := Initialize(config); err != nil {
		t.Fatalf("Failed to initialize tracing: %v", err)
	}

	if GetTracer() == nil {
		t.Error("Tracer should not be nil after initialization")
	}
}

func TestSyncTracer(t *testing.T) {
	config := DefaultConfig()
	config.ExporterType = "none"
	config.SampleRate = 1.0

	if err := Initialize(config); err != nil {
		t.Fatalf("Failed to initialize tracing: %v", err)
	}

	st := NewSyncTracer("users-pg-to-kafka")
	ctx := context.Background()

	cycleCtx, cycleSpan := st.StartCycle(ctx, "run-1")
	if cycleCtx == ctx {
		t.Error("StartCycle should return a derived context")
	}

	// Stage tracing passes errors through unchanged.
	testError := errors.New("extract failed")

	err := st.TraceStage(cycleCtx, "extract", func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("TraceStage should not return error for successful stage: %v", err)
	}

	err = st.TraceStage(cycleCtx, "extract", func(context.Context) error {
		return testError
	})
	if !errors.Is(err, testError) {
		t.Errorf("TraceStage should return the original error: got %v, want %v", err, testError)
	}

	err = st.TraceBatch(cycleCtx, "apply", 100, func(context.Context) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	if err != nil {
		t.Errorf("TraceBatch should not return error for successful batch: %v", err)
	}

	cycleSpan.End()
}

func TestSpanAttributes(t *testing.T) {
	config := DefaultConfig()
	config.ExporterType = "none"

	if err := Initialize(config); err != nil {
		t.Fatalf("Failed to initialize tracing: %v", err)
	}

	_, span := NewSpan(context.Background(), "test.span")
	span.SetAttribute("string", "value")
	span.SetAttribute("int", 42)
	span.SetAttribute("int64", int64(42))
	span.SetAttribute("float", 4.2)
	span.SetAttribute("bool", true)
	span.SetAttribute("other", time.Second)

	if len(span.attributes) != 6 {
		t.Errorf("Expected 6 buffered attributes, got %d", len(span.attributes))
	}
	if span.Duration() < 0 {
		t.Error("Duration should not be negative")
	}

	span.RecordError(errors.New("apply failed"))
	span.End()
}

func TestTraceContextPropagation(t *testing.T) {
	config := DefaultConfig()
	config.ExporterType = "none"
	config.SampleRate = 1.0

	if err := Initialize(config); err != nil {
		t.Fatalf("Failed to initialize tracing: %v", err)
	}

	ctx, span := NewSpan(context.Background(), "producer.publish")
	defer span.End()

	headers := map[string]string{}
	InjectTraceContext(ctx, headers)
	if len(headers) == 0 {
		t.Fatal("InjectTraceContext should write trace headers")
	}

	extracted := ExtractTraceContext(context.Background(), headers)
	if extracted == nil {
		t.Fatal("ExtractTraceContext should return a context")
	}
}

func TestShutdown(t *testing.T) {
	config := DefaultConfig()
	config.ExporterType = "none"

	if err := Initialize(config); err != nil {
		t.Fatalf("Failed to initialize tracing: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := Shutdown(ctx); err != nil {
		t.Errorf("Shutdown should not return error: %v", err)
	}
}
