package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span wraps an OpenTelemetry span. Attributes are buffered and set in
// one call at End to keep per-attribute overhead off the hot path.
type Span struct {
	span       trace.Span
	startTime  time.Time
	attributes []attribute.KeyValue
}

// NewSpan starts a span under the global tracer.
func NewSpan(ctx context.Context, operationName string) (context.Context, *Span) {
	ctx, span := GetTracer().Start(ctx, operationName)

	return ctx, &Span{
		span:      span,
		startTime: time.Now(),
	}
}

// SetAttribute adds an attribute to the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	s.attributes = append(s.attributes, anyAttribute(key, value))
}

func anyAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// SetStatus sets the span status.
func (s *Span) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

// RecordError marks the span failed and records the error message.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.SetStatus(codes.Error, err.Error())
	s.SetAttribute("error", true)
	s.SetAttribute("error.message", err.Error())
}

// Duration returns the elapsed time since the span started.
func (s *Span) Duration() time.Duration {
	return time.Since(s.startTime)
}

// End flushes buffered attributes and ends the span.
func (s *Span) End() {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.End()
}

// SyncTracer produces spans for one sync pair. A cycle span is the root;
// stage and batch spans nest under whatever context the caller threads
// through.
type SyncTracer struct {
	pairID string
}

// NewSyncTracer creates a tracer scoped to a sync pair.
func NewSyncTracer(pairID string) *SyncTracer {
	return &SyncTracer{pairID: sanitizeSpanComponent(pairID)}
}

// StartCycle starts the root span for one sync cycle.
func (st *SyncTracer) StartCycle(ctx context.Context, runID string) (context.Context, *Span) {
	ctx, span := NewSpan(ctx, fmt.Sprintf("sync.%s.cycle", st.pairID))
	span.SetAttribute("sync.pair", st.pairID)
	span.SetAttribute("sync.run_id", runID)
	return ctx, span
}

// StartStage starts a span for one pipeline stage within a cycle.
func (st *SyncTracer) StartStage(ctx context.Context, stage string) (context.Context, *Span) {
	ctx, span := NewSpan(ctx, fmt.Sprintf("sync.%s.%s", st.pairID, stage))
	span.SetAttribute("sync.pair", st.pairID)
	span.SetAttribute("sync.stage", stage)
	return ctx, span
}

// TraceStage runs fn under a stage span and records the outcome.
func (st *SyncTracer) TraceStage(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	ctx, span := st.StartStage(ctx, stage)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

// TraceBatch runs fn under a batch span, recording batch size and the
// resulting throughput.
func (st *SyncTracer) TraceBatch(ctx context.Context, stage string, batchSize int, fn func(ctx context.Context) error) error {
	ctx, span := st.StartStage(ctx, stage)
	defer span.End()

	span.SetAttribute("batch.size", batchSize)

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetStatus(codes.Ok, "")
	if duration > 0 {
		span.SetAttribute("batch.throughput", float64(batchSize)/duration.Seconds())
	}
	return nil
}

// InjectTraceContext injects the current trace context into headers, for
// carrying spans across message brokers.
func InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractTraceContext recovers a trace context previously injected into
// headers.
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
