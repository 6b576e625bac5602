// Package observability provides distributed tracing for sync cycles.
//
// Tracing is built on OpenTelemetry. Each sync cycle becomes a root span,
// with child spans per pipeline stage (extract, validate, resolve, apply,
// checkpoint) so slow stages show up directly in the trace view. Trace
// context can be injected into outbound message headers and recovered on
// the consuming side, linking cross-system sync flows end to end.
//
// Metrics live in pkg/metrics (Prometheus) and structured logging in
// pkg/logger; this package deliberately covers only the tracing concern.
package observability

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Global tracer instance
	tracer trace.Tracer

	// Initialization lock
	initOnce sync.Once
)

// Config contains tracing configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SampleRate     float64
	ExporterType   string // "stdout", "none"
	BatchTimeout   time.Duration
	MaxExportBatch int
	MaxQueueSize   int
}

// DefaultConfig returns a default tracing configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "driftsync",
		ServiceVersion: "1.0.0",
		Environment:    getEnv("ENVIRONMENT", "development"),
		SampleRate:     0.1,
		ExporterType:   getEnv("TRACING_EXPORTER", "stdout"),
		BatchTimeout:   5 * time.Second,
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
	}
}

// Initialize sets up the tracing provider. Safe to call more than once;
// only the first call takes effect.
func Initialize(config Config) error {
	var err error

	initOnce.Do(func() {
		err = initTracing(config)
		if err != nil {
			return
		}

		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	})

	return err
}

func initTracing(config Config) error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch config.ExporterType {
	case "none":
		// Provider with no exporter still produces sampled span contexts
		// for propagation, they just never leave the process.
		exporter = nil
	default:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	}

	var sampler sdktrace.Sampler
	if config.SampleRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else if config.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(config.SampleRate)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(config.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
		))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(config.ServiceName)

	return nil
}

// GetTracer returns the global tracer. Falls back to the otel global
// tracer if Initialize has not been called.
func GetTracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer("driftsync")
	}
	return tracer
}

// Shutdown flushes pending spans and shuts down the tracer provider.
func Shutdown(ctx context.Context) error {
	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer: %w", err)
		}
	}
	return nil
}

// getEnv gets environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// sanitizeSpanComponent keeps span names readable when IDs carry
// separator characters.
func sanitizeSpanComponent(s string) string {
	return strings.ReplaceAll(s, " ", "_")
}
