package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Exporter names a span exporter.
type Exporter string

const (
	// ExporterNone installs the propagator only. Spans are not exported.
	ExporterNone Exporter = "none"
	// ExporterStdout writes spans as JSON to Config.Writer.
	ExporterStdout Exporter = "stdout"
	// ExporterOTLP sends spans to an OTLP/gRPC collector.
	ExporterOTLP Exporter = "otlp"
)

// Config holds the configuration for OpenTelemetry tracing.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Environment is the deployment environment, e.g. "production".
	Environment string

	Exporter Exporter
	// Writer receives stdout spans. Defaults to os.Stdout.
	Writer io.Writer
	// OTLPEndpoint is the collector address, e.g. "localhost:4317".
	OTLPEndpoint string
	// SampleRate is the share of root spans recorded, 0.0 to 1.0. Child
	// spans follow their parent.
	SampleRate float64

	ResourceAttributes map[string]string
}

// DefaultConfig returns the default configuration. OTEL_SERVICE_NAME
// overrides the service name.
func DefaultConfig() *Config {
	serviceName := "stategraph"
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		serviceName = name
	}
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: InstrumentationVersion,
		Environment:    "development",
		Exporter:       ExporterOTLP,
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
	}
}

// Init installs a global tracer provider and propagator. The returned
// function flushes and stops the exporter.
func Init(cfg *Config) (func(context.Context) error, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		return func(context.Context) error { return nil }, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tracerProvider)

	return func(ctx context.Context) error {
		return stderrors.Join(
			tracerProvider.ForceFlush(ctx),
			tracerProvider.Shutdown(ctx),
		)
	}, nil
}

func newExporter(cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		slog.Debug("exporting spans to the console")
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		slog.Debug("exporting spans over OTLP", "endpoint", cfg.OTLPEndpoint)
		return otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		)
	}
	return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
}

// newResource describes the process. Attributes are schemaless so the
// resource merges with whatever the SDK detectors report.
func newResource(cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	for key, value := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(key, value))
	}

	return resource.New(
		context.Background(),
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
	)
}

// InitForDevelopment traces every run to stdout.
func InitForDevelopment(serviceName string) (func(context.Context) error, error) {
	return Init(&Config{
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		Environment:    "development",
		Exporter:       ExporterStdout,
		SampleRate:     1.0,
	})
}

// InitForTesting sets the global propagator only; no spans are exported.
func InitForTesting() (func(context.Context) error, error) {
	return Init(&Config{
		ServiceName:    "stategraph-test",
		ServiceVersion: "test",
		Environment:    "test",
		Exporter:       ExporterNone,
	})
}

// GetTracer returns the global tracer.
func GetTracer() trace.Tracer {
	return otel.Tracer(InstrumentationName, trace.WithInstrumentationVersion(InstrumentationVersion))
}
