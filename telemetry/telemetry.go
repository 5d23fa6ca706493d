// Package telemetry provides OpenTelemetry observability support for stategraph.
// It includes distributed tracing of runs, nodes and checkpoint operations,
// and metrics for executions, routing decisions and persistence.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// InstrumentationName is the name of the instrumentation.
	InstrumentationName = "github.com/langgraph-go/stategraph"
	// InstrumentationVersion is the version of the instrumentation.
	InstrumentationVersion = "1.0.0"
)

// SpanAttributes holds common attributes for spans and metrics.
var SpanAttributes = struct {
	Graph        attribute.Key
	NodeName     attribute.Key
	SessionID    attribute.Key
	RunID        attribute.Key
	CheckpointID attribute.Key
	Step         attribute.Key
	Next         attribute.Key
	Label        attribute.Key
	Status       attribute.Key
	ErrorCode    attribute.Key
	ErrorPolicy  attribute.Key
	RetryAttempt attribute.Key
	Operation    attribute.Key
}{
	Graph:        "stategraph.graph",
	NodeName:     "stategraph.node_name",
	SessionID:    "stategraph.session_id",
	RunID:        "stategraph.run_id",
	CheckpointID: "stategraph.checkpoint_id",
	Step:         "stategraph.step",
	Next:         "stategraph.next",
	Label:        "stategraph.label",
	Status:       "stategraph.status",
	ErrorCode:    "stategraph.error_code",
	ErrorPolicy:  "stategraph.error_policy",
	RetryAttempt: "stategraph.retry_attempt",
	Operation:    "stategraph.operation",
}

// MetricNames holds the names of the exported metrics.
var MetricNames = struct {
	NodeExecutionDuration    string
	NodeExecutionCount       string
	NodeErrorCount           string
	NodeRetryCount           string
	RouteCount               string
	RunCount                 string
	RunDuration              string
	CheckpointSaveDuration   string
	CheckpointLoadDuration   string
	StreamEventsEmittedCount string
	StepBudgetExceededCount  string
}{
	NodeExecutionDuration:    "stategraph.node.execution.duration",
	NodeExecutionCount:       "stategraph.node.execution.count",
	NodeErrorCount:           "stategraph.node.error.count",
	NodeRetryCount:           "stategraph.node.retry.count",
	RouteCount:               "stategraph.route.count",
	RunCount:                 "stategraph.run.count",
	RunDuration:              "stategraph.run.duration",
	CheckpointSaveDuration:   "stategraph.checkpoint.save.duration",
	CheckpointLoadDuration:   "stategraph.checkpoint.load.duration",
	StreamEventsEmittedCount: "stategraph.stream.events.emitted.count",
	StepBudgetExceededCount:  "stategraph.step_budget.exceeded.count",
}

// Metrics holds the instruments recorded by the executor.
type Metrics struct {
	meter metric.Meter

	// Node metrics
	nodeExecutionDuration metric.Float64Histogram
	nodeExecutionCount    metric.Int64Counter
	nodeErrorCount        metric.Int64Counter
	nodeRetryCount        metric.Int64Counter

	// Routing and run metrics
	routeCount              metric.Int64Counter
	runCount                metric.Int64Counter
	runDuration             metric.Float64Histogram
	stepBudgetExceededCount metric.Int64Counter

	// Checkpoint metrics
	checkpointSaveDuration metric.Float64Histogram
	checkpointLoadDuration metric.Float64Histogram

	// Stream metrics
	streamEventsEmittedCount metric.Int64Counter
}

// TracerProvider wraps the OpenTelemetry tracer.
type TracerProvider struct {
	tracer trace.Tracer
}

// Provider bundles tracing and metrics for a compiled graph.
type Provider struct {
	TracerProvider *TracerProvider
	Metrics        *Metrics
}

// NewMetrics initializes the metrics.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.nodeExecutionDuration, err = meter.Float64Histogram(
		MetricNames.NodeExecutionDuration,
		metric.WithDescription("Duration of node execution"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.nodeExecutionCount, err = meter.Int64Counter(
		MetricNames.NodeExecutionCount,
		metric.WithDescription("Count of node executions"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	if m.nodeErrorCount, err = meter.Int64Counter(
		MetricNames.NodeErrorCount,
		metric.WithDescription("Count of node errors"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.nodeRetryCount, err = meter.Int64Counter(
		MetricNames.NodeRetryCount,
		metric.WithDescription("Count of in-step node retries"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, err
	}
	if m.routeCount, err = meter.Int64Counter(
		MetricNames.RouteCount,
		metric.WithDescription("Count of routing decisions"),
		metric.WithUnit("{route}"),
	); err != nil {
		return nil, err
	}
	if m.runCount, err = meter.Int64Counter(
		MetricNames.RunCount,
		metric.WithDescription("Count of finished runs by status"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram(
		MetricNames.RunDuration,
		metric.WithDescription("Duration of runs"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.stepBudgetExceededCount, err = meter.Int64Counter(
		MetricNames.StepBudgetExceededCount,
		metric.WithDescription("Count of runs stopped by the step budget"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.checkpointSaveDuration, err = meter.Float64Histogram(
		MetricNames.CheckpointSaveDuration,
		metric.WithDescription("Duration of checkpoint saves"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.checkpointLoadDuration, err = meter.Float64Histogram(
		MetricNames.CheckpointLoadDuration,
		metric.WithDescription("Duration of checkpoint loads"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.streamEventsEmittedCount, err = meter.Int64Counter(
		MetricNames.StreamEventsEmittedCount,
		metric.WithDescription("Count of stream events emitted"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NewTracerProvider creates a new tracer provider.
func NewTracerProvider(tracerProvider trace.TracerProvider) *TracerProvider {
	tracer := tracerProvider.Tracer(
		InstrumentationName,
		trace.WithInstrumentationVersion(InstrumentationVersion),
	)
	return &TracerProvider{
		tracer: tracer,
	}
}

// Tracer returns the underlying tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// NewProvider creates a telemetry provider from OpenTelemetry providers.
func NewProvider(tracerProvider trace.TracerProvider, meterProvider metric.MeterProvider) (*Provider, error) {
	meter := meterProvider.Meter(
		InstrumentationName,
		metric.WithInstrumentationVersion(InstrumentationVersion),
	)

	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, err
	}

	return &Provider{
		TracerProvider: NewTracerProvider(tracerProvider),
		Metrics:        metrics,
	}, nil
}

// NewDefaultProvider creates a telemetry provider using the global providers.
func NewDefaultProvider() (*Provider, error) {
	return NewProvider(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewNoopProvider returns a provider that records nothing.
func NewNoopProvider() *Provider {
	p, _ := NewProvider(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	return p
}

// RecordNodeExecution records one node execution.
func (m *Metrics) RecordNodeExecution(ctx context.Context, graph, nodeName string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		SpanAttributes.Graph.String(graph),
		SpanAttributes.NodeName.String(nodeName),
	}

	m.nodeExecutionDuration.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(attrs...))
	m.nodeExecutionCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		m.nodeErrorCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordNodeRetry records an in-step retry of a node.
func (m *Metrics) RecordNodeRetry(ctx context.Context, graph, nodeName string, attempt int) {
	m.nodeRetryCount.Add(ctx, 1, metric.WithAttributes(
		SpanAttributes.Graph.String(graph),
		SpanAttributes.NodeName.String(nodeName),
		SpanAttributes.RetryAttempt.Int(attempt),
	))
}

// RecordRoute records a routing decision from one node to the next.
func (m *Metrics) RecordRoute(ctx context.Context, graph, from, to string) {
	m.routeCount.Add(ctx, 1, metric.WithAttributes(
		SpanAttributes.Graph.String(graph),
		SpanAttributes.NodeName.String(from),
		SpanAttributes.Next.String(to),
	))
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(ctx context.Context, graph, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		SpanAttributes.Graph.String(graph),
		SpanAttributes.Status.String(status),
	}
	m.runCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runDuration.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(attrs...))
}

// RecordStepBudgetExceeded records a run stopped by its step budget.
func (m *Metrics) RecordStepBudgetExceeded(ctx context.Context, graph string) {
	m.stepBudgetExceededCount.Add(ctx, 1, metric.WithAttributes(SpanAttributes.Graph.String(graph)))
}

// RecordCheckpointSave records a checkpoint save operation.
func (m *Metrics) RecordCheckpointSave(ctx context.Context, duration time.Duration, err error) {
	m.checkpointSaveDuration.Record(ctx, float64(duration.Microseconds())/1000,
		metric.WithAttributes(attribute.Bool("error", err != nil)))
}

// RecordCheckpointLoad records a checkpoint load operation.
func (m *Metrics) RecordCheckpointLoad(ctx context.Context, duration time.Duration, err error) {
	m.checkpointLoadDuration.Record(ctx, float64(duration.Microseconds())/1000,
		metric.WithAttributes(attribute.Bool("error", err != nil)))
}

// RecordStreamEventEmitted records a stream event handed to a consumer.
func (m *Metrics) RecordStreamEventEmitted(ctx context.Context, graph, nodeName string) {
	m.streamEventsEmittedCount.Add(ctx, 1, metric.WithAttributes(
		SpanAttributes.Graph.String(graph),
		SpanAttributes.NodeName.String(nodeName),
	))
}

// StartRunSpan starts the root span of a run.
func (tp *TracerProvider) StartRunSpan(ctx context.Context, graph, sessionID, runID string) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, "graph.run",
		trace.WithAttributes(
			SpanAttributes.Graph.String(graph),
			SpanAttributes.SessionID.String(sessionID),
			SpanAttributes.RunID.String(runID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartNodeSpan starts a span for node execution.
func (tp *TracerProvider) StartNodeSpan(ctx context.Context, nodeName string, step int) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, "node."+nodeName,
		trace.WithAttributes(
			SpanAttributes.NodeName.String(nodeName),
			SpanAttributes.Step.Int(step),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartCheckpointSpan starts a span for checkpoint operations.
func (tp *TracerProvider) StartCheckpointSpan(ctx context.Context, operation, sessionID string) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, "checkpoint."+operation,
		trace.WithAttributes(
			SpanAttributes.Operation.String(operation),
			SpanAttributes.SessionID.String(sessionID),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError sets an error on the span.
func SetSpanError(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
}
