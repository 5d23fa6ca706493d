package telemetry_test

import (
	"context"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/langgraph-go/stategraph/telemetry"
)

// Example_prometheus wires engine metrics into a Prometheus registry and
// dumps them in text format.
func Example_prometheus() {
	registry := prometheus.NewRegistry()
	meterProvider, err := telemetry.InitMetrics(registry)
	if err != nil {
		log.Fatalf("init metrics: %v", err)
	}
	defer meterProvider.Shutdown(context.Background())

	provider, err := telemetry.NewProvider(otel.GetTracerProvider(), meterProvider)
	if err != nil {
		log.Fatalf("telemetry provider: %v", err)
	}

	// Pass provider to graph.WithTelemetry, run the graph, then:
	_ = provider
	if err := telemetry.WriteMetrics(os.Stdout, registry); err != nil {
		log.Fatal(err)
	}
}
