package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: ONE TRACE ACROSS AGENT AND SERVER

Both binaries export to the same Jaeger collector under different service
names (brewlog-agent, brewlog-server). A sync pass on the agent and the
create it triggers on the server then show up side by side in the Jaeger UI.

Architecture:
  Engine/Handlers → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI
*/

// Version is reported as service.version on every span.
const Version = "1.0.0"

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// InitJaeger installs a global tracer provider exporting to jaegerEndpoint.
// An empty endpoint leaves the default no-op provider in place, which is how
// the capture agent runs on devices without a collector.
func InitJaeger(serviceName, jaegerEndpoint string) (Shutdown, error) {
	if jaegerEndpoint == "" {
		log.Printf("⚠️  JAEGER_ENDPOINT not set, tracing disabled for %s", serviceName)
		return func(context.Context) error { return nil }, nil
	}

	// Learning: the exporter only connects when a batch is flushed
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Learning: ParentBased keeps the server's decision consistent with the
	// agent span that started the trace
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Printf("✓ Jaeger tracing initialized for %s: %s", serviceName, jaegerEndpoint)

	return tp.Shutdown, nil
}
