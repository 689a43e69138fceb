package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"drive-collab/internal/logging"
)

/*
LEARNING: JAEGER INTEGRATION FOR DISTRIBUTED TRACING

Architecture:
  Server → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI

The collaboration core creates spans around joins, seed loads, teardown
drains and flushes, so a slow save can be traced back to the room and the
request that caused it.
*/

// ServiceName identifies the server in traces.
const ServiceName = "drive-collab"

// InitJaeger initializes Jaeger tracing exporter
// Returns a cleanup function that should be called on shutdown. An empty
// endpoint leaves tracing disabled and returns a no-op cleanup.
func InitJaeger(serviceName, jaegerEndpoint, serviceVersion string) (func(context.Context) error, error) {
	logger := logging.New("telemetry")
	if jaegerEndpoint == "" {
		logger.Info("tracing disabled, no jaeger endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

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
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	logger.Infow("jaeger tracing initialized", "endpoint", jaegerEndpoint, "service", serviceName)
	return tp.Shutdown, nil
}
