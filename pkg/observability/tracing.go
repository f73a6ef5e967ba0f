// Package observability wires OpenTelemetry tracing. Tracing is opt-in:
// when no OTLP endpoint is configured the global provider stays a no-op
// and spans cost nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "github.com/trafficcontrol/trafficcontrol"
	defaultServiceName = "trafficcontrol"
)

// SetupTracing configures the global OTLP/gRPC trace provider from the
// OTLP_ENDPOINT and OTEL_SERVICE_NAME environment variables. The returned
// shutdown func is always non-nil; when tracing is disabled it is a no-op.
func SetupTracing(ctx context.Context, version string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTLP_ENDPOINT")
	if endpoint == "" {
		slog.Info("OTLP endpoint not set; tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("Tracing configured", "endpoint", endpoint, "service", serviceName)
	return tp.Shutdown, nil
}

// StartSpan opens a span on the service tracer. With no provider
// configured this is a no-op span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// TaskAttrs builds the standard task span attributes.
func TaskAttrs(taskID, projectID string, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("tc.task_id", taskID),
		attribute.String("tc.project_id", projectID),
		attribute.String("tc.model", model),
	}
}
