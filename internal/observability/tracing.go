package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TraceConfig configures OTLP trace export.
type TraceConfig struct {
	// ServiceName identifies this service in traces.
	ServiceName string
	// Endpoint is the OTLP gRPC collector endpoint (e.g. "localhost:4317").
	// Empty disables export and installs a no-op tracer.
	Endpoint string
	// SamplingRate in (0, 1]; defaults to 1.
	SamplingRate float64
	// Insecure disables TLS for the collector connection.
	Insecure bool
}

// NewTracer initializes the global tracer provider and returns a tracer plus
// a shutdown function to flush spans on exit.
func NewTracer(ctx context.Context, config TraceConfig) (trace.Tracer, func(context.Context) error, error) {
	if config.ServiceName == "" {
		config.ServiceName = "roundtable"
	}
	if config.Endpoint == "" {
		return noop.NewTracerProvider().Tracer(config.ServiceName), func(context.Context) error { return nil }, nil
	}
	if config.SamplingRate <= 0 || config.SamplingRate > 1 {
		config.SamplingRate = 1
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(config.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return provider.Tracer(config.ServiceName), provider.Shutdown, nil
}
