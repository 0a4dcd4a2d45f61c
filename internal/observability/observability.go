// Package observability wires OpenTelemetry tracing into the
// supervisor: one span per tunnel-allocating operation.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	Endpoint    string  // localhost:4318
	ServiceName string  // nomad
	SampleRate  float64 // 0.0 to 1.0
}

// Provider wraps the OpenTelemetry TracerProvider.
type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var globalProvider = &Provider{tracer: noop.NewTracerProvider().Tracer("")}

// Init initializes the global telemetry provider.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		globalProvider = &Provider{tracer: noop.NewTracerProvider().Tracer("")}
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create OTLP exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	globalProvider = &Provider{tp: tp, tracer: tp.Tracer("nomad"), enabled: true}
	return nil
}

// Shutdown flushes and stops the provider.
func Shutdown(ctx context.Context) error {
	if globalProvider.tp == nil {
		return nil
	}
	return globalProvider.tp.Shutdown(ctx)
}

// Enabled reports whether tracing is active.
func Enabled() bool { return globalProvider.enabled }

// Tracer returns the global tracer.
func Tracer() trace.Tracer { return globalProvider.tracer }

// StartOperation opens a span for a supervisor operation on a VM.
func StartOperation(ctx context.Context, vm, operation, enclosure string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("nomad.vm", vm),
		attribute.String("nomad.operation", operation),
	}
	if enclosure != "" {
		attrs = append(attrs, attribute.String("nomad.enclosure", enclosure))
	}
	return Tracer().Start(ctx, "nomad."+operation, trace.WithAttributes(attrs...))
}

// EndOperation closes a span, recording err if the operation failed.
func EndOperation(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
