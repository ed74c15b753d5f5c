// Package tracing wires OpenTelemetry spans around the sandbox API.
package tracing

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
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/sandboxd/pkg/logging"
)

// Config holds the tracing configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP HTTP collector, e.g. "localhost:4318"
	Enabled        bool
}

// Provider wraps the OpenTelemetry trace provider
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// InitTracer sets up span export. With tracing disabled the provider has no
// exporter and spans are dropped.
func InitTracer(ctx context.Context, cfg Config, logger *logging.Logger) (*Provider, error) {
	if !cfg.Enabled {
		logger.Debug("tracing disabled")
		tp := sdktrace.NewTracerProvider()
		return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator())

	logger.Info("tracing initialized", map[string]interface{}{
		"service":  cfg.ServiceName,
		"endpoint": cfg.Endpoint,
	})
	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// NewProvider wraps an existing tracer provider, used by tests with an
// in-memory exporter.
func NewProvider(tp *sdktrace.TracerProvider, name string) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(name)}
}

// Shutdown flushes pending spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the tracer instance
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartSpan starts a child span of whatever ctx carries
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddEvent adds an event to the current span
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes annotates the current span
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// SetError marks the current span as failed
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}
