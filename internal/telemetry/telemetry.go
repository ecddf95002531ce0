// Package telemetry wires OpenTelemetry tracing into the service.
//
// Tracing is off by default. When enabled without an explicit exporter,
// spans are pretty-printed to stdout.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"sterilcore/internal/core"
)

const instrumentationScope = "sterilcore"

// Options configures the trace provider.
type Options struct {
	Enabled     bool
	ServiceName string
	Version     string
	// Writer receives stdout spans; nil means os.Stdout.
	Writer io.Writer
	// Exporter replaces the stdout exporter when set.
	Exporter sdktrace.SpanExporter
}

// Provider owns the trace provider and its shutdown.
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(context.Context) error
}

// New builds a provider. A disabled provider is a no-op.
func New(opts Options) (*Provider, error) {
	if !opts.Enabled {
		return &Provider{tp: tracenoop.NewTracerProvider(), shutdown: func(context.Context) error { return nil }}, nil
	}
	exp := opts.Exporter
	if exp == nil {
		stdoutOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if opts.Writer != nil {
			stdoutOpts = append(stdoutOpts, stdouttrace.WithWriter(opts.Writer))
		}
		var err error
		exp, err = stdouttrace.New(stdoutOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
	}
	name := opts.ServiceName
	if name == "" {
		name = instrumentationScope
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", name)}
	if opts.Version != "" {
		attrs = append(attrs, attribute.String("service.version", opts.Version))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exp),
	)
	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

// Tracer returns a service tracer backed by the provider.
func (p *Provider) Tracer() core.Tracer {
	return Tracer{t: p.tp.Tracer(instrumentationScope)}
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}

// Tracer adapts an OpenTelemetry tracer to core.Tracer.
type Tracer struct {
	t trace.Tracer
}

// NewTracer wraps t.
func NewTracer(t trace.Tracer) Tracer {
	return Tracer{t: t}
}

// Start implements core.Tracer.
func (t Tracer) Start(ctx context.Context, operation string) (context.Context, core.TraceSpan) {
	ctx, span := t.t.Start(ctx, operation, trace.WithAttributes(attribute.String("sterilcore.operation", operation)))
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
