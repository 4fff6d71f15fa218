// Package telemetry installs the OpenTelemetry tracer provider used by the
// loop and scheduler spans.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// EndpointEnv enables OTLP export when set.
const EndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

// Provider owns the SDK tracer provider, if one was installed.
type Provider struct {
	tp *sdktrace.TracerProvider
}

type options struct {
	exporter sdktrace.SpanExporter
	global   bool
}

// Option configures Setup.
type Option func(*options)

// WithExporter exports synchronously to e instead of OTLP. Tests pass a
// tracetest.InMemoryExporter.
func WithExporter(e sdktrace.SpanExporter) Option { return func(o *options) { o.exporter = e } }

// WithoutGlobal leaves otel's global tracer provider untouched.
func WithoutGlobal() Option { return func(o *options) { o.global = false } }

// Setup builds a tracer provider for serviceName. Without an exporter
// option and without OTEL_EXPORTER_OTLP_ENDPOINT, tracing stays disabled
// and the returned Provider hands out no-op tracers.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Provider, error) {
	o := options{global: true}
	for _, fn := range opts {
		fn(&o)
	}

	var spo sdktrace.TracerProviderOption
	switch {
	case o.exporter != nil:
		spo = sdktrace.WithSyncer(o.exporter)
	case os.Getenv(EndpointEnv) != "":
		// otlptracehttp reads the endpoint, headers and TLS settings from
		// the standard OTEL_EXPORTER_OTLP_* variables.
		exp, err := otlptracehttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter: %w", err)
		}
		spo = sdktrace.WithBatcher(exp)
	default:
		return &Provider{}, nil
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	tp := sdktrace.NewTracerProvider(spo, sdktrace.WithResource(res))
	if o.global {
		otel.SetTracerProvider(tp)
	}
	return &Provider{tp: tp}, nil
}

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool { return p != nil && p.tp != nil }

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	if !p.Enabled() {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
