// Package otel wires OpenTelemetry tracing and metrics for grail.
// When disabled every tracer and meter is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	instrumentation = "github.com/basket/grail"
	// Version is reported as the grail.version resource attribute.
	Version = "v0.3.0"
)

// Exporter names accepted in otel.exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

const defaultOTLPEndpoint = "localhost:4318"

// Config is the otel: block of config.yaml.
type Config struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

func (c Config) metrics() bool { return c.MetricsEnabled == nil || *c.MetricsEnabled }

func (c Config) ratio() float64 {
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		return 1
	}
	return c.SampleRate
}

// Provider hands the worker, gateway and approval workflow their tracer and
// meter. TracerProvider is nil for the no-op provider.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	closers        []func(context.Context) error
}

// Noop returns a provider whose tracer and meter discard everything.
func Noop() *Provider {
	return &Provider{
		Tracer: nooptrace.NewTracerProvider().Tracer(instrumentation),
		Meter:  noop.NewMeterProvider().Meter(instrumentation),
	}
}

// Init builds the SDK providers described by cfg and installs the tracer
// provider globally. Callers must Shutdown the result to flush spans.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	exp, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	res, err := serviceResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	p := newProvider(res, exp, cfg)
	otel.SetTracerProvider(p.TracerProvider)
	return p, nil
}

func serviceResource(ctx context.Context, name string) (*resource.Resource, error) {
	if name == "" {
		name = "grail"
	}
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		attribute.String("grail.version", Version),
	))
}

// newProvider assembles the SDK providers. A nil exporter still samples and
// records spans but never ships them anywhere.
func newProvider(res *resource.Resource, exp sdktrace.SpanExporter, cfg Config) *Provider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.ratio()))),
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	p := &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(instrumentation),
		Meter:          noop.NewMeterProvider().Meter(instrumentation),
		closers:        []func(context.Context) error{tp.Shutdown},
	}
	if cfg.metrics() {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.Meter = mp.Meter(instrumentation)
		p.closers = append(p.closers, mp.Shutdown)
	}
	return p
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, closeFn := range p.closers {
		errs = append(errs, closeFn(ctx))
	}
	p.closers = nil
	return errors.Join(errs...)
}

func spanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (want %s, %s or %s)", cfg.Exporter, ExporterOTLPHTTP, ExporterStdout, ExporterNone)
	}
}
