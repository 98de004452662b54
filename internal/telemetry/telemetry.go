// Package telemetry builds the OpenTelemetry meter and tracer providers used
// by tagcached.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var ErrUnknownExporter = errors.New("telemetry: unknown exporter")

type Config struct {
	ServiceName string
	Version     string

	MetricsExporter string // prometheus, stdout, otlp or none
	TraceExporter   string // stdout, otlp or none
	SampleRatio     float64

	// Out receives stdout exporter output; nil means os.Stdout.
	Out io.Writer
}

// Telemetry owns the SDK providers. Metrics is non-nil only for the
// prometheus exporter.
type Telemetry struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	Metrics        http.Handler

	shutdown []func(context.Context) error
}

func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	t := &Telemetry{
		MeterProvider:  metricnoop.NewMeterProvider(),
		TracerProvider: tracenoop.NewTracerProvider(),
	}

	reader, handler, err := metricsReader(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		t.MeterProvider = mp
		t.Metrics = handler
		t.shutdown = append(t.shutdown, mp.Shutdown)
	}

	exporter, err := traceExporter(ctx, cfg)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, err
	}
	if exporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
			sdktrace.WithBatcher(exporter),
		)
		t.TracerProvider = tp
		t.shutdown = append(t.shutdown, tp.Shutdown)
	}
	return t, nil
}

// Shutdown flushes and stops every provider, returning all errors joined.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

func metricsReader(ctx context.Context, cfg Config) (sdkmetric.Reader, http.Handler, error) {
	switch cfg.MetricsExporter {
	case "prometheus":
		registry := prometheus.NewRegistry()
		exp, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: prometheus exporter: %w", err)
		}
		return exp, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
	case "stdout":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Out))
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: stdout metrics exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp), nil, nil
	case "otlp":
		if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" && os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT") == "" {
			return nil, nil, errors.New("telemetry: set OTEL_EXPORTER_OTLP_ENDPOINT for the otlp metrics exporter")
		}
		exp, err := otlpmetricgrpc.New(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: otlp metrics exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp), nil, nil
	case "none", "":
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: metrics %q", ErrUnknownExporter, cfg.MetricsExporter)
}

func traceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(cfg.Out))
	case "otlp":
		if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" && os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "" {
			return nil, errors.New("telemetry: set OTEL_EXPORTER_OTLP_ENDPOINT for the otlp trace exporter")
		}
		return otlptracegrpc.New(ctx)
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("%w: traces %q", ErrUnknownExporter, cfg.TraceExporter)
}
