package tagcache

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const defaultConcurrency = 8

// WarningHandler receives reconcile warnings as they happen.
type WarningHandler func(ctx context.Context, w *ReconcileWarning)

type options struct {
	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	concurrency    int
	onWarning      WarningHandler
}

// Option configures a Cache.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:         slog.Default(),
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
		concurrency:    defaultConcurrency,
	}
}

// WithLogger sets the logger for reconcile warnings and debug events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMeterProvider sets where operation metrics are recorded.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithTracerProvider sets where operation spans are recorded.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithConcurrency bounds how many tags multi-tag reads and removals
// process at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithWarningHandler registers h to be called for every reconcile warning.
func WithWarningHandler(h WarningHandler) Option {
	return func(o *options) { o.onWarning = h }
}
