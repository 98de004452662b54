package tagcache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/adeilh/tagcache/tagcache"

type instruments struct {
	tracer   trace.Tracer
	total    metric.Int64Counter
	errors   metric.Int64Counter
	warnings metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider, tp trace.TracerProvider) (*instruments, error) {
	meter := mp.Meter(instrumentationName)

	total, err := meter.Int64Counter(
		"tagcache.ops.total",
		metric.WithDescription("Total number of cache operations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errs, err := meter.Int64Counter(
		"tagcache.ops.errors",
		metric.WithDescription("Total number of failed cache operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	warnings, err := meter.Int64Counter(
		"tagcache.reconcile.warnings",
		metric.WithDescription("Tag expirations that could not be reconciled after a write"),
		metric.WithUnit("{warning}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"tagcache.ops.duration_ms",
		metric.WithDescription("Cache operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &instruments{
		tracer:   tp.Tracer(instrumentationName),
		total:    total,
		errors:   errs,
		warnings: warnings,
		duration: duration,
	}, nil
}

// begin opens a span for op. The returned func ends it and records the
// call; pass it the operation's final error.
func (in *instruments) begin(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := in.tracer.Start(ctx, "tagcache."+op,
		trace.WithAttributes(attribute.String("tagcache.op", op)))
	start := time.Now()

	return ctx, func(err error) {
		opt := metric.WithAttributes(attribute.String("tagcache.op", op))
		in.total.Add(ctx, 1, opt)
		if err != nil {
			in.errors.Add(ctx, 1, opt)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		in.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, opt)
		span.End()
	}
}

func (in *instruments) warn(ctx context.Context, w *ReconcileWarning) {
	in.warnings.Add(ctx, 1, metric.WithAttributes(attribute.String("tagcache.action", w.Action.String())))
}
