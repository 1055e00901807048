// internal/common/observability/observability.go
package observability

import (
	"context"
	"errors"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"loan-orchestrator/internal/common/logger"
)

type Options struct {
	ServiceName      string
	TraceSampleRatio float64
	// Registerer receives the OTel Prometheus exporter. Defaults to the
	// global Prometheus registry.
	Registerer promclient.Registerer
}

type Observability struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	runCounter     otelmetric.Int64Counter
	runDuration    otelmetric.Float64Histogram
}

// New installs global meter and tracer providers. On exporter failure it
// logs and returns an instance whose recorders are no-ops.
func New(opts Options, log logger.Logger) *Observability {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	if opts.Registerer == nil {
		opts.Registerer = promclient.DefaultRegisterer
	}

	res := resource.NewSchemaless(attribute.String("service.name", opts.ServiceName))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.TraceSampleRatio))),
	)
	otel.SetTracerProvider(tp)

	o := &Observability{
		tracerProvider: tp,
		tracer:         tp.Tracer(opts.ServiceName),
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(opts.Registerer))
	if err != nil {
		log.Error("Failed to create Prometheus exporter", map[string]interface{}{"error": err})
		return o
	}

	mp := metric.NewMeterProvider(metric.WithReader(exporter), metric.WithResource(res))
	otel.SetMeterProvider(mp)
	o.meterProvider = mp

	meter := mp.Meter(opts.ServiceName)

	o.runCounter, _ = meter.Int64Counter(
		"loan.pipeline.runs",
		otelmetric.WithDescription("Assessment runs finished"),
	)
	o.runDuration, _ = meter.Float64Histogram(
		"loan.pipeline.run.duration",
		otelmetric.WithDescription("Assessment run duration"),
		otelmetric.WithUnit("ms"),
	)

	return o
}

// Tracer is safe to call on a nil receiver.
func (o *Observability) Tracer() trace.Tracer {
	if o == nil || o.tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return o.tracer
}

func (o *Observability) RecordRun(ctx context.Context, status, path string, duration time.Duration) {
	if o == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("status", status),
		attribute.String("path", path),
	)
	if o.runCounter != nil {
		o.runCounter.Add(ctx, 1, attrs)
	}
	if o.runDuration != nil {
		o.runDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	if o.tracerProvider != nil {
		errs = append(errs, o.tracerProvider.Shutdown(ctx))
	}
	if o.meterProvider != nil {
		errs = append(errs, o.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
