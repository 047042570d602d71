// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and holds the Prometheus collectors exposed on /metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	// Trace exporter.
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// W3C trace context lets callers stitch validation spans into their own traces.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	// Metric exporter.
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Instruments are the OpenTelemetry instruments recorded next to the
// Prometheus collectors. They export through the pipeline Init configures.
type Instruments struct {
	Validations       metric.Int64Counter
	ValidationLatency metric.Float64Histogram
	InferenceTokens   metric.Int64Histogram
	RuleFailures      metric.Int64Counter
	SpansIngested     metric.Int64Counter
}

// NewInstruments creates the instruments on meter. Every field is usable even
// when an error is returned.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		inst Instruments
		errs [5]error
	)
	inst.Validations, errs[0] = meter.Int64Counter("mamori.validations",
		metric.WithDescription("Completed validations by direction and result"),
	)
	inst.ValidationLatency, errs[1] = meter.Float64Histogram("mamori.validation.duration",
		metric.WithDescription("Time to score all rules of a validation (ms)"),
		metric.WithUnit("ms"),
	)
	inst.InferenceTokens, errs[2] = meter.Int64Histogram("mamori.inference.tokens",
		metric.WithDescription("Prompt plus response tokens of inferences whose response was validated"),
		metric.WithUnit("{token}"),
	)
	inst.RuleFailures, errs[3] = meter.Int64Counter("mamori.rule.failures",
		metric.WithDescription("Rule evaluations recorded as Unavailable, by rule type"),
	)
	inst.SpansIngested, errs[4] = meter.Int64Counter("mamori.spans.ingested",
		metric.WithDescription("Spans received on the trace ingest endpoint, by status"),
	)
	return &inst, errors.Join(errs[:]...)
}

var defaultInstruments = sync.OnceValue(func() *Instruments {
	inst, err := NewInstruments(Meter("mamori"))
	if err != nil {
		otel.Handle(err)
	}
	return inst
})

// DefaultInstruments returns the instruments on the global meter provider.
// Instruments created before Init are rebound when Init installs a provider.
func DefaultInstruments() *Instruments {
	return defaultInstruments()
}
