// Package observability wires OpenTelemetry tracing and RED metrics for the
// gateway. With telemetry disabled every method is a no-op, so callers never
// branch on whether a provider exists.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/agenr/agenr/pkg/config"
)

const scopeName = "agenr.gateway"

// Provider manages the trace and metric pipelines.
type Provider struct {
	enabled        bool
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// New builds a provider from gateway config. A disabled config returns a
// working no-op provider.
func New(ctx context.Context, cfg *config.Config) (*Provider, error) {
	p := &Provider{
		enabled: cfg.OTelEnabled,
		logger:  slog.Default().With("component", "observability"),
	}
	if !p.enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.EnvironmentID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	if err := p.initTraces(ctx, cfg.OTLPEndpoint, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, cfg.OTLPEndpoint, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(scopeName)
	p.meter = otel.Meter(scopeName)
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, endpoint string, res *resource.Resource) error {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, endpoint string, res *resource.Resource) error {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("agenr.requests.total",
		metric.WithDescription("Gateway operations started"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("agenr.errors.total",
		metric.WithDescription("Gateway operations that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("agenr.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("agenr.operations.active",
		metric.WithDescription("Operations currently in flight"),
		metric.WithUnit("{operation}"),
	)
	return err
}

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Track opens a span for one gateway operation and returns the finish
// callback. The callback records duration and, on error, the failure.
func (p *Provider) Track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !p.enabled {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)

	p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			span.RecordError(err)
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(
				append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
		}
		span.End()
	}
}

// Operation builds the standard attribute set for a gateway operation.
func Operation(op, platform string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("agenr.operation", op)}
	if platform != "" {
		attrs = append(attrs, attribute.String("agenr.platform", platform))
	}
	return attrs
}
