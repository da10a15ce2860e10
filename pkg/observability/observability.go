// Package observability provides the OpenTelemetry trace and metric
// providers for the agent: OTLP export, envelope throughput counters,
// and rebalance latency histograms.
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
)

const instrumentationName = "concord.agent"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with telemetry disabled;
// the agent runs fine without a collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "concord",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the agent's
// core instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	envelopesIn     metric.Int64Counter
	envelopesOut    metric.Int64Counter
	envelopeDrops   metric.Int64Counter
	rebalanceDur    metric.Float64Histogram
	pendingRequests metric.Int64UpDownCounter
}

// New creates a provider. With Enabled false it returns a no-op
// provider whose record methods are safe to call.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
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
	p.envelopesIn, err = p.meter.Int64Counter("concord.envelopes.in",
		metric.WithDescription("Envelopes decoded from subscribed channels"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return err
	}
	p.envelopesOut, err = p.meter.Int64Counter("concord.envelopes.out",
		metric.WithDescription("Envelopes published to channels"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return err
	}
	p.envelopeDrops, err = p.meter.Int64Counter("concord.envelopes.dropped",
		metric.WithDescription("Inbound messages dropped by the codec"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return err
	}
	p.rebalanceDur, err = p.meter.Float64Histogram("concord.rebalance.duration",
		metric.WithDescription("Rebalance execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0),
	)
	if err != nil {
		return err
	}
	p.pendingRequests, err = p.meter.Int64UpDownCounter("concord.requests.pending",
		metric.WithDescription("Requests awaiting a response"),
		metric.WithUnit("{request}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
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

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a span on the agent tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordEnvelopeIn counts one decoded inbound envelope.
func (p *Provider) RecordEnvelopeIn(ctx context.Context, envelopeType string) {
	if p.envelopesIn != nil {
		p.envelopesIn.Add(ctx, 1, metric.WithAttributes(attribute.String("envelope.type", envelopeType)))
	}
}

// RecordEnvelopeOut counts one published envelope.
func (p *Provider) RecordEnvelopeOut(ctx context.Context, envelopeType string) {
	if p.envelopesOut != nil {
		p.envelopesOut.Add(ctx, 1, metric.WithAttributes(attribute.String("envelope.type", envelopeType)))
	}
}

// RecordEnvelopeDropped counts one message the codec rejected.
func (p *Provider) RecordEnvelopeDropped(ctx context.Context, code string) {
	if p.envelopeDrops != nil {
		p.envelopeDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("drop.code", code)))
	}
}

// RecordRebalanceDuration records one execution's wall time.
func (p *Provider) RecordRebalanceDuration(ctx context.Context, duration time.Duration) {
	if p.rebalanceDur != nil {
		p.rebalanceDur.Record(ctx, duration.Seconds())
	}
}

// RequestStarted and RequestSettled bracket the pending-request gauge.
func (p *Provider) RequestStarted(ctx context.Context) {
	if p.pendingRequests != nil {
		p.pendingRequests.Add(ctx, 1)
	}
}

func (p *Provider) RequestSettled(ctx context.Context) {
	if p.pendingRequests != nil {
		p.pendingRequests.Add(ctx, -1)
	}
}
