// Package observability wires the control plane's OpenTelemetry exporters,
// grounded on the teacher's internal/otel exporter: a single setup call at
// startup, background batch export, and a handful of named spans/metrics
// for the hot paths (replication lag, presence diffs, channel connects)
// instead of the teacher's per-org telemetry-config registry.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/boundarymesh/controlplane/internal/config"
)

// Provider owns the process's tracer/meter providers and the instruments
// the rest of the control plane records against.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	tracer trace.Tracer
	meter  metric.Meter

	replicationLag    metric.Float64Histogram
	presenceDiffs     metric.Int64Counter
	channelConnects   metric.Int64Counter
	channelDisconnect metric.Int64Counter
}

// New configures OTLP gRPC trace and metric exporters if cfg.OTLPEndpoint
// is set; otherwise it returns a Provider whose instruments are no-ops, so
// callers never need to nil-check before recording.
func New(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	p := &Provider{}

	if cfg.OTLPEndpoint == "" {
		p.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	} else {
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}

		traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}

		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
			sdkmetric.WithResource(res),
		)
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer("github.com/boundarymesh/controlplane")
	p.meter = p.meterProvider.Meter("github.com/boundarymesh/controlplane")

	if p.replicationLag, err = p.meter.Float64Histogram(
		"controlplane.replication.lag_seconds",
		metric.WithDescription("seconds between a committed WAL change and the tailer observing it"),
	); err != nil {
		return nil, fmt.Errorf("create replication lag histogram: %w", err)
	}
	if p.presenceDiffs, err = p.meter.Int64Counter(
		"controlplane.presence.diffs",
		metric.WithDescription("presence_diff events observed, by topic and kind"),
	); err != nil {
		return nil, fmt.Errorf("create presence diff counter: %w", err)
	}
	if p.channelConnects, err = p.meter.Int64Counter(
		"controlplane.channel.connects",
		metric.WithDescription("channel sessions joined, by role"),
	); err != nil {
		return nil, fmt.Errorf("create channel connect counter: %w", err)
	}
	if p.channelDisconnect, err = p.meter.Int64Counter(
		"controlplane.channel.disconnects",
		metric.WithDescription("channel sessions closed, by role"),
	); err != nil {
		return nil, fmt.Errorf("create channel disconnect counter: %w", err)
	}

	return p, nil
}

// Shutdown flushes and closes both providers. Safe to call on a Provider
// built with an empty OTLP endpoint.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

// StartSpan opens a span under the control plane's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordReplicationLag records the observed lag, in seconds, between a
// committed change's timestamp and the tailer processing it.
func (p *Provider) RecordReplicationLag(ctx context.Context, lag time.Duration) {
	p.replicationLag.Record(ctx, lag.Seconds())
}

// RecordPresenceDiff counts a presence_diff event for topic.
func (p *Provider) RecordPresenceDiff(ctx context.Context, topic string, joins, leaves int) {
	if joins > 0 {
		p.presenceDiffs.Add(ctx, int64(joins), metric.WithAttributes(
			attribute.String("topic", topic), attribute.String("kind", "join")))
	}
	if leaves > 0 {
		p.presenceDiffs.Add(ctx, int64(leaves), metric.WithAttributes(
			attribute.String("topic", topic), attribute.String("kind", "leave")))
	}
}

// RecordChannelConnect counts a channel session join for role ("client" or
// "gateway").
func (p *Provider) RecordChannelConnect(ctx context.Context, role string) {
	p.channelConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordChannelDisconnect counts a channel session close for role.
func (p *Provider) RecordChannelDisconnect(ctx context.Context, role string) {
	p.channelDisconnect.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
