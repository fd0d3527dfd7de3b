// Package metrics records run, occasion, send and sweep measurements with
// OpenTelemetry, optionally exporting them over OTLP/gRPC.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"duewatch/internal/dispatch"
	"duewatch/internal/domain"
	logx "duewatch/pkg/logx"
)

const meterName = "duewatch"

type Config struct {
	Enabled     bool
	Endpoint    string // host:port; empty records without exporting
	Insecure    bool
	Interval    time.Duration
	ServiceName string
	Version     string
}

// Provider owns the meter provider and the instruments.
type Provider struct {
	mp  *sdkmetric.MeterProvider
	log logx.Logger

	runs        metric.Int64Counter
	runDuration metric.Float64Histogram
	occasions   metric.Int64Counter
	skipped     metric.Int64Counter
	sends       metric.Int64Counter
	sendLatency metric.Float64Histogram
	downgrades  metric.Int64Counter
	sweeps      metric.Int64Counter
}

// New builds a provider. A disabled config returns a provider whose
// methods are no-ops.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "metrics"))
	if !cfg.Enabled {
		return &Provider{log: log}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "duewatch"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}

	// Schemaless so the merge never conflicts with the SDK default schema.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("metrics resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
		eopts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(ep)}
		if cfg.Insecure {
			eopts = append(eopts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, eopts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval))))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	p, err := newWithMeterProvider(mp, log)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	log.Info("metrics initialized", logx.String("service", cfg.ServiceName), logx.String("endpoint", cfg.Endpoint), logx.Duration("interval", cfg.Interval))
	return p, nil
}

func newWithMeterProvider(mp *sdkmetric.MeterProvider, log logx.Logger) (*Provider, error) {
	p := &Provider{mp: mp, log: log}
	m := mp.Meter(meterName)
	var err error

	if p.runs, err = m.Int64Counter("duewatch.dispatch.runs",
		metric.WithDescription("Dispatch runs by outcome"), metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if p.runDuration, err = m.Float64Histogram("duewatch.dispatch.run.duration",
		metric.WithDescription("Dispatch run duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600)); err != nil {
		return nil, err
	}
	if p.occasions, err = m.Int64Counter("duewatch.dispatch.occasions",
		metric.WithDescription("Attempted occasions by final status"), metric.WithUnit("{occasion}")); err != nil {
		return nil, err
	}
	if p.skipped, err = m.Int64Counter("duewatch.dispatch.occasions.skipped",
		metric.WithDescription("Due occasions not attempted, by reason"), metric.WithUnit("{occasion}")); err != nil {
		return nil, err
	}
	if p.sends, err = m.Int64Counter("duewatch.channel.sends",
		metric.WithDescription("Channel send attempts by channel and result"), metric.WithUnit("{send}")); err != nil {
		return nil, err
	}
	if p.sendLatency, err = m.Float64Histogram("duewatch.channel.send.duration",
		metric.WithDescription("Channel send latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		return nil, err
	}
	if p.downgrades, err = m.Int64Counter("duewatch.plans.downgraded",
		metric.WithDescription("Plans moved to free by the expiry sweep"), metric.WithUnit("{plan}")); err != nil {
		return nil, err
	}
	if p.sweeps, err = m.Int64Counter("duewatch.plans.sweeps",
		metric.WithDescription("Expiry sweeps by outcome"), metric.WithUnit("{sweep}")); err != nil {
		return nil, err
	}
	return p, nil
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

// RecordRun implements dispatch.Recorder.
func (p *Provider) RecordRun(ctx context.Context, s dispatch.Summary, err error) {
	if p == nil || p.mp == nil {
		return
	}
	p.runs.Add(ctx, 1, metric.WithAttributes(outcome(err)))
	p.runDuration.Record(ctx, s.Took.Seconds(), metric.WithAttributes(outcome(err)))
	for reason, n := range map[string]int{
		"already_sent": s.AlreadySent,
		"no_channels":  s.NoChannels,
	} {
		if n > 0 {
			p.skipped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
		}
	}
}

// RecordOccasion implements dispatch.Recorder.
func (p *Provider) RecordOccasion(ctx context.Context, status domain.DispatchStatus) {
	if p == nil || p.mp == nil {
		return
	}
	p.occasions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

// RecordSend implements dispatch.Recorder.
func (p *Provider) RecordSend(ctx context.Context, ch domain.Channel, ok bool, took time.Duration) {
	if p == nil || p.mp == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("channel", string(ch)), attribute.Bool("success", ok))
	p.sends.Add(ctx, 1, attrs)
	p.sendLatency.Record(ctx, took.Seconds(), attrs)
}

// RecordSweep implements reconcile.Recorder.
func (p *Provider) RecordSweep(ctx context.Context, downgraded int, err error) {
	if p == nil || p.mp == nil {
		return
	}
	p.sweeps.Add(ctx, 1, metric.WithAttributes(outcome(err)))
	if downgraded > 0 {
		p.downgrades.Add(ctx, int64(downgraded))
	}
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	return p.mp.Shutdown(ctx)
}
