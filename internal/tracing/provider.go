// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing records a span per firing and exports firing latency
// through OpenTelemetry.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/tombee/measured"

// Span attribute keys.
const (
	AttrTest     = attribute.Key("measured.test")
	AttrFiringID = attribute.Key("measured.firing_id")
	AttrOutcome  = attribute.Key("measured.outcome")
	AttrTargets  = attribute.Key("measured.targets")
)

// Option customises a Provider.
type Option func(*options)

type options struct {
	exporter   sdktrace.SpanExporter
	registerer promclient.Registerer
	output     io.Writer
}

// WithSpanExporter replaces the exporter built from Config.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// WithRegisterer registers OpenTelemetry metrics with reg instead of the
// default Prometheus registry.
func WithRegisterer(reg promclient.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithOutput sets where the console exporter writes.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// Provider owns the tracer and meter providers.
type Provider struct {
	tp             *sdktrace.TracerProvider
	mp             *sdkmetric.MeterProvider
	tracer         trace.Tracer
	firingDuration otelmetric.Float64Histogram
}

// NewProvider creates a Provider. When cfg.Enabled is false spans are not
// recorded but the firing histogram is still exported.
func NewProvider(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "measured"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{}

	if cfg.Enabled {
		exp := o.exporter
		if exp == nil {
			exp, err = NewExporter(ctx, cfg, o.output)
			if err != nil {
				return nil, err
			}
		}
		tpOpts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		}
		if exp != nil {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
		}
		p.tp = sdktrace.NewTracerProvider(tpOpts...)
		otel.SetTracerProvider(p.tp)
		p.tracer = p.tp.Tracer(instrumentationName)
	} else {
		p.tracer = noop.NewTracerProvider().Tracer(instrumentationName)
	}

	var promOpts []prometheus.Option
	if o.registerer != nil {
		promOpts = append(promOpts, prometheus.WithRegisterer(o.registerer))
	}
	promExporter, err := prometheus.New(promOpts...)
	if err != nil {
		_ = p.shutdownTraces(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	p.firingDuration, err = p.mp.Meter(instrumentationName).Float64Histogram(
		"measured.firing.duration",
		otelmetric.WithUnit("s"),
		otelmetric.WithDescription("Time from firing to worker reap"),
	)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create firing histogram: %w", err)
	}

	return p, nil
}

// Tracer returns the daemon's tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartFiring opens the span covering one firing.
func (p *Provider) StartFiring(ctx context.Context, test, firingID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "firing "+test,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrTest.String(test), AttrFiringID.String(firingID)))
}

// EndFiring records the firing outcome and latency and closes span.
func (p *Provider) EndFiring(ctx context.Context, span trace.Span, test, outcome string, elapsed time.Duration, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	p.firingDuration.Record(ctx, elapsed.Seconds(), otelmetric.WithAttributes(
		attribute.String("test", test),
		attribute.String("outcome", outcome),
	))
}

// ForceFlush exports all pending spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes pending spans and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.shutdownTraces(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) shutdownTraces(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
