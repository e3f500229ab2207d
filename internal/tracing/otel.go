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

// Package tracing wires OpenTelemetry tracing around the run pipeline.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// MetricsHandler returns the HTTP handler serving every metric
// registered with promauto's default registry: the orphan
// reconciliation counters plus the Go runtime and process collectors
// the default registry carries.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Config controls tracer provider construction.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of root spans sampled, in [0,1]. Zero
	// means "use the default" (always-on): an unset sampler must never
	// silently drop spans.
	SampleRatio float64
}

// Provider owns the process-wide TracerProvider and exposes the Tracer
// the run pipeline starts spans from.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a TracerProvider from cfg plus any additional span
// processors (an OTLP or stdout exporter configured by the caller) and
// registers it as the global provider.
func NewProvider(cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: merge resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	allOpts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}, opts...)

	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer("github.com/tombee/orchestrator/internal/worker"),
	}, nil
}

// Tracer returns the tracer the run pipeline instruments itself with.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return nil
	}
	return p.tracer
}

// Shutdown flushes and releases the underlying TracerProvider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// ForceFlush blocks until all pending spans are exported.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// SafeStartSpan starts a span from tracer, tolerating a nil tracer (no
// provider configured) or a panicking exporter by falling back to the
// span already in ctx. A pipeline stage must never fail because tracing
// is disabled or broken.
func SafeStartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (resultCtx context.Context, span trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	defer func() {
		if recover() != nil {
			resultCtx, span = ctx, trace.SpanFromContext(ctx)
		}
	}()
	opts := []trace.SpanStartOption{}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return tracer.Start(ctx, name, opts...)
}

// SafeEndSpan ends span, recovering from a panic in the underlying
// exporter so a misbehaving span processor never takes down a run.
func SafeEndSpan(span trace.Span) {
	if span == nil {
		return
	}
	defer func() { recover() }()
	span.End()
}

// SafeSetAttributes attaches attrs to span, tolerating panics from the
// span implementation.
func SafeSetAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil || len(attrs) == 0 {
		return
	}
	defer func() { recover() }()
	span.SetAttributes(attrs...)
}

// SafeRecordError records err on span and marks it failed, tolerating
// panics from the span implementation. A nil err is a no-op.
func SafeRecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	defer func() { recover() }()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SafeAddEvent records a point-in-time event on span, tolerating panics
// from the span implementation.
func SafeAddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	defer func() { recover() }()
	opts := []trace.EventOption{}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	span.AddEvent(name, opts...)
}
