// Package telemetry wires optional OpenTelemetry tracing into the
// engine. It is a no-op by default: without Init, every Tracer/Meter
// call returns OpenTelemetry's global no-op implementations, so the
// engine never requires a collector to run. Grounded on
// abiolaogu-MinIO's internal/tracing package, the one repo in the
// retrieval pack wiring real observability into a storage engine.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "fastpath-engine"
	serviceVersion = "1.0.0"
)

// Config configures tracing. A zero Config disables tracing entirely;
// Tracer calls still work against OpenTelemetry's global no-op
// provider.
type Config struct {
	// JaegerEndpoint is the Jaeger collector's HTTP endpoint. Empty
	// disables tracing.
	JaegerEndpoint string
	// SlideID, when set, is attached to the service resource as
	// fastpath.slide_id. Init installs its provider process-wide, so
	// every span carries the SlideID of the most recent Init.
	SlideID string
}

// Provider owns the process-wide tracer provider for one engine
// instance. It is optional. It is not the only process-wide state: the
// cache instruments below and internal/decode's buffer pool are also
// package-level.
type Provider struct {
	tp *tracesdk.TracerProvider
}

// Init sets up OpenTelemetry tracing per cfg. If cfg.JaegerEndpoint is
// empty, Init is a no-op and returns a Provider whose Shutdown also
// does nothing; callers do not need to branch on whether tracing is
// configured.
func Init(cfg Config) (*Provider, error) {
	if cfg.JaegerEndpoint == "" {
		return &Provider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("creating jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	}
	if cfg.SlideID != "" {
		attrs = append(attrs, attribute.String("fastpath.slide_id", cfg.SlideID))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Printf("fastpath: tracing enabled, exporting to %s", cfg.JaegerEndpoint)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes and stops the tracer provider. Safe to call on a
// no-op Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns a tracer scoped to one engine component (e.g. "cache",
// "prefetch"). Safe to call whether or not Init configured a real
// exporter.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(fmt.Sprintf("%s/%s", serviceName, component))
}

// Meter returns a meter scoped to one engine component, backed by
// OpenTelemetry's global MeterProvider (the no-op implementation unless
// a caller outside this package has installed a real one via
// otel.SetMeterProvider).
func Meter(component string) metric.Meter {
	return otel.Meter(fmt.Sprintf("%s/%s", serviceName, component))
}

// StartSpan starts a span under tracer with the given attributes, the
// same small convenience the teacher's tracing package offers.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records err on the span active in ctx, if any and if it
// is currently recording.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
	}
}

// cacheInstruments holds the small set of counters/gauges C3 reports:
// fetch latency and hit/miss counts by tier, mirroring the fields
// Cache.Stats already tracks under its own lock.
var (
	cacheInstrumentsOnce sync.Once
	cacheHits            metric.Int64Counter
	cacheMisses          metric.Int64Counter
	fetchLatency         metric.Float64Histogram
)

func initCacheInstruments() {
	meter := Meter("cache")
	cacheHits, _ = meter.Int64Counter("fastpath.cache.hits",
		metric.WithDescription("Cache hits by tier"))
	cacheMisses, _ = meter.Int64Counter("fastpath.cache.misses",
		metric.WithDescription("Cache misses by tier"))
	fetchLatency, _ = meter.Float64Histogram("fastpath.cache.fetch_latency_seconds",
		metric.WithDescription("Cache.Fetch latency in seconds, L1/L2 hits and misses alike"))
}

// RecordCacheHit increments the hit counter for tier ("l1" or "l2").
func RecordCacheHit(tier string) {
	cacheInstrumentsOnce.Do(initCacheInstruments)
	cacheHits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordCacheMiss increments the miss counter for tier ("l1" or "l2").
func RecordCacheMiss(tier string) {
	cacheInstrumentsOnce.Do(initCacheInstruments)
	cacheMisses.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordFetchLatency records one Cache.Fetch call's duration.
func RecordFetchLatency(seconds float64) {
	cacheInstrumentsOnce.Do(initCacheInstruments)
	fetchLatency.Record(context.Background(), seconds)
}
