package telemetry

import (
	"context"
	"testing"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	p, err := Init(Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.tp != nil {
		t.Error("Init with empty JaegerEndpoint should not build a real TracerProvider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on no-op provider: %v", err)
	}
}

func TestShutdownOnNilProviderIsSafe(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil *Provider: %v", err)
	}
}

func TestTracerAndMeterWorkWithoutInit(t *testing.T) {
	tracer := Tracer("cache")
	ctx, span := StartSpan(context.Background(), tracer, "fetch")
	span.End()
	RecordError(ctx, nil)

	if Meter("cache") == nil {
		t.Error("Meter returned nil")
	}
}

func TestCacheInstrumentsAreSafeWithoutInit(t *testing.T) {
	RecordCacheHit("l1")
	RecordCacheMiss("l2")
	RecordFetchLatency(0.001)
}
