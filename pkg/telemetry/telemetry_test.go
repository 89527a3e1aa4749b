package telemetry

import (
	"context"
	"testing"
)

func TestProviderWithoutExporter(t *testing.T) {
	cfg := DefaultConfig("gateway-test")
	cfg.ExporterType = "none"

	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.StartSpan(context.Background(), "gateway.identify")
	if !span.SpanContext().IsValid() {
		t.Error("expected a sampled span with a valid context")
	}
	span.End()
}

func TestProviderRejectsUnknownExporter(t *testing.T) {
	cfg := DefaultConfig("gateway-test")
	cfg.ExporterType = "zipkin"

	if _, err := NewProvider(cfg); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNilProvider(t *testing.T) {
	var p *Provider

	_, span := p.StartSpan(context.Background(), "noop")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
