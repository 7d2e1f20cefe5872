package otel_test

import (
	"context"
	"testing"

	"github.com/basket/iron-claw/internal/otel"
)

func TestInit_DisabledReturnsNoop(t *testing.T) {
	ctx := context.Background()

	p, err := otel.Init(ctx, otel.Config{Enabled: false})
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("noop provider missing tracer or meter")
	}

	// Spans and metrics against the noop provider must not panic.
	_, span := otel.StartSpan(ctx, p.Tracer, "test", otel.AttrTaskID.String("t1"))
	span.End()
	if _, err := otel.NewMetrics(p.Meter); err != nil {
		t.Fatalf("new metrics on noop meter: %v", err)
	}

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown noop: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	ctx := context.Background()

	p, err := otel.Init(ctx, otel.Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("init stdout: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	m, err := otel.NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.WebhookDuration.Record(ctx, 0.012)
	m.PendingHITL.Add(ctx, 1)
	m.PendingHITL.Add(ctx, -1)

	_, span := otel.StartServerSpan(ctx, p.Tracer, "webhook")
	span.End()
}

func TestInit_UnknownExporterRejected(t *testing.T) {
	_, err := otel.Init(context.Background(), otel.Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_NoneExporter(t *testing.T) {
	ctx := context.Background()
	p, err := otel.Init(ctx, otel.Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("init none: %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
