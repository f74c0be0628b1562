package otel

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider should still expose no-op tracer and meter")
	}
	_, span := StartSpan(context.Background(), p.Tracer, "test")
	span.End()
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.JobDuration == nil || m.JobAttempts == nil || m.ActiveJobs == nil || m.AgentRestarts == nil {
		t.Fatal("all instruments should be created")
	}
	m.JobAttempts.Add(context.Background(), 1)
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "bogus"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
