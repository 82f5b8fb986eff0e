package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TurnDuration == nil {
		t.Error("TurnDuration is nil")
	}
	if m.OracleCallDuration == nil {
		t.Error("OracleCallDuration is nil")
	}
	if m.StoreCallDuration == nil {
		t.Error("StoreCallDuration is nil")
	}
	if m.StepsExecuted == nil {
		t.Error("StepsExecuted is nil")
	}
	if m.StepFailures == nil {
		t.Error("StepFailures is nil")
	}
	if m.Clarifications == nil {
		t.Error("Clarifications is nil")
	}
	if m.OracleRetries == nil {
		t.Error("OracleRetries is nil")
	}
	if m.DigestsFired == nil {
		t.Error("DigestsFired is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter; metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
