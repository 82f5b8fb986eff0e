package engine

import (
	"context"
	"encoding/json"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/agenda/internal/oracle"
	otelpkg "github.com/basket/agenda/internal/otel"
	"github.com/basket/agenda/internal/plan"
	"github.com/basket/agenda/internal/session"
	"github.com/basket/agenda/internal/store"
)

func TestProcessTurnEmitsSpansAndMetrics(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(ctx)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(ctx)
	instruments, err := otelpkg.NewMetrics(mp.Meter(otelpkg.MeterName))
	if err != nil {
		t.Fatal(err)
	}

	planner := &fakePlanner{out: plan.PlannerOutput{
		Plan: plan.Plan{Steps: []plan.PlanStep{
			{ID: "a", Intent: plan.IntentCreateEvent},
		}},
		Confidence: 0.9,
	}}
	extractor := &fakeExtractor{byID: map[plan.Intent]map[string]json.RawMessage{
		plan.IntentCreateEvent: rawArgs(t, map[string]string{
			"title": "Dentist", "start": "2026-02-12T16:00",
		}),
	}}
	m := store.NewMemory()
	sessions := session.NewManager(m, nil)
	e := New(oracle.Suite{Planner: planner, Extractor: extractor}, m, sessions, Options{
		Tracer:  tp.Tracer(otelpkg.TracerName),
		Metrics: instruments,
	})

	resp, err := e.ProcessTurn(ctx, TurnRequest{SessionID: "sess", Utterance: "dentist thursday at 4pm"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("status = %s, issues = %v", resp.Status, resp.Issues)
	}

	spanNames := map[string]bool{}
	for _, s := range exporter.GetSpans() {
		spanNames[s.Name] = true
	}
	for _, want := range []string{"agenda.turn", "agenda.turn.plan", "agenda.turn.extract", "agenda.turn.execute"} {
		if !spanNames[want] {
			t.Errorf("missing span %q, have %v", want, spanNames)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	metricNames := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			metricNames[mt.Name] = true
		}
	}
	for _, want := range []string{"agenda.turn.duration", "agenda.steps.executed"} {
		if !metricNames[want] {
			t.Errorf("missing metric %q, have %v", want, metricNames)
		}
	}
}
