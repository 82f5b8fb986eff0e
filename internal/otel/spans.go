package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Agenda spans.
var (
	AttrSessionID  = attribute.Key("agenda.session.id")
	AttrTurnStatus = attribute.Key("agenda.turn.status")
	AttrStepID     = attribute.Key("agenda.step.id")
	AttrIntent     = attribute.Key("agenda.step.intent")
	AttrOracleRole = attribute.Key("agenda.oracle.role")
	AttrModel      = attribute.Key("agenda.llm.model")
	AttrPlanSteps  = attribute.Key("agenda.plan.steps")
	AttrIssueCount = attribute.Key("agenda.issues.count")
	AttrScheduleID = attribute.Key("agenda.digest.schedule_id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound turn (channel message, digest fire).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, store).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
