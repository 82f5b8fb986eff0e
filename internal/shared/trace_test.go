package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default placeholder.
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}

	ctx = WithTraceID(ctx, "trace-123")
	if got := TraceID(ctx); got != "trace-123" {
		t.Fatalf("expected trace-123, got %q", got)
	}

	// Overwrite.
	ctx = WithTraceID(ctx, "trace-456")
	if got := TraceID(ctx); got != "trace-456" {
		t.Fatalf("expected trace-456, got %q", got)
	}
}

func TestSessionID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithSessionID(ctx, "telegram-42")
	if got := SessionID(ctx); got != "telegram-42" {
		t.Fatalf("expected telegram-42, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}
