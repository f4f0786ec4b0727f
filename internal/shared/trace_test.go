package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default is "-".
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}

	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}

	// Overwrite.
	ctx = WithTraceID(ctx, "trace-2")
	if got := TraceID(ctx); got != "trace-2" {
		t.Fatalf("expected trace-2, got %q", got)
	}
}

func TestNewTraceID_NonEmptyAndUnique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || b == "" {
		t.Fatalf("expected non-empty trace ids")
	}
	if a == b {
		t.Fatalf("expected unique trace ids, got %q twice", a)
	}
}
