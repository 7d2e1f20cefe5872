package shared

import (
	"context"
	"testing"
)

func TestTraceID_Roundtrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("TraceID on empty context = %q, want \"-\"", got)
	}

	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("TraceID = %q, want %q", got, id)
	}
}

func TestRunAndTaskIDs(t *testing.T) {
	ctx := context.Background()
	if got := RunID(ctx); got != "" {
		t.Fatalf("RunID on empty context = %q, want empty", got)
	}

	ctx = WithRunID(ctx, "run-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithRequestID(ctx, "hitl-abc")

	if got := RunID(ctx); got != "run-1" {
		t.Fatalf("RunID = %q, want run-1", got)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("TaskID = %q, want task-1", got)
	}
	if got := RequestID(ctx); got != "hitl-abc" {
		t.Fatalf("RequestID = %q, want hitl-abc", got)
	}
}
