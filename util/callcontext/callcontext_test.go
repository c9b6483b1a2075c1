package callcontext

import (
	"context"
	"testing"
)

func TestInvokeID(t *testing.T) {
	ctx := context.Background()
	if got := InvokeID(ctx); got != 0 {
		t.Errorf("Expected 0 for empty context, got %d", got)
	}

	ctx = WithInvokeID(ctx, 42)
	if got := InvokeID(ctx); got != 42 {
		t.Errorf("Expected invoke id 42, got %d", got)
	}
}

func TestExecutor(t *testing.T) {
	ctx := WithExecutor(context.Background(), "order-executor")
	if got := Executor(ctx); got != "order-executor" {
		t.Errorf("Expected executor %q, got %q", "order-executor", got)
	}
	if got := Executor(context.Background()); got != "" {
		t.Errorf("Expected empty executor, got %q", got)
	}
}

func TestJobID(t *testing.T) {
	if _, ok := JobID(context.Background()); ok {
		t.Error("Expected no job id in empty context")
	}

	ctx := WithJobID(context.Background(), 1001)
	id, ok := JobID(ctx)
	if !ok || id != 1001 {
		t.Errorf("Expected job id 1001, got %d (ok=%v)", id, ok)
	}
}

func TestValuesAreIndependent(t *testing.T) {
	ctx := WithInvokeID(context.Background(), 5)
	ctx = WithExecutor(ctx, "e1")
	ctx = WithJobID(ctx, 9)

	if InvokeID(ctx) != 5 || Executor(ctx) != "e1" {
		t.Fatalf("Unexpected values: invoke=%d executor=%q", InvokeID(ctx), Executor(ctx))
	}
	if id, _ := JobID(ctx); id != 9 {
		t.Fatalf("Unexpected job id %d", id)
	}
}
