package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorMessage_WithTarget(t *testing.T) {
	err := NewTimeoutError("TRIGGER_JOB", 42, "10.0.0.1:7001", 3*time.Second)
	expected := "timeout: TRIGGER_JOB #42 on 10.0.0.1:7001 after 3s: context deadline exceeded"
	if err.Error() != expected {
		t.Fatalf("got %q, want %q", err.Error(), expected)
	}
}

func TestErrorMessage_WithoutTarget(t *testing.T) {
	err := &TimeoutError{Operation: "REQUEST", InvokeID: 7}
	expected := "timeout: REQUEST #7"
	if err.Error() != expected {
		t.Fatalf("got %q, want %q", err.Error(), expected)
	}
}

func TestUnwrap(t *testing.T) {
	err := NewTimeoutError("op", 1, "", 0)
	if err.Unwrap() != context.DeadlineExceeded {
		t.Fatalf("Unwrap returned wrong error")
	}
}

func TestNewTimeoutError_Fields(t *testing.T) {
	err := NewTimeoutError("Call", 9, "peer", time.Second)
	if err.Operation != "Call" {
		t.Fatalf("Operation = %q", err.Operation)
	}
	if err.InvokeID != 9 {
		t.Fatalf("InvokeID = %d", err.InvokeID)
	}
	if err.Target != "peer" {
		t.Fatalf("Target = %q", err.Target)
	}
	if err.Timeout != time.Second {
		t.Fatalf("Timeout = %v", err.Timeout)
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"DeadlineExceeded", context.DeadlineExceeded, true},
		{"TimeoutError", &TimeoutError{Operation: "op", Err: fmt.Errorf("x")}, true},
		{"wrapped DeadlineExceeded", fmt.Errorf("wrap: %w", context.DeadlineExceeded), true},
		{"wrapped TimeoutError", fmt.Errorf("wrap: %w", &TimeoutError{Operation: "op"}), true},
		{"gRPC DeadlineExceeded", status.Error(codes.DeadlineExceeded, "timeout"), true},
		{"gRPC Unavailable", status.Error(codes.Unavailable, "unavailable"), false},
		{"regular error", fmt.Errorf("some error"), false},
		{"context.Canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.want {
				t.Fatalf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
