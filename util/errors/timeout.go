package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TimeoutError represents an invocation that did not complete before its deadline.
type TimeoutError struct {
	Operation string
	InvokeID  int64
	Target    string
	Timeout   time.Duration
	Err       error
}

// Error returns a human-readable error message.
func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timeout: %s #%d", e.Operation, e.InvokeID)
	if e.Target != "" {
		msg += " on " + e.Target
	}
	if e.Timeout > 0 {
		msg += fmt.Sprintf(" after %v", e.Timeout)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NewTimeoutError creates a new TimeoutError wrapping context.DeadlineExceeded.
func NewTimeoutError(operation string, invokeID int64, target string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		InvokeID:  invokeID,
		Target:    target,
		Timeout:   timeout,
		Err:       context.DeadlineExceeded,
	}
}

// IsTimeout reports whether err is a timeout error. It checks for TimeoutError,
// context.DeadlineExceeded, and gRPC DeadlineExceeded status codes.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.DeadlineExceeded
	}

	return false
}
