package callcontext

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey int

const (
	invokeIDKey contextKey = iota
	executorKey
	jobIDKey
)

// WithInvokeID returns a new context carrying the invoke id of the current dispatch
func WithInvokeID(ctx context.Context, invokeID int64) context.Context {
	return context.WithValue(ctx, invokeIDKey, invokeID)
}

// InvokeID retrieves the invoke id from the context.
// Returns 0 if none is present
func InvokeID(ctx context.Context) int64 {
	if id, ok := ctx.Value(invokeIDKey).(int64); ok {
		return id
	}
	return 0
}

// WithExecutor returns a new context carrying the target executor name
func WithExecutor(ctx context.Context, executor string) context.Context {
	return context.WithValue(ctx, executorKey, executor)
}

// Executor retrieves the executor name from the context
func Executor(ctx context.Context) string {
	if name, ok := ctx.Value(executorKey).(string); ok {
		return name
	}
	return ""
}

// WithJobID returns a new context carrying the job id being triggered
func WithJobID(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobID retrieves the job id from the context
func JobID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(jobIDKey).(int64)
	return id, ok
}
