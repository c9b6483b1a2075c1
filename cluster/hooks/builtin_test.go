package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xiaonanln/pulsejob/cluster/future"
	"github.com/xiaonanln/pulsejob/protocol"
	pjerrors "github.com/xiaonanln/pulsejob/util/errors"
	"github.com/xiaonanln/pulsejob/util/metrics"
	pjtestutil "github.com/xiaonanln/pulsejob/util/testutil"
)

func passThrough(_ context.Context, inv *Invocation) (*future.Future, error) {
	return future.New(inv.InvokeID), nil
}

func TestTracingInterceptor(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	ti := NewTracingInterceptorWithTracer(tp.Tracer("test"))
	c := NewInterceptorChain(ti)

	inv := NewInvocation(context.Background(), "billing", "trigger", 11)
	inv.Remote = "10.0.0.1:9000"
	c.Before(inv)
	c.After(inv, nil, errors.New("boom"))

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "pulsejob.invoke" {
		t.Fatalf("span name = %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Fatalf("span status = %v, want Error", s.Status().Code)
	}
	found := map[string]bool{}
	for _, kv := range s.Attributes() {
		found[string(kv.Key)] = true
	}
	for _, k := range []string{"pulsejob.executor", "pulsejob.invoke_id", "pulsejob.remote"} {
		if !found[k] {
			t.Fatalf("span missing attribute %s", k)
		}
	}
}

func TestTracingInterceptor_OkStatus(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	c := NewInterceptorChain(NewTracingInterceptorWithTracer(tp.Tracer("test")))

	inv := NewInvocation(context.Background(), "billing", "trigger", 1)
	c.Around(inv, func() (*future.Response, error) { return &future.Response{}, nil })
	if spans := sr.Ended(); len(spans) != 1 || spans[0].Status().Code != codes.Ok {
		t.Fatalf("expected one ok span, got %d", len(spans))
	}
}

func TestMetricsInterceptor(t *testing.T) {
	pjtestutil.LockMetrics(t)
	metrics.InvokeTimeoutsTotal.Reset()

	c := NewInterceptorChain(NewMetricsInterceptor())
	inv := NewInvocation(context.Background(), "billing", "trigger", 1)
	c.Before(inv)
	c.After(inv, nil, pjerrors.NewTimeoutError("invoke", 1, "", time.Second))

	if got := testutil.ToFloat64(metrics.InvokeTimeoutsTotal.WithLabelValues("billing")); got != 1 {
		t.Fatalf("timeouts = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(metrics.InvokeDuration); n == 0 {
		t.Fatalf("no invoke duration recorded")
	}
}

func TestRateLimitFilter(t *testing.T) {
	pjtestutil.LockMetrics(t)
	metrics.FilterRejectedTotal.Reset()

	c := NewFilterChain(passThrough, NewRateLimitFilter(0.001, 2))
	for i := 0; i < 2; i++ {
		if _, err := c.Invoke(context.Background(), NewInvocation(context.Background(), "billing", "trigger", int64(i))); err != nil {
			t.Fatalf("call %d within burst rejected: %v", i, err)
		}
	}

	_, err := c.Invoke(context.Background(), NewInvocation(context.Background(), "billing", "trigger", 3))
	var se *future.StatusError
	if !errors.As(err, &se) || se.Status != protocol.StatusServerError || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want rate limited SERVER_ERROR", err)
	}
	if got := testutil.ToFloat64(metrics.FilterRejectedTotal.WithLabelValues("rate_limit")); got != 1 {
		t.Fatalf("rejections = %v, want 1", got)
	}

	if _, err := c.Invoke(context.Background(), NewInvocation(context.Background(), "reports", "trigger", 4)); err != nil {
		t.Fatalf("other executors have their own limiter: %v", err)
	}
}

func TestValidationFilter(t *testing.T) {
	c := NewFilterChain(passThrough, NewValidationFilter())

	tests := []struct {
		name    string
		inv     *Invocation
		wantErr bool
	}{
		{"ok", &Invocation{Endpoint: "billing", Method: "trigger", Payload: &protocol.TriggerRequest{ExecutorName: "billing", Handler: "h"}}, false},
		{"no endpoint", &Invocation{Method: "trigger"}, true},
		{"no method", &Invocation{Endpoint: "billing"}, true},
		{"bad payload", &Invocation{Endpoint: "billing", Method: "trigger", Payload: &protocol.TriggerRequest{ExecutorName: "billing"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Invoke(context.Background(), tt.inv)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && future.StatusOf(err) != protocol.StatusBadRequest {
				t.Fatalf("status = %s, want BAD_REQUEST", future.StatusOf(err))
			}
		})
	}
}

func TestAccessFilter(t *testing.T) {
	denied := errors.New("denied")
	c := NewFilterChain(passThrough, NewAccessFilter(func(endpoint, method string) error {
		if method == "cleanup" {
			return denied
		}
		return nil
	}))

	if _, err := c.Invoke(context.Background(), NewInvocation(context.Background(), "billing", "charge", 1)); err != nil {
		t.Fatalf("allowed call rejected: %v", err)
	}
	_, err := c.Invoke(context.Background(), NewInvocation(context.Background(), "billing", "cleanup", 2))
	var se *future.StatusError
	if !errors.As(err, &se) || se.Status != protocol.StatusBadRequest || !errors.Is(err, denied) {
		t.Fatalf("err = %v, want BAD_REQUEST wrapping denied", err)
	}
}
