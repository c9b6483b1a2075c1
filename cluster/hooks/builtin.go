package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/xiaonanln/pulsejob/cluster/future"
	"github.com/xiaonanln/pulsejob/protocol"
	pjerrors "github.com/xiaonanln/pulsejob/util/errors"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/metrics"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrInvalid     = errors.New("invalid invocation")
)

// LoggingInterceptor logs each invocation at debug level and failures at warn.
type LoggingInterceptor struct {
	logger *logger.Logger
}

func NewLoggingInterceptor() *LoggingInterceptor {
	return &LoggingInterceptor{logger: logger.NewLogger("Invoke")}
}

func (l *LoggingInterceptor) Before(inv *Invocation) error {
	l.logger.Debugf("%s #%d -> %s attempt %d", inv.Method, inv.InvokeID, inv.Endpoint, inv.Attempt)
	return nil
}

func (l *LoggingInterceptor) After(inv *Invocation, _ *future.Response, err error) error {
	if err != nil {
		l.logger.Warnf("%s #%d on %s (%s) failed after %v: %v", inv.Method, inv.InvokeID, inv.Endpoint, inv.Remote, inv.Elapsed(), err)
		return nil
	}
	l.logger.Debugf("%s #%d on %s (%s) done in %v", inv.Method, inv.InvokeID, inv.Endpoint, inv.Remote, inv.Elapsed())
	return nil
}

// MetricsInterceptor records invocation latency by outcome status.
type MetricsInterceptor struct{}

func NewMetricsInterceptor() *MetricsInterceptor { return &MetricsInterceptor{} }

func (MetricsInterceptor) Before(*Invocation) error { return nil }

func (MetricsInterceptor) After(inv *Invocation, _ *future.Response, err error) error {
	status := future.StatusOf(err)
	metrics.RecordInvokeDuration(inv.Endpoint, status.String(), inv.Elapsed().Seconds())
	if pjerrors.IsTimeout(err) {
		metrics.RecordInvokeTimeout(inv.Endpoint)
	}
	return nil
}

const tracerName = "github.com/xiaonanln/pulsejob"

type spanKey struct{}

// TracingInterceptor wraps each invocation in an OpenTelemetry span. The span
// travels in inv.Ctx from Before to After.
type TracingInterceptor struct {
	tracer trace.Tracer
}

// NewTracingInterceptor uses the global tracer provider.
func NewTracingInterceptor() *TracingInterceptor {
	return NewTracingInterceptorWithTracer(otel.Tracer(tracerName))
}

func NewTracingInterceptorWithTracer(tracer trace.Tracer) *TracingInterceptor {
	return &TracingInterceptor{tracer: tracer}
}

func (t *TracingInterceptor) Before(inv *Invocation) error {
	ctx := inv.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := t.tracer.Start(ctx, "pulsejob.invoke",
		trace.WithAttributes(
			attribute.String("pulsejob.executor", inv.Endpoint),
			attribute.String("pulsejob.method", inv.Method),
			attribute.Int64("pulsejob.invoke_id", inv.InvokeID),
			attribute.String("pulsejob.dispatch_type", inv.DispatchType),
			attribute.Int("pulsejob.attempt", inv.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	inv.Ctx = context.WithValue(ctx, spanKey{}, span)
	return nil
}

func (t *TracingInterceptor) After(inv *Invocation, _ *future.Response, err error) error {
	if inv.Ctx == nil {
		return nil
	}
	span, ok := inv.Ctx.Value(spanKey{}).(trace.Span)
	if !ok {
		return fmt.Errorf("no span for %s #%d", inv.Endpoint, inv.InvokeID)
	}
	if inv.Remote != "" {
		span.SetAttributes(attribute.String("pulsejob.remote", inv.Remote))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	return nil
}

// RateLimitFilter bounds the invocation rate per executor.
type RateLimitFilter struct {
	limit    rate.Limit
	burst    int
	limiters sync.Map // endpoint -> *rate.Limiter
}

// NewRateLimitFilter allows perSecond invocations per executor with the given burst.
func NewRateLimitFilter(perSecond float64, burst int) *RateLimitFilter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitFilter{limit: rate.Limit(perSecond), burst: burst}
}

func (f *RateLimitFilter) Name() string { return "rate_limit" }

func (f *RateLimitFilter) limiter(endpoint string) *rate.Limiter {
	if v, ok := f.limiters.Load(endpoint); ok {
		return v.(*rate.Limiter)
	}
	v, _ := f.limiters.LoadOrStore(endpoint, rate.NewLimiter(f.limit, f.burst))
	return v.(*rate.Limiter)
}

func (f *RateLimitFilter) Filter(ctx context.Context, inv *Invocation, next Next) (*future.Future, error) {
	if !f.limiter(inv.Endpoint).Allow() {
		metrics.RecordFilterRejected(f.Name())
		return nil, &future.StatusError{
			InvokeID: inv.InvokeID,
			Status:   protocol.StatusServerError,
			Message:  fmt.Sprintf("executor %s over %v invocations/s", inv.Endpoint, float64(f.limit)),
			Err:      ErrRateLimited,
		}
	}
	return next(ctx, inv)
}

// Validator is implemented by payloads that can check themselves.
type Validator interface {
	Validate() error
}

// ValidationFilter rejects invocations without an endpoint or method, and
// payloads whose Validate fails.
type ValidationFilter struct{}

func NewValidationFilter() *ValidationFilter { return &ValidationFilter{} }

func (ValidationFilter) Name() string { return "validation" }

func (v ValidationFilter) Filter(ctx context.Context, inv *Invocation, next Next) (*future.Future, error) {
	var reason error
	switch {
	case inv.Endpoint == "":
		reason = errors.New("missing executor")
	case inv.Method == "":
		reason = errors.New("missing method")
	default:
		if p, ok := inv.Payload.(Validator); ok {
			reason = p.Validate()
		}
	}
	if reason != nil {
		metrics.RecordFilterRejected(v.Name())
		return nil, &future.StatusError{
			InvokeID: inv.InvokeID,
			Status:   protocol.StatusBadRequest,
			Message:  reason.Error(),
			Err:      ErrInvalid,
		}
	}
	return next(ctx, inv)
}

// AccessFilter rejects invocations whose executor and method fail check.
type AccessFilter struct {
	check func(endpoint, method string) error
}

func NewAccessFilter(check func(endpoint, method string) error) *AccessFilter {
	return &AccessFilter{check: check}
}

func (AccessFilter) Name() string { return "access" }

func (f *AccessFilter) Filter(ctx context.Context, inv *Invocation, next Next) (*future.Future, error) {
	if err := f.check(inv.Endpoint, inv.Method); err != nil {
		metrics.RecordFilterRejected(f.Name())
		return nil, &future.StatusError{
			InvokeID: inv.InvokeID,
			Status:   protocol.StatusBadRequest,
			Message:  err.Error(),
			Err:      err,
		}
	}
	return next(ctx, inv)
}
