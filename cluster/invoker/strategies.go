package invoker

import (
	"context"

	"github.com/xiaonanln/pulsejob/cluster/dispatch"
	"github.com/xiaonanln/pulsejob/cluster/future"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/metrics"
)

// FailFastInvoker dispatches once and reports the first failure.
type FailFastInvoker struct {
	dispatcher dispatch.Dispatcher
}

func NewFailFast(d dispatch.Dispatcher) *FailFastInvoker {
	return &FailFastInvoker{dispatcher: d}
}

func (i *FailFastInvoker) Strategy() Strategy          { return FailFast }
func (i *FailFastInvoker) DispatchType() dispatch.Type { return i.dispatcher.Type() }

func (i *FailFastInvoker) Invoke(ctx context.Context, req *dispatch.Request) *future.Future {
	return i.dispatcher.Dispatch(ctx, req)
}

// FailOverInvoker retries a failed unicast right away, up to retries times,
// letting the balancer pick a connection each time. Every attempt reuses
// the invoke id. Exhaustion reports the last failure.
type FailOverInvoker struct {
	dispatcher dispatch.Dispatcher
	retries    int
	logger     *logger.Logger
}

// NewFailOver rejects a broadcast dispatcher.
func NewFailOver(d dispatch.Dispatcher, retries int) (*FailOverInvoker, error) {
	if d.Type() == dispatch.Broadcast {
		return nil, ErrBroadcastFailOver
	}
	if retries < 0 {
		retries = 0
	}
	return &FailOverInvoker{
		dispatcher: d,
		retries:    retries,
		logger:     logger.NewLogger("FailOver"),
	}, nil
}

func (i *FailOverInvoker) Strategy() Strategy          { return FailOver }
func (i *FailOverInvoker) DispatchType() dispatch.Type { return i.dispatcher.Type() }

// Retries returns the default retry count.
func (i *FailOverInvoker) Retries() int { return i.retries }

func (i *FailOverInvoker) Invoke(ctx context.Context, req *dispatch.Request) *future.Future {
	retries := i.retries
	if req.Retries > 0 {
		retries = req.Retries
	}
	first := i.dispatcher.Dispatch(ctx, req)
	result := future.New(req.InvokeID)
	i.follow(ctx, req, first, result, retries+1)
	return result
}

// follow completes result from f, or dispatches again while tries remain.
func (i *FailOverInvoker) follow(ctx context.Context, req *dispatch.Request, f, result *future.Future, tries int) {
	f.Relay(result)
	f.WhenComplete(func(resp *future.Response, err error) {
		result.SetRemote(f.Remote())
		if err == nil {
			result.Complete(resp)
			return
		}
		left := tries - 1
		if left <= 0 || ctx.Err() != nil {
			result.CompleteExceptionally(err)
			return
		}

		i.logger.Warnf("[%s] fail-over retry, %d attempts left, method %s on %s #%d: %v",
			remoteOrUnknown(f.Remote()), left, req.Method, req.Endpoint, req.InvokeID, err)
		metrics.RecordFailoverRetry(req.Endpoint)

		next := *req
		next.Attempt++
		i.follow(ctx, &next, i.dispatcher.Dispatch(ctx, &next), result, left)
	})
}

func remoteOrUnknown(remote string) string {
	if remote == "" {
		return "unknown"
	}
	return remote
}

// FailSafeInvoker never fails: errors are logged, counted and replaced by a
// successful completion without a response.
type FailSafeInvoker struct {
	dispatcher dispatch.Dispatcher
	logger     *logger.Logger
}

func NewFailSafe(d dispatch.Dispatcher) *FailSafeInvoker {
	return &FailSafeInvoker{dispatcher: d, logger: logger.NewLogger("FailSafe")}
}

func (i *FailSafeInvoker) Strategy() Strategy          { return FailSafe }
func (i *FailSafeInvoker) DispatchType() dispatch.Type { return i.dispatcher.Type() }

func (i *FailSafeInvoker) Invoke(ctx context.Context, req *dispatch.Request) *future.Future {
	f := i.dispatcher.Dispatch(ctx, req)
	result := future.New(req.InvokeID)
	f.Relay(result)
	f.WhenComplete(func(resp *future.Response, err error) {
		result.SetRemote(f.Remote())
		if err != nil {
			i.logger.Warnf("Suppressed failure of %s on %s #%d: %v", req.Method, req.Endpoint, req.InvokeID, err)
			metrics.RecordFailsafeSuppressed(req.Endpoint)
			result.Complete(nil)
			return
		}
		result.Complete(resp)
	})
	return result
}
