// Package dispatch writes invocation frames to executor connections and
// wires each write to a pending future.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaonanln/pulsejob/cluster/future"
	"github.com/xiaonanln/pulsejob/cluster/hooks"
	"github.com/xiaonanln/pulsejob/cluster/loadbalance"
	"github.com/xiaonanln/pulsejob/cluster/nodegroup"
	"github.com/xiaonanln/pulsejob/cluster/registry"
	"github.com/xiaonanln/pulsejob/protocol"
	"github.com/xiaonanln/pulsejob/serializer"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/metrics"
	"github.com/xiaonanln/pulsejob/util/timer"
	"github.com/xiaonanln/pulsejob/util/uniqueid"
)

// DefaultTimeout applies to requests that do not set one.
const DefaultTimeout = 30 * time.Second

// Type names a dispatch strategy.
type Type string

const (
	Unicast   Type = "unicast"
	Broadcast Type = "broadcast"
)

var (
	ErrDuplicate   = errors.New("dispatcher already registered")
	ErrUnknownType = errors.New("unknown dispatcher type")
)

// Request is one invocation to dispatch.
type Request struct {
	Endpoint    string
	InvokeID    int64
	MessageType protocol.MessageType
	Serializer  serializer.Code
	Payload     any
	Timeout     time.Duration
	RouteKey    string
	Method      string
	// Attempt counts retries; the first try is 0.
	Attempt int
	// Retries overrides the fail-over invoker's retry count when positive.
	Retries int
}

// Dispatcher sends a request and returns the future of its outcome. Every
// failure, including those before any write, completes the future.
type Dispatcher interface {
	Type() Type
	Dispatch(ctx context.Context, req *Request) *future.Future
}

// Options holds what dispatchers share.
type Options struct {
	Registry       *registry.Registry
	Balancer       loadbalance.Balancer
	Serializers    *serializer.Registry
	Pending        *future.Table
	Timer          timer.Timer
	Interceptors   *hooks.InterceptorChain
	DefaultTimeout time.Duration
	IDs            *uniqueid.Sequence
}

type base struct {
	Options
	typ    Type
	logger *logger.Logger
}

func newBase(typ Type, opts Options, name string) base {
	if opts.Balancer == nil {
		opts.Balancer = loadbalance.NewRoundRobin()
	}
	if opts.Serializers == nil {
		opts.Serializers = serializer.NewDefaultRegistry()
	}
	if opts.Pending == nil {
		opts.Pending = future.NewTable()
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Timer == nil {
		opts.Timer = timer.NewHashedWheel(0, 0)
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.IDs == nil {
		opts.IDs = uniqueid.NewSequence(0)
	}
	return base{Options: opts, typ: typ, logger: logger.NewLogger(name)}
}

func (b *base) Type() Type { return b.typ }

func (b *base) invocation(ctx context.Context, req *Request) *hooks.Invocation {
	if req.InvokeID == 0 {
		req.InvokeID = b.IDs.Next()
	}
	inv := hooks.NewInvocation(ctx, req.Endpoint, req.Method, req.InvokeID)
	inv.MessageType = req.MessageType
	inv.DispatchType = string(b.typ)
	inv.Payload = req.Payload
	inv.Attempt = req.Attempt
	return inv
}

func (b *base) timeout(req *Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return b.DefaultTimeout
}

// observe runs the before hooks and arranges for the after hooks.
func (b *base) observe(f *future.Future, inv *hooks.Invocation) {
	b.Interceptors.Before(inv)
	f.WhenComplete(func(resp *future.Response, err error) {
		b.Interceptors.After(inv, resp, err)
	})
}

// abort fails f before anything was written.
func (b *base) abort(f *future.Future, inv *hooks.Invocation, err error) *future.Future {
	b.observe(f, inv)
	f.CompleteExceptionally(err)
	return f
}

func (b *base) encode(req *Request) (*protocol.Frame, error) {
	body, err := b.Serializers.Encode(req.Serializer, req.Payload)
	if err != nil {
		return nil, &future.StatusError{
			InvokeID: req.InvokeID,
			Status:   protocol.StatusClientError,
			Message:  "encode request",
			Err:      err,
		}
	}
	return protocol.NewFrame(uint8(req.Serializer), req.MessageType, protocol.StatusOK, req.InvokeID, body), nil
}

// send registers f as pending on conn, arms its timeout and writes frame.
// Transport observers hear the write outcome before f fails on a write
// error. done, if set, runs after the write is attempted.
func (b *base) send(req *Request, inv *hooks.Invocation, f *future.Future, g *nodegroup.Group, conn nodegroup.Conn, frame *protocol.Frame, done func(error)) {
	f.SetRemote(g.Address())
	if err := b.Pending.Put(conn.ID(), f); err != nil {
		b.Interceptors.AfterTransport(inv, g.Address(), err)
		f.CompleteExceptionally(&future.StatusError{
			InvokeID: req.InvokeID,
			Status:   protocol.StatusClientError,
			Remote:   g.Address(),
			Err:      err,
		})
		if done != nil {
			done(err)
		}
		return
	}
	g.IncActive()
	f.WhenComplete(func(*future.Response, error) { g.DecActive() })
	f.OnAck(func() { b.Interceptors.Acknowledged(inv, g.Address()) })
	f.SetTimeout(b.Timer, b.timeout(req))

	conn.Write(frame, func(err error) {
		metrics.RecordDispatch(req.Endpoint, string(b.typ), err == nil)
		b.Interceptors.AfterTransport(inv, g.Address(), err)
		if err != nil {
			b.logger.Warnf("Writing %s #%d to %s (%s) failed: %v", req.MessageType, req.InvokeID, g.Address(), conn.ID(), err)
			f.CompleteExceptionally(&future.StatusError{
				InvokeID: req.InvokeID,
				Status:   protocol.StatusClientError,
				Message:  "write failed",
				Remote:   g.Address(),
				Err:      err,
			})
		}
		if done != nil {
			done(err)
		}
	})
}

// Registry maps dispatch types to dispatchers.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[Type]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[Type]Dispatcher)}
}

// Register adds d under its type. A second dispatcher of a type is an error.
func (r *Registry) Register(d Dispatcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dispatchers[d.Type()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.Type())
	}
	r.dispatchers[d.Type()] = d
	return nil
}

// Get returns the dispatcher of type t.
func (r *Registry) Get(t Type) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dispatchers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return d, nil
}
