// Package hooks runs cross-cutting logic around dispatch: interceptors that
// observe every invocation and filters that may short-circuit it.
package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaonanln/pulsejob/cluster/future"
	"github.com/xiaonanln/pulsejob/protocol"
	"github.com/xiaonanln/pulsejob/util/logger"
)

// Invocation describes one call as it moves through the hooks. Interceptors
// may replace Ctx, e.g. to carry a span.
type Invocation struct {
	Ctx          context.Context
	Endpoint     string
	InvokeID     int64
	Method       string
	MessageType  protocol.MessageType
	DispatchType string
	Remote       string
	Attempt      int
	Payload      any
	Start        time.Time
}

// NewInvocation starts the clock for an invocation.
func NewInvocation(ctx context.Context, endpoint, method string, invokeID int64) *Invocation {
	return &Invocation{
		Ctx:      ctx,
		Endpoint: endpoint,
		Method:   method,
		InvokeID: invokeID,
		Start:    time.Now(),
	}
}

// Elapsed returns the time since the invocation started.
func (inv *Invocation) Elapsed() time.Duration { return time.Since(inv.Start) }

// Interceptor observes an invocation. Before runs before the request is
// written, After once its outcome is known.
type Interceptor interface {
	Before(inv *Invocation) error
	After(inv *Invocation, resp *future.Response, err error) error
}

// TransportObserver is implemented by interceptors that also follow each
// frame write and the remote's ACK. A broadcast reports once per connection.
type TransportObserver interface {
	AfterTransport(inv *Invocation, remote string, err error)
	Acknowledged(inv *Invocation, remote string)
}

type interceptorNode struct {
	interceptor Interceptor
	next        *interceptorNode
}

// InterceptorChain runs Before outer to inner and After inner to outer.
// Errors and panics from a hook are logged and do not stop the chain.
type InterceptorChain struct {
	head   *interceptorNode
	size   int
	logger *logger.Logger
}

// NewInterceptorChain links interceptors; the first one is outermost.
func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	c := &InterceptorChain{logger: logger.NewLogger("InterceptorChain")}
	for i := len(interceptors) - 1; i >= 0; i-- {
		if interceptors[i] == nil {
			continue
		}
		c.head = &interceptorNode{interceptor: interceptors[i], next: c.head}
		c.size++
	}
	return c
}

// Len returns the number of interceptors.
func (c *InterceptorChain) Len() int {
	if c == nil {
		return 0
	}
	return c.size
}

// Before runs every interceptor's Before, outermost first.
func (c *InterceptorChain) Before(inv *Invocation) {
	if c == nil {
		return
	}
	for n := c.head; n != nil; n = n.next {
		c.guard(inv, "before", func() error { return n.interceptor.Before(inv) })
	}
}

// After runs every interceptor's After, innermost first.
func (c *InterceptorChain) After(inv *Invocation, resp *future.Response, err error) {
	if c == nil {
		return
	}
	c.after(c.head, inv, resp, err)
}

func (c *InterceptorChain) after(n *interceptorNode, inv *Invocation, resp *future.Response, err error) {
	if n == nil {
		return
	}
	c.after(n.next, inv, resp, err)
	c.guard(inv, "after", func() error { return n.interceptor.After(inv, resp, err) })
}

// AfterTransport reports a write outcome to every TransportObserver,
// outermost first.
func (c *InterceptorChain) AfterTransport(inv *Invocation, remote string, err error) {
	if c == nil {
		return
	}
	for n := c.head; n != nil; n = n.next {
		if o, ok := n.interceptor.(TransportObserver); ok {
			c.guard(inv, "transport", func() error { o.AfterTransport(inv, remote, err); return nil })
		}
	}
}

// Acknowledged reports the remote's ACK to every TransportObserver.
func (c *InterceptorChain) Acknowledged(inv *Invocation, remote string) {
	if c == nil {
		return
	}
	for n := c.head; n != nil; n = n.next {
		if o, ok := n.interceptor.(TransportObserver); ok {
			c.guard(inv, "ack", func() error { o.Acknowledged(inv, remote); return nil })
		}
	}
}

// Around runs Before, op and After. After runs even if op panics; the panic
// is re-raised once the hooks are done.
func (c *InterceptorChain) Around(inv *Invocation, op func() (*future.Response, error)) (resp *future.Response, err error) {
	c.Before(inv)
	defer func() {
		if r := recover(); r != nil {
			c.After(inv, nil, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	resp, err = op()
	c.After(inv, resp, err)
	return resp, err
}

func (c *InterceptorChain) guard(inv *Invocation, phase string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("Interceptor %s hook panicked for %s #%d: %v", phase, inv.Endpoint, inv.InvokeID, r)
		}
	}()
	if err := fn(); err != nil {
		c.logger.Warnf("Interceptor %s hook failed for %s #%d: %v", phase, inv.Endpoint, inv.InvokeID, err)
	}
}
