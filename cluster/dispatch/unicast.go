package dispatch

import (
	"context"

	"github.com/xiaonanln/pulsejob/cluster/future"
	"github.com/xiaonanln/pulsejob/protocol"
)

// UnicastDispatcher writes a request to one connection of one selected group.
type UnicastDispatcher struct {
	base
}

func NewUnicast(opts Options) *UnicastDispatcher {
	return &UnicastDispatcher{base: newBase(Unicast, opts, "UnicastDispatcher")}
}

func (d *UnicastDispatcher) Dispatch(ctx context.Context, req *Request) *future.Future {
	inv := d.invocation(ctx, req)
	f := future.New(req.InvokeID)

	frame, err := d.encode(req)
	if err != nil {
		return d.abort(f, inv, err)
	}

	g, err := d.Registry.Select(req.Endpoint, d.Balancer, req.RouteKey)
	if err != nil {
		return d.abort(f, inv, err)
	}
	conn, err := g.Next()
	if err != nil {
		return d.abort(f, inv, &future.StatusError{
			InvokeID: req.InvokeID,
			Status:   protocol.StatusClientError,
			Remote:   g.Address(),
			Err:      err,
		})
	}

	inv.Remote = g.Address()
	d.observe(f, inv)
	d.send(req, inv, f, g, conn, frame, nil)
	return f
}
