package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xiaonanln/pulsejob/cluster/future"
	"github.com/xiaonanln/pulsejob/cluster/nodegroup"
	"github.com/xiaonanln/pulsejob/cluster/registry"
	"github.com/xiaonanln/pulsejob/protocol"
)

// BroadcastMode selects the connections a broadcast writes to.
type BroadcastMode int

const (
	// AllConnections writes to every available connection of every group.
	AllConnections BroadcastMode = iota
	// OnePerGroup writes to one connection per group.
	OnePerGroup
)

// BroadcastResult is the value of a completed broadcast. It is not modified
// after the broadcast future completes.
type BroadcastResult struct {
	mu sync.Mutex
	// Writes maps connection id to its write outcome.
	Writes map[string]error
	// Futures maps connection id to the future of that connection's reply.
	Futures map[string]*future.Future
}

func newBroadcastResult(n int) *BroadcastResult {
	return &BroadcastResult{
		Writes:  make(map[string]error, n),
		Futures: make(map[string]*future.Future, n),
	}
}

func (r *BroadcastResult) record(connID string, f *future.Future, err error) {
	r.mu.Lock()
	r.Writes[connID] = err
	r.Futures[connID] = f
	r.mu.Unlock()
}

func (r *BroadcastResult) firstError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.Writes))
	for id := range r.Writes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := r.Writes[id]; err != nil {
			return err
		}
	}
	return nil
}

// Succeeded returns the sorted ids of connections written successfully.
func (r *BroadcastResult) Succeeded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, err := range r.Writes {
		if err == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every reply future is done or ctx ends, and returns the
// first reply error in connection id order.
func (r *BroadcastResult) Wait(ctx context.Context) error {
	ids := make([]string, 0, len(r.Futures))
	for id := range r.Futures {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var first error
	for _, id := range ids {
		if _, err := r.Futures[id].Get(ctx); err != nil && first == nil {
			first = fmt.Errorf("%s: %w", id, err)
		}
	}
	return first
}

// BroadcastError fails a broadcast none of whose writes succeeded.
type BroadcastError struct {
	Result *BroadcastResult
	Err    error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast failed on all %d connections: %v", len(e.Result.Writes), e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// BroadcastDispatcher writes a request to many connections of an endpoint.
// The returned future completes once every write has been attempted; each
// connection's reply arrives on its own future in the result. Broadcasts
// are not transactional.
type BroadcastDispatcher struct {
	base
	mode BroadcastMode
}

func NewBroadcast(opts Options, mode BroadcastMode) *BroadcastDispatcher {
	return &BroadcastDispatcher{base: newBase(Broadcast, opts, "BroadcastDispatcher"), mode: mode}
}

// Mode returns the connection selection mode.
func (d *BroadcastDispatcher) Mode() BroadcastMode { return d.mode }

type target struct {
	group *nodegroup.Group
	conn  nodegroup.Conn
}

func (d *BroadcastDispatcher) targets(endpoint string) []target {
	var out []target
	for _, g := range d.Registry.Find(endpoint).Snapshot() {
		if d.mode == OnePerGroup {
			if c, err := g.Next(); err == nil && c.IsAvailable() {
				out = append(out, target{group: g, conn: c})
			}
			continue
		}
		for _, c := range g.Channels() {
			if c.IsAvailable() {
				out = append(out, target{group: g, conn: c})
			}
		}
	}
	return out
}

func (d *BroadcastDispatcher) Dispatch(ctx context.Context, req *Request) *future.Future {
	inv := d.invocation(ctx, req)
	f := future.New(req.InvokeID)

	frame, err := d.encode(req)
	if err != nil {
		return d.abort(f, inv, err)
	}

	targets := d.targets(req.Endpoint)
	if len(targets) == 0 {
		return d.abort(f, inv, fmt.Errorf("%w: executor %s", registry.ErrNoAvailableNode, req.Endpoint))
	}

	d.observe(f, inv)
	result := newBroadcastResult(len(targets))
	var remaining atomic.Int32
	remaining.Store(int32(len(targets)))

	for _, t := range targets {
		sub := future.New(req.InvokeID)
		connID := t.conn.ID()
		d.send(req, inv, sub, t.group, t.conn, frame, func(err error) {
			result.record(connID, sub, err)
			if remaining.Add(-1) != 0 {
				return
			}
			if len(result.Succeeded()) == 0 {
				f.CompleteExceptionally(&BroadcastError{Result: result, Err: result.firstError()})
				return
			}
			f.Complete(&future.Response{
				InvokeID:    req.InvokeID,
				Status:      protocol.StatusOK,
				MessageType: req.MessageType,
				Value:       result,
			})
		})
	}
	return f
}
