package nodegroup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/pulsejob/protocol"
)

// DefaultLossInterval is how long an empty group stays eligible before it can be evicted.
const DefaultLossInterval = 5 * time.Minute

// ErrNoConnection is returned by Next on an empty group.
var ErrNoConnection = errors.New("node group has no connection")

// Conn is a pooled connection. *transport.Connection implements it.
type Conn interface {
	ID() string
	RemoteAddress() string
	IsAvailable() bool
	Write(f *protocol.Frame, done func(error))
	OnClose(fn func())
	Close() error
}

// Group pools the connections to one physical instance. Readers load an
// immutable snapshot; Add and Remove build a new slice and swap it in.
type Group struct {
	address      string
	lossInterval time.Duration
	now          func() time.Time
	created      time.Time

	conns    atomic.Pointer[[]Conn]
	cursor   atomic.Uint32
	capacity atomic.Int32
	deadline atomic.Int64
	active   atomic.Int64

	mu          sync.Mutex
	availableCh chan struct{}
	listeners   []func()
}

// Option configures a Group.
type Option func(*Group)

// WithLossInterval overrides DefaultLossInterval.
func WithLossInterval(d time.Duration) Option {
	return func(g *Group) { g.lossInterval = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Group) { g.now = now }
}

// New creates an empty group for address with unlimited capacity.
func New(address string, opts ...Option) *Group {
	g := &Group{
		address:      address,
		lossInterval: DefaultLossInterval,
		now:          time.Now,
		availableCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.created = g.now()
	empty := []Conn{}
	g.conns.Store(&empty)
	g.capacity.Store(math.MaxInt32)
	return g
}

// Address returns the remote address this group pools connections to.
func (g *Group) Address() string { return g.address }

// Timestamp returns when the group was created.
func (g *Group) Timestamp() time.Time { return g.created }

// Channels returns the current snapshot. It must not be modified.
func (g *Group) Channels() []Conn { return *g.conns.Load() }

// Size returns the number of pooled connections.
func (g *Group) Size() int { return len(g.Channels()) }

// IsEmpty reports whether the group holds no connection.
func (g *Group) IsEmpty() bool { return g.Size() == 0 }

// IsAvailable reports whether at least one pooled connection can take a write.
func (g *Group) IsAvailable() bool {
	for _, c := range g.Channels() {
		if c.IsAvailable() {
			return true
		}
	}
	return false
}

// Add pools c and closes over its lifetime: c is removed when it closes.
// It reports false if c is already pooled.
func (g *Group) Add(c Conn) bool {
	g.mu.Lock()
	cur := *g.conns.Load()
	for _, existing := range cur {
		if existing.ID() == c.ID() {
			g.mu.Unlock()
			return false
		}
	}
	next := make([]Conn, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, c)
	g.conns.Store(&next)
	g.deadline.Store(0)

	ch := g.availableCh
	g.availableCh = make(chan struct{})
	listeners := g.listeners
	g.listeners = nil
	g.mu.Unlock()

	close(ch)
	for _, fn := range listeners {
		fn()
	}

	c.OnClose(func() { g.Remove(c) })
	return true
}

// Remove drops c. When the last connection goes, the loss deadline is set.
func (g *Group) Remove(c Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := *g.conns.Load()
	idx := -1
	for i, existing := range cur {
		if existing.ID() == c.ID() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	next := make([]Conn, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	g.conns.Store(&next)

	if len(next) == 0 {
		g.deadline.Store(g.now().Add(g.lossInterval).UnixMilli())
	}
	return true
}

// Next picks a pooled connection with a cyclic cursor, skipping unavailable
// ones when possible.
func (g *Group) Next() (Conn, error) {
	conns := g.Channels()
	n := len(conns)
	switch n {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, g.address)
	case 1:
		return conns[0], nil
	}

	start := int(g.cursor.Add(1)-1) & 0x7FFFFFFF
	for i := 0; i < n; i++ {
		c := conns[(start+i)%n]
		if c.IsAvailable() {
			return c, nil
		}
	}
	return conns[start%n], nil
}

// Capacity is the connection count the reconnect supervisor maintains.
func (g *Group) Capacity() int { return int(g.capacity.Load()) }

// SetCapacity sets Capacity. Values below 1 are ignored.
func (g *Group) SetCapacity(n int) {
	if n < 1 {
		return
	}
	g.capacity.Store(int32(n))
}

// DeadlineMillis returns the unix-millisecond loss deadline, 0 if none is set.
func (g *Group) DeadlineMillis() int64 { return g.deadline.Load() }

// Expired reports whether a deadline is set and the clock has passed it.
func (g *Group) Expired() bool {
	d := g.deadline.Load()
	return d > 0 && g.now().UnixMilli() > d
}

// WaitForAvailable blocks until a connection is available or ctx ends.
func (g *Group) WaitForAvailable(ctx context.Context) bool {
	for {
		if g.IsAvailable() {
			return true
		}
		g.mu.Lock()
		ch := g.availableCh
		g.mu.Unlock()
		if g.IsAvailable() {
			return true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// OnAvailable runs fn once, now if the group is available, otherwise on the next Add.
func (g *Group) OnAvailable(fn func()) {
	g.mu.Lock()
	if !g.IsAvailable() {
		g.listeners = append(g.listeners, fn)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	fn()
}

// Active returns the number of in-flight invocations routed through the group.
func (g *Group) Active() int64 { return g.active.Load() }

// IncActive marks one more in-flight invocation.
func (g *Group) IncActive() { g.active.Add(1) }

// DecActive marks an in-flight invocation as finished.
func (g *Group) DecActive() { g.active.Add(-1) }

func (g *Group) String() string {
	return fmt.Sprintf("NodeGroup{address=%s size=%d deadline=%d}", g.address, g.Size(), g.DeadlineMillis())
}
