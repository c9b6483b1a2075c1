// Package connector maintains pooled outbound connections to a changing set
// of addresses, each supervised by a watchdog.
package connector

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xiaonanln/pulsejob/cluster/loadbalance"
	"github.com/xiaonanln/pulsejob/cluster/nodegroup"
	"github.com/xiaonanln/pulsejob/cluster/registry"
	"github.com/xiaonanln/pulsejob/cluster/watchdog"
	"github.com/xiaonanln/pulsejob/transport"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/timer"
)

// DefaultKey is the endpoint under which connected addresses are registered.
const DefaultKey = "admin"

// DialFunc opens one connection to address.
type DialFunc func(ctx context.Context, address string) (nodegroup.Conn, error)

// Options configures a Connector.
type Options struct {
	// PoolSize is the number of connections kept per address. Zero means 1.
	PoolSize int
	// Key registers the addresses' groups in the registry. Empty selects DefaultKey.
	Key string
	// BackoffUnit is the reconnect backoff base. Zero means 1ms.
	BackoffUnit time.Duration
	Timer       timer.Timer
	Registry    *registry.Registry
	Balancer    loadbalance.Balancer
	// Dial replaces the TCP dialer, for tests.
	Dial DialFunc
}

type entry struct {
	group    *nodegroup.Group
	watchdog *watchdog.Watchdog
}

// Connector connects to every address given to SetAddresses and drops the
// ones removed later.
type Connector struct {
	opts   Options
	logger *logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]*entry
}

// New creates a Connector whose connections report to processor.
func New(processor transport.Processor, transportOpts transport.Options, opts Options) *Connector {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Timer == nil {
		opts.Timer = timer.NewHashedWheel(0, 0)
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Balancer == nil {
		opts.Balancer = loadbalance.NewRoundRobin()
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, address string) (nodegroup.Conn, error) {
			conn, err := transport.Dial(ctx, address, processor, transportOpts)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	return &Connector{
		opts:    opts,
		logger:  logger.NewLogger("Connector"),
		entries: make(map[string]*entry),
	}
}

// Start binds the connector to ctx. Connections are dialed by SetAddresses.
func (c *Connector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Infof("Started connector (pool size %d)", c.opts.PoolSize)
}

// Stop stops every watchdog and closes every connection.
func (c *Connector) Stop() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*entry)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	for addr, e := range entries {
		c.drop(addr, e)
	}
	c.logger.Infof("Stopped connector")
}

// SetAddresses connects to new addresses and disconnects from removed ones.
func (c *Connector) SetAddresses(addresses []string) {
	desired := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		desired[a] = true
	}

	c.mu.Lock()
	if c.ctx == nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	var added []*entry
	for addr := range desired {
		if _, ok := c.entries[addr]; ok {
			continue
		}
		e := c.newEntry(addr)
		c.entries[addr] = e
		added = append(added, e)
	}
	removed := make(map[string]*entry)
	for addr, e := range c.entries {
		if !desired[addr] {
			removed[addr] = e
			delete(c.entries, addr)
		}
	}
	c.mu.Unlock()

	for _, e := range added {
		c.logger.Infof("Connecting to new address: %s", e.group.Address())
		for i := 0; i < c.opts.PoolSize; i++ {
			c.connect(e)
		}
	}
	for addr, e := range removed {
		c.logger.Infof("Disconnecting from removed address: %s", addr)
		c.drop(addr, e)
	}
}

func (c *Connector) newEntry(addr string) *entry {
	g := c.opts.Registry.Group(addr)
	g.SetCapacity(c.opts.PoolSize)
	c.opts.Registry.Find(c.opts.Key).Add(g)

	dial := func(ctx context.Context) (nodegroup.Conn, error) {
		return c.opts.Dial(ctx, addr)
	}
	return &entry{
		group:    g,
		watchdog: watchdog.New(c.ctx, g, c.opts.Timer, dial, c.opts.BackoffUnit),
	}
}

// connect dials once; a failure hands the address to its watchdog.
func (c *Connector) connect(e *entry) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	conn, err := c.opts.Dial(ctx, e.group.Address())
	if err != nil {
		c.logger.Errorf("Failed to connect to %s: %v, retrying with backoff", e.group.Address(), err)
		e.watchdog.ChannelInactive()
		return
	}
	e.watchdog.ChannelActive(conn)
}

func (c *Connector) drop(addr string, e *entry) {
	e.watchdog.Stop()
	c.opts.Registry.Remove(c.opts.Key, e.group)
	for _, conn := range e.group.Channels() {
		if err := conn.Close(); err != nil {
			c.logger.Errorf("Error closing connection to %s: %v", addr, err)
		}
	}
}

// Addresses returns the sorted addresses currently maintained.
func (c *Connector) Addresses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for addr := range c.entries {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}

// Group returns the group of a maintained address.
func (c *Connector) Group(addr string) (*nodegroup.Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok {
		return nil, false
	}
	return e.group, true
}

// Next picks an available connection through the balancer.
func (c *Connector) Next() (nodegroup.Conn, error) {
	g, err := c.opts.Registry.Select(c.opts.Key, c.opts.Balancer, "")
	if err != nil {
		return nil, err
	}
	return g.Next()
}

// Connections returns every pooled connection across addresses.
func (c *Connector) Connections() []nodegroup.Conn {
	var out []nodegroup.Conn
	for _, g := range c.opts.Registry.Find(c.opts.Key).Snapshot() {
		out = append(out, g.Channels()...)
	}
	return out
}

// NumConnections returns the number of pooled connections.
func (c *Connector) NumConnections() int {
	return len(c.Connections())
}

// WaitForAvailable blocks until any address has an available connection.
func (c *Connector) WaitForAvailable(ctx context.Context) error {
	for {
		for _, g := range c.opts.Registry.Find(c.opts.Key).Snapshot() {
			if g.IsAvailable() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no connection to %v: %w", c.Addresses(), ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
