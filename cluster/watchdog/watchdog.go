// Package watchdog keeps a node group at capacity by reconnecting lost
// connections with exponential backoff.
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/pulsejob/cluster/nodegroup"
	"github.com/xiaonanln/pulsejob/util/backoff"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/metrics"
	"github.com/xiaonanln/pulsejob/util/timer"
)

// State of a Watchdog.
type State int32

const (
	Started State = iota
	Stopped
)

func (s State) String() string {
	if s == Started {
		return "STARTED"
	}
	return "STOPPED"
}

// DialFunc opens one connection to the watched address.
type DialFunc func(ctx context.Context) (nodegroup.Conn, error)

// Watchdog supervises the connections of one node group. It starts in the
// Started state. There is no retry limit: reconnects continue until Stop.
type Watchdog struct {
	group  *nodegroup.Group
	dial   DialFunc
	timer  timer.Timer
	logger *logger.Logger

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	mu      sync.Mutex
	backoff *backoff.Backoff
}

// New creates a Watchdog for group. unit is the backoff base, 1ms when zero.
// Dials run under ctx; cancelling it aborts them for good.
func New(ctx context.Context, group *nodegroup.Group, t timer.Timer, dial DialFunc, unit time.Duration) *Watchdog {
	dialCtx, cancel := context.WithCancel(ctx)
	return &Watchdog{
		group:   group,
		dial:    dial,
		timer:   t,
		logger:  logger.NewLogger("Watchdog(" + group.Address() + ")"),
		parent:  ctx,
		ctx:     dialCtx,
		cancel:  cancel,
		backoff: backoff.New(unit, backoff.DefaultMaxShift),
	}
}

// Group returns the supervised group.
func (w *Watchdog) Group() *nodegroup.Group { return w.group }

// State returns Started or Stopped.
func (w *Watchdog) State() State { return State(w.state.Load()) }

// IsStarted reports whether reconnects are enabled.
func (w *Watchdog) IsStarted() bool { return w.State() == Started }

// Start re-enables reconnects after Stop. Dials stay bound to the context
// given to New.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.ctx, w.cancel = context.WithCancel(w.parent)
	}
	w.mu.Unlock()
	w.state.Store(int32(Started))
}

// Stop disables reconnects and aborts an in-flight dial.
func (w *Watchdog) Stop() {
	w.state.Store(int32(Stopped))
	w.mu.Lock()
	w.cancel()
	w.mu.Unlock()
}

// Attempts returns the current backoff attempt counter.
func (w *Watchdog) Attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backoff.Attempts()
}

// ChannelActive pools c, resets the backoff and watches c for closure.
func (w *Watchdog) ChannelActive(c nodegroup.Conn) {
	w.group.Add(c)
	w.mu.Lock()
	w.backoff.Reset()
	w.mu.Unlock()
	w.logger.Debugf("Connection %s active, group size %d", c.ID(), w.group.Size())
	c.OnClose(w.ChannelInactive)
}

// ChannelInactive schedules a reconnect when started and below capacity.
func (w *Watchdog) ChannelInactive() {
	if !w.IsStarted() {
		return
	}
	if size, capacity := w.group.Size(), w.group.Capacity(); size >= capacity {
		w.logger.Debugf("Group at capacity (%d/%d), not reconnecting", size, capacity)
		return
	}

	w.mu.Lock()
	delay := w.backoff.Next()
	attempts := w.backoff.Attempts()
	w.mu.Unlock()

	metrics.RecordReconnectAttempt(w.group.Address())
	w.logger.Infof("Reconnecting to %s in %v (attempt %d)", w.group.Address(), delay, attempts)
	w.timer.Schedule(delay, w.reconnect)
}

func (w *Watchdog) reconnect() {
	if !w.IsStarted() || w.group.Size() >= w.group.Capacity() {
		return
	}
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()

	c, err := w.dial(ctx)
	if err != nil {
		w.logger.Warnf("Reconnect to %s failed: %v", w.group.Address(), err)
		w.ChannelInactive()
		return
	}
	if !w.IsStarted() {
		c.Close()
		return
	}
	w.logger.Infof("Reconnected to %s", w.group.Address())
	w.ChannelActive(c)
}
