// Package transport carries protocol frames over TCP. Each Connection runs one
// read goroutine and one write goroutine; writes are queued and flushed in
// submission order and report their outcome through a completion callback.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/pulsejob/protocol"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/metrics"
	"github.com/xiaonanln/pulsejob/util/uniqueid"
)

var (
	// ErrConnectionClosed is reported to writes on a closed connection
	ErrConnectionClosed = errors.New("connection closed")
	// ErrWriteQueueFull is reported when the pending write queue is at its limit
	ErrWriteQueueFull = errors.New("connection write queue full")
)

// Processor receives connection lifecycle events and inbound frames.
// OnFrame runs on the read goroutine and must not block for long.
type Processor interface {
	OnActive(c *Connection)
	OnFrame(c *Connection, f *protocol.Frame)
	OnInactive(c *Connection)
}

// Options tunes a Connection.
type Options struct {
	// MaxBodySize bounds inbound frame bodies. Zero selects protocol.DefaultMaxBodySize.
	MaxBodySize int
	// WriteQueueSize caps queued, unflushed writes. Zero selects 4096.
	WriteQueueSize int
	// IdleTimeout closes the connection when nothing is read for this long. Zero disables it.
	IdleTimeout time.Duration
	// WriteTimeout bounds a single flush. Zero selects 10s.
	WriteTimeout time.Duration
	// Side labels metrics: "acceptor" or "connector".
	Side string
}

func (o Options) withDefaults() Options {
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = protocol.DefaultMaxBodySize
	}
	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = 4096
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Side == "" {
		o.Side = "connector"
	}
	return o
}

type writeRequest struct {
	frame *protocol.Frame
	done  func(error)
}

// Connection is one duplex TCP link to a remote peer.
type Connection struct {
	id        string
	conn      net.Conn
	remote    string
	opts      Options
	processor Processor
	logger    *logger.Logger

	mu       sync.Mutex
	queue    []writeRequest
	closed   bool
	onClose  []func()
	signal   chan struct{}
	closing  chan struct{}
	done     chan struct{}
	inactive sync.Once

	attrs    sync.Map
	lastRead atomic.Int64
}

func newConnection(conn net.Conn, processor Processor, opts Options) *Connection {
	opts = opts.withDefaults()
	c := &Connection{
		id:        uniqueid.UniqueId(),
		conn:      conn,
		remote:    conn.RemoteAddr().String(),
		opts:      opts,
		processor: processor,
		signal:    make(chan struct{}, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.logger = logger.NewLogger(fmt.Sprintf("Connection(%s)", c.remote))
	c.lastRead.Store(time.Now().UnixMilli())
	return c
}

// start launches the writer, reports the connection active and then starts reading.
func (c *Connection) start() {
	metrics.RecordConnectionOpened(c.opts.Side)
	go c.writeLoop()
	if c.processor != nil {
		c.processor.OnActive(c)
	}
	go c.readLoop()
}

// ID returns the process-unique connection id.
func (c *Connection) ID() string { return c.id }

// RemoteAddress returns the peer's address as seen on the socket.
func (c *Connection) RemoteAddress() string { return c.remote }

// LocalAddress returns the local socket address.
func (c *Connection) LocalAddress() string { return c.conn.LocalAddr().String() }

// LastRead returns the time a frame was last received.
func (c *Connection) LastRead() time.Time { return time.UnixMilli(c.lastRead.Load()) }

// Done is closed once the connection is closed and its inactive callbacks have run.
func (c *Connection) Done() <-chan struct{} { return c.done }

// SetAttr attaches a value to the connection.
func (c *Connection) SetAttr(key string, value any) { c.attrs.Store(key, value) }

// Attr returns a value attached with SetAttr.
func (c *Connection) Attr(key string) (any, bool) { return c.attrs.Load(key) }

// IsAvailable reports whether the connection is open and its write queue has room.
func (c *Connection) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && len(c.queue) < c.opts.WriteQueueSize
}

// Write queues f and returns immediately. done, if non-nil, is called exactly
// once with the flush outcome. Frames written on one connection reach the wire
// in call order.
func (c *Connection) Write(f *protocol.Frame, done func(error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		complete(done, ErrConnectionClosed)
		return
	}
	if len(c.queue) >= c.opts.WriteQueueSize {
		c.mu.Unlock()
		complete(done, ErrWriteQueueFull)
		return
	}
	c.queue = append(c.queue, writeRequest{frame: f, done: done})
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// OnClose registers fn to run once when the connection closes.
// If it is already closed, fn runs immediately.
func (c *Connection) OnClose(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// Close shuts the socket, fails queued writes and fires the close callbacks once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.queue
	c.queue = nil
	listeners := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	close(c.closing)
	err := c.conn.Close()

	for _, req := range pending {
		complete(req.done, ErrConnectionClosed)
	}

	c.inactive.Do(func() {
		metrics.RecordConnectionClosed(c.opts.Side)
		for _, fn := range listeners {
			fn()
		}
		if c.processor != nil {
			c.processor.OnInactive(c)
		}
		close(c.done)
	})
	return err
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{id=%s remote=%s}", c.id, c.remote)
}

func (c *Connection) writeLoop() {
	w := bufio.NewWriterSize(c.conn, 32<<10)
	for {
		select {
		case <-c.closing:
			return
		case <-c.signal:
		}

		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		var err error
		for _, req := range batch {
			if err == nil {
				_, err = w.Write(protocol.Encode(req.frame))
			}
		}
		if err == nil {
			err = w.Flush()
		}

		for _, req := range batch {
			complete(req.done, err)
		}
		if err != nil {
			c.logger.Warnf("Write failed, closing: %v", err)
			c.Close()
			return
		}
	}
}

func (c *Connection) readLoop() {
	dec := protocol.NewDecoder(c.conn, c.opts.MaxBodySize)
	for {
		if c.opts.IdleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}
		f, err := dec.Next()
		if err != nil {
			c.handleReadError(err)
			c.Close()
			return
		}
		c.lastRead.Store(time.Now().UnixMilli())
		if c.processor != nil {
			c.processor.OnFrame(c, f)
		}
	}
}

func (c *Connection) handleReadError(err error) {
	var pe *protocol.Error
	var ne net.Error
	switch {
	case errors.As(err, &pe):
		metrics.RecordProtocolError(pe.Reason)
		c.logger.Warnf("Closing connection on protocol violation: %v", err)
	case c.IsClosed():
	case errors.Is(err, io.EOF):
		c.logger.Infof("Peer closed connection")
	case errors.As(err, &ne) && ne.Timeout():
		c.logger.Warnf("No frame received for %v, closing idle connection", c.opts.IdleTimeout)
	default:
		c.logger.Warnf("Read failed: %v", err)
	}
}

func complete(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
