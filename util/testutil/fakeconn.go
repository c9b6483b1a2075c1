package testutil

import (
	"errors"
	"sync"

	"github.com/xiaonanln/pulsejob/protocol"
)

// ErrFakeClosed is reported by writes on a closed FakeConn.
var ErrFakeClosed = errors.New("fake connection closed")

// FakeConn is an in-memory pooled connection. Writes are recorded and
// completed synchronously with WriteErr.
type FakeConn struct {
	id     string
	remote string

	mu          sync.Mutex
	unavailable bool
	closed      bool
	writeErr    error
	frames      []*protocol.Frame
	onClose     []func()
	onWrite     func(*protocol.Frame)
}

// NewFakeConn creates an open, available FakeConn.
func NewFakeConn(id, remote string) *FakeConn {
	return &FakeConn{id: id, remote: remote}
}

func (c *FakeConn) ID() string            { return c.id }
func (c *FakeConn) RemoteAddress() string { return c.remote }

// IsAvailable reports whether the connection is open and not marked unavailable.
func (c *FakeConn) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.unavailable
}

// SetAvailable toggles availability without closing.
func (c *FakeConn) SetAvailable(v bool) {
	c.mu.Lock()
	c.unavailable = !v
	c.mu.Unlock()
}

// SetWriteErr makes every following write fail with err.
func (c *FakeConn) SetWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// OnWrite registers a hook that sees every successfully written frame.
func (c *FakeConn) OnWrite(fn func(*protocol.Frame)) {
	c.mu.Lock()
	c.onWrite = fn
	c.mu.Unlock()
}

// Write records f and calls done.
func (c *FakeConn) Write(f *protocol.Frame, done func(error)) {
	c.mu.Lock()
	err := c.writeErr
	if c.closed {
		err = ErrFakeClosed
	}
	if err == nil {
		c.frames = append(c.frames, f)
	}
	hook := c.onWrite
	c.mu.Unlock()

	if done != nil {
		done(err)
	}
	if err == nil && hook != nil {
		hook(f)
	}
}

// Frames returns the frames written so far.
func (c *FakeConn) Frames() []*protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Frame(nil), c.frames...)
}

// OnClose registers fn to run when the connection closes.
func (c *FakeConn) OnClose(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// Close marks the connection closed and runs the close callbacks.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listeners := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}
