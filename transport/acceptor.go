package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/xiaonanln/pulsejob/util/logger"
)

// Acceptor listens for inbound connections and hands them to a Processor.
type Acceptor struct {
	listener       net.Listener
	processor      Processor
	opts           Options
	maxConnections int
	logger         *logger.Logger

	conns   sync.Map // id -> *Connection
	count   atomic.Int32
	closed  atomic.Bool
	serveWg sync.WaitGroup
}

// Listen binds address. maxConnections <= 0 means unlimited.
func Listen(address string, processor Processor, opts Options, maxConnections int) (*Acceptor, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	opts.Side = "acceptor"
	return &Acceptor{
		listener:       l,
		processor:      processor,
		opts:           opts,
		maxConnections: maxConnections,
		logger:         logger.NewLogger("Acceptor"),
	}, nil
}

// Addr returns the bound listen address.
func (a *Acceptor) Addr() string {
	return a.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (a *Acceptor) Serve(ctx context.Context) error {
	a.serveWg.Add(1)
	defer a.serveWg.Done()

	stop := context.AfterFunc(ctx, func() { a.Close() })
	defer stop()

	a.logger.Infof("Accepting connections on %s", a.Addr())
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.logger.Errorf("Accept failed: %v", err)
			return err
		}

		if a.maxConnections > 0 && int(a.count.Load()) >= a.maxConnections {
			a.logger.Warnf("Rejecting %s: connection limit %d reached", conn.RemoteAddr(), a.maxConnections)
			conn.Close()
			continue
		}

		c := newConnection(conn, a.processor, a.opts)
		a.conns.Store(c.ID(), c)
		a.count.Add(1)
		c.OnClose(func() {
			a.conns.Delete(c.ID())
			a.count.Add(-1)
		})
		a.logger.Debugf("Accepted %s", c)
		c.start()
	}
}

// NumConnections returns the number of live inbound connections.
func (a *Acceptor) NumConnections() int {
	return int(a.count.Load())
}

// Close stops accepting and closes every inbound connection.
func (a *Acceptor) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := a.listener.Close()
	a.conns.Range(func(_, v any) bool {
		v.(*Connection).Close()
		return true
	})
	return err
}
