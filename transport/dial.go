package transport

import (
	"context"
	"net"
	"time"
)

// DefaultDialTimeout bounds Dial when the context has no deadline.
const DefaultDialTimeout = 3 * time.Second

// Dial opens an outbound connection to address and starts it.
// processor.OnActive has run by the time Dial returns.
func Dial(ctx context.Context, address string, processor Processor, opts Options) (*Connection, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if opts.Side == "" {
		opts.Side = "connector"
	}
	c := newConnection(conn, processor, opts)
	c.start()
	return c, nil
}
