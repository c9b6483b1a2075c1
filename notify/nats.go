package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/xiaonanln/pulsejob/util/logger"
)

const DefaultSubjectPrefix = "pulsejob"

// NATSNotifier publishes events as JSON to "<prefix>.<kind>", for example
// "pulsejob.executor.online". The executor name travels in the X-Executor
// header so subscribers can filter without decoding.
type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *logger.Logger

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

// NewNATSNotifier connects to url. An empty prefix means DefaultSubjectPrefix.
func NewNATSNotifier(url, prefix string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("pulsejob-admin"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	n := NewNATSNotifierWithConn(nc, prefix)
	n.owned = true
	return n, nil
}

// NewNATSNotifierWithConn publishes on an existing connection; Close leaves
// the connection open.
func NewNATSNotifierWithConn(nc *nats.Conn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{nc: nc, prefix: prefix, logger: logger.NewLogger("NATSNotifier")}
}

func (n *NATSNotifier) Subject(k Kind) string {
	return n.prefix + "." + string(k)
}

func (n *NATSNotifier) Notify(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	msg := &nats.Msg{Subject: n.Subject(e.Kind), Data: data, Header: nats.Header{}}
	msg.Header.Set("X-Executor", e.Executor)
	if err := n.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe delivers events whose subject matches "<prefix>.<pattern>".
// Pattern may use NATS wildcards, e.g. "executor.*" or ">".
func (n *NATSNotifier) Subscribe(pattern string, handler func(Event)) (*nats.Subscription, error) {
	sub, err := n.nc.Subscribe(n.prefix+"."+pattern, func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			n.logger.Warnf("Dropping undecodable event on %s: %v", msg.Subject, err)
			return
		}
		handler(e)
	})
	if err != nil {
		return nil, err
	}
	n.subsMu.Lock()
	n.subs = append(n.subs, sub)
	n.subsMu.Unlock()
	return sub, nil
}

// Flush waits until the server has processed every published event.
func (n *NATSNotifier) Flush() error {
	return n.nc.Flush()
}

func (n *NATSNotifier) Close() error {
	n.subsMu.Lock()
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
	n.subsMu.Unlock()
	if n.owned {
		if err := n.nc.Drain(); err != nil {
			n.nc.Close()
			return err
		}
	}
	return nil
}
