// Package notify publishes executor lifecycle and job log events to
// observers outside the admin process.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/xiaonanln/pulsejob/protocol"
	"github.com/xiaonanln/pulsejob/util/logger"
)

type Kind string

const (
	KindExecutorOnline  Kind = "executor.online"
	KindExecutorOffline Kind = "executor.offline"
	KindJobLog          Kind = "job.log"
)

// Event is one notification. Log is set only for KindJobLog.
type Event struct {
	Kind     Kind                 `json:"kind"`
	Executor string               `json:"executor,omitempty"`
	Address  string               `json:"address,omitempty"`
	Log      *protocol.LogMessage `json:"log,omitempty"`
	Time     time.Time            `json:"time"`
}

func ExecutorOnline(executor, address string) Event {
	return Event{Kind: KindExecutorOnline, Executor: executor, Address: address, Time: time.Now()}
}

func ExecutorOffline(executor, address string) Event {
	return Event{Kind: KindExecutorOffline, Executor: executor, Address: address, Time: time.Now()}
}

func JobLog(executor, address string, msg *protocol.LogMessage) Event {
	return Event{Kind: KindJobLog, Executor: executor, Address: address, Log: msg, Time: time.Now()}
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
	Close() error
}

// LogNotifier writes events to a logger.
type LogNotifier struct {
	logger *logger.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logger.NewLogger("Notify")}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) error {
	switch e.Kind {
	case KindJobLog:
		if e.Log != nil {
			n.logger.Debugf("[%s] job %d invoke %d log #%d %s: %s",
				e.Address, e.Log.JobID, e.Log.InvokeID, e.Log.Sequence, e.Log.Level, e.Log.Content)
		}
	default:
		n.logger.Infof("%s executor=%s address=%s", e.Kind, e.Executor, e.Address)
	}
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }
