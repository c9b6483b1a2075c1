// Package future holds the completion side of an invocation: a Future that
// transitions exactly once, and the Table that routes responses to it.
package future

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/pulsejob/protocol"
	"github.com/xiaonanln/pulsejob/serializer"
	"github.com/xiaonanln/pulsejob/util/errors"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/timer"
)

// State of a Future. Every state other than Pending is terminal.
type State int32

const (
	Pending State = iota
	Success
	Failure
	Timeout
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	case Timeout:
		return "TIMEOUT"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// DefaultLogHistory bounds the log lines a Future keeps for late listeners.
const DefaultLogHistory = 1024

// Response is a decoded reply frame.
type Response struct {
	InvokeID       int64
	Status         protocol.Status
	SerializerCode serializer.Code
	MessageType    protocol.MessageType
	Body           []byte
	Remote         string
	// Value is the decoded body, when the receiver decoded it.
	Value any
}

// Listener observes the outcome. Exactly one of resp and err is non-nil,
// except that a fail-safe completion may carry neither.
type Listener func(resp *Response, err error)

// LogListener receives job log lines in arrival order.
type LogListener func(msg protocol.LogMessage)

// Future is the result of one invocation.
type Future struct {
	id      int64
	created time.Time
	state   atomic.Int32
	acked   atomic.Bool
	done    chan struct{}

	mu        sync.Mutex
	completed bool
	resp      *Response
	err       error
	remote    string
	listeners []Listener
	timeout   timer.Timeout

	ackListeners []func()

	logMu        sync.Mutex
	logs         []protocol.LogMessage
	logListeners []LogListener
}

var log = logger.NewLogger("Future")

// New creates a pending Future for invokeID.
func New(invokeID int64) *Future {
	return &Future{
		id:      invokeID,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

// ID returns the invoke id.
func (f *Future) ID() int64 { return f.id }

// Created returns when the Future was created.
func (f *Future) Created() time.Time { return f.created }

// State returns the current state.
func (f *Future) State() State { return State(f.state.Load()) }

// IsDone reports whether the Future reached a terminal state.
func (f *Future) IsDone() bool { return f.State() != Pending }

// Done is closed on completion.
func (f *Future) Done() <-chan struct{} { return f.done }

// SetRemote records the address the invocation was written to.
func (f *Future) SetRemote(addr string) {
	f.mu.Lock()
	f.remote = addr
	f.mu.Unlock()
}

// Remote returns the address set with SetRemote.
func (f *Future) Remote() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

// Complete succeeds the Future. It reports false if it was already done.
func (f *Future) Complete(resp *Response) bool {
	return f.complete(Success, resp, nil)
}

// CompleteExceptionally fails the Future. It reports false if it was already done.
func (f *Future) CompleteExceptionally(err error) bool {
	return f.complete(Failure, nil, err)
}

func (f *Future) complete(state State, resp *Response, err error) bool {
	if !f.state.CompareAndSwap(int32(Pending), int32(state)) {
		return false
	}

	f.mu.Lock()
	f.completed = true
	f.resp = resp
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	t := f.timeout
	f.mu.Unlock()

	if t != nil {
		t.Cancel()
	}
	close(f.done)
	for _, fn := range listeners {
		f.notify(fn, resp, err)
	}
	return true
}

// WhenComplete registers fn. Listeners run once, in registration order, on
// the completing goroutine. A listener added after completion runs at once
// on the caller's goroutine.
func (f *Future) WhenComplete(fn Listener) {
	f.mu.Lock()
	if !f.completed {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return
	}
	resp, err := f.resp, f.err
	f.mu.Unlock()
	f.notify(fn, resp, err)
}

func (f *Future) notify(fn Listener, resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Listener of invoke #%d panicked: %v", f.id, r)
		}
	}()
	fn(resp, err)
}

// Result returns the outcome without waiting; both are nil while pending.
func (f *Future) Result() (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

// Get waits for completion or ctx.
func (f *Future) Get(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetTimeout schedules the Future to time out after d. The scheduled task is
// cancelled when the Future completes first.
func (f *Future) SetTimeout(t timer.Timer, d time.Duration) {
	if d <= 0 {
		return
	}
	handle := t.Schedule(d, func() {
		f.complete(Timeout, nil, errors.NewTimeoutError("invoke", f.id, f.Remote(), d))
	})

	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		handle.Cancel()
		return
	}
	if f.timeout != nil {
		f.timeout.Cancel()
	}
	f.timeout = handle
	f.mu.Unlock()
}

// Ack marks that the remote acknowledged the request and runs the ack
// listeners the first time.
func (f *Future) Ack() {
	if !f.acked.CompareAndSwap(false, true) {
		return
	}
	f.mu.Lock()
	listeners := f.ackListeners
	f.ackListeners = nil
	f.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// OnAck runs fn once the request is acknowledged, immediately if it already was.
func (f *Future) OnAck(fn func()) {
	f.mu.Lock()
	if !f.acked.Load() {
		f.ackListeners = append(f.ackListeners, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn()
}

// Relay forwards acknowledgement and log lines of f to dst. Invokers use it
// to surface attempt-level events on the future they return.
func (f *Future) Relay(dst *Future) {
	f.OnAck(dst.Ack)
	f.AddLogListener(dst.ReceiveLog)
}

// Acked reports whether Ack was called.
func (f *Future) Acked() bool { return f.acked.Load() }

// AddLogListener replays the log history to fn and then streams new lines.
// fn runs with the log lock held and must not call back into the Future's
// log methods.
func (f *Future) AddLogListener(fn LogListener) {
	f.logMu.Lock()
	defer f.logMu.Unlock()
	for _, msg := range f.logs {
		fn(msg)
	}
	f.logListeners = append(f.logListeners, fn)
}

// ReceiveLog records msg and hands it to every log listener.
func (f *Future) ReceiveLog(msg protocol.LogMessage) {
	f.logMu.Lock()
	defer f.logMu.Unlock()
	if len(f.logs) >= DefaultLogHistory {
		f.logs = append(f.logs[:0], f.logs[1:]...)
	}
	f.logs = append(f.logs, msg)
	for _, fn := range f.logListeners {
		fn(msg)
	}
}

// Logs returns a copy of the log history.
func (f *Future) Logs() []protocol.LogMessage {
	f.logMu.Lock()
	defer f.logMu.Unlock()
	return append([]protocol.LogMessage(nil), f.logs...)
}

func (f *Future) String() string {
	return fmt.Sprintf("Future{id=%d state=%s remote=%s}", f.id, f.State(), f.Remote())
}
