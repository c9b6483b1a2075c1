package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xiaonanln/pulsejob/protocol"
	pjerrors "github.com/xiaonanln/pulsejob/util/errors"
	"github.com/xiaonanln/pulsejob/util/testutil"
	"github.com/xiaonanln/pulsejob/util/timer"
)

func TestFuture_CompleteOnce(t *testing.T) {
	f := New(1)
	if f.State() != Pending {
		t.Fatalf("new future state = %s", f.State())
	}
	resp := &Response{InvokeID: 1}
	if !f.Complete(resp) {
		t.Fatalf("first Complete should succeed")
	}
	if f.Complete(&Response{InvokeID: 2}) || f.CompleteExceptionally(errors.New("late")) {
		t.Fatalf("second completion should be rejected")
	}
	got, err := f.Get(context.Background())
	if err != nil || got != resp {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if f.State() != Success {
		t.Fatalf("state = %s, want SUCCESS", f.State())
	}
}

func TestFuture_ConcurrentCompletion(t *testing.T) {
	for round := 0; round < 100; round++ {
		f := New(int64(round))
		var calls atomic.Int32
		f.WhenComplete(func(*Response, error) { calls.Add(1) })

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var ok bool
				if i%2 == 0 {
					ok = f.Complete(&Response{InvokeID: int64(i)})
				} else {
					ok = f.CompleteExceptionally(errors.New("boom"))
				}
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Fatalf("round %d: %d completions won, want 1", round, wins.Load())
		}
		if calls.Load() != 1 {
			t.Fatalf("round %d: listener ran %d times, want 1", round, calls.Load())
		}
	}
}

func TestFuture_ListenerOrder(t *testing.T) {
	f := New(1)
	var order []int
	for i := 0; i < 5; i++ {
		f.WhenComplete(func(*Response, error) { order = append(order, i) })
	}
	f.CompleteExceptionally(errors.New("boom"))
	for i, v := range order {
		if v != i {
			t.Fatalf("listeners ran in order %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("ran %d listeners, want 5", len(order))
	}
}

func TestFuture_LateListenerRunsImmediately(t *testing.T) {
	f := New(1)
	boom := errors.New("boom")
	f.CompleteExceptionally(boom)

	ran := false
	f.WhenComplete(func(resp *Response, err error) {
		ran = true
		if resp != nil || !errors.Is(err, boom) {
			t.Fatalf("late listener got %v, %v", resp, err)
		}
	})
	if !ran {
		t.Fatalf("late listener should run before WhenComplete returns")
	}
}

func TestFuture_ListenerPanicIsContained(t *testing.T) {
	f := New(1)
	second := false
	f.WhenComplete(func(*Response, error) { panic("listener") })
	f.WhenComplete(func(*Response, error) { second = true })
	f.Complete(&Response{})
	if !second {
		t.Fatalf("a panicking listener stopped later listeners")
	}
}

func TestFuture_Timeout(t *testing.T) {
	tm := testutil.NewManualTimer()
	f := New(7)
	f.SetRemote("10.0.0.1:9000")
	f.SetTimeout(tm, 3*time.Second)

	if n := tm.FireAll(); n != 1 {
		t.Fatalf("fired %d timeouts, want 1", n)
	}
	if f.State() != Timeout {
		t.Fatalf("state = %s, want TIMEOUT", f.State())
	}
	_, err := f.Get(context.Background())
	var te *pjerrors.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if te.InvokeID != 7 || te.Target != "10.0.0.1:9000" || te.Timeout != 3*time.Second {
		t.Fatalf("unexpected timeout error %+v", te)
	}
	if StatusOf(err) != protocol.StatusClientTimeout {
		t.Fatalf("StatusOf(timeout) = %s", StatusOf(err))
	}
	if f.Complete(&Response{}) {
		t.Fatalf("response after timeout must be rejected")
	}
}

func TestFuture_CompletionCancelsTimeout(t *testing.T) {
	tm := testutil.NewManualTimer()
	f := New(1)
	f.SetTimeout(tm, time.Second)
	f.Complete(&Response{})

	if len(tm.Scheduled()) != 0 {
		t.Fatalf("timeout still scheduled after completion")
	}
	if f.State() != Success {
		t.Fatalf("state = %s", f.State())
	}
}

func TestFuture_TimeoutOnHashedWheel(t *testing.T) {
	w := timer.NewHashedWheel(time.Millisecond, 64)
	defer w.Stop()

	f := New(1)
	f.SetTimeout(w, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.Get(ctx); !pjerrors.IsTimeout(err) || f.State() != Timeout {
		t.Fatalf("Get err = %v, state = %s", err, f.State())
	}
}

func TestFuture_GetRespectsContext(t *testing.T) {
	f := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get err = %v", err)
	}
	if f.IsDone() {
		t.Fatalf("Get timing out must not complete the future")
	}
}

func TestFuture_LogHistoryReplay(t *testing.T) {
	f := New(1)
	f.ReceiveLog(protocol.LogMessage{Sequence: 1, Content: "starting"})
	f.ReceiveLog(protocol.LogMessage{Sequence: 2, Content: "halfway"})

	var got []int64
	f.AddLogListener(func(m protocol.LogMessage) { got = append(got, m.Sequence) })
	f.ReceiveLog(protocol.LogMessage{Sequence: 3, Content: "done", Last: true})

	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("listener saw %v, want [1 2 3]", got)
	}
	if len(f.Logs()) != 3 {
		t.Fatalf("history holds %d lines", len(f.Logs()))
	}
}

func TestFuture_LogHistoryBounded(t *testing.T) {
	f := New(1)
	for i := 0; i < DefaultLogHistory+10; i++ {
		f.ReceiveLog(protocol.LogMessage{Sequence: int64(i)})
	}
	logs := f.Logs()
	if len(logs) != DefaultLogHistory || logs[0].Sequence != 10 {
		t.Fatalf("history len %d first %d", len(logs), logs[0].Sequence)
	}
}

func TestFuture_Ack(t *testing.T) {
	f := New(1)
	if f.Acked() {
		t.Fatalf("fresh future acked")
	}
	f.Ack()
	if !f.Acked() {
		t.Fatalf("Ack not recorded")
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want protocol.Status
	}{
		{"nil", nil, protocol.StatusOK},
		{"status", &StatusError{Status: protocol.StatusServiceNotFound}, protocol.StatusServiceNotFound},
		{"timeout", pjerrors.NewTimeoutError("invoke", 1, "", time.Second), protocol.StatusClientTimeout},
		{"other", errors.New("x"), protocol.StatusClientError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Fatalf("StatusOf = %s, want %s", got, tt.want)
			}
		})
	}
}
