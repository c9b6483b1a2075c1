package invoker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xiaonanln/pulsejob/cluster/dispatch"
	"github.com/xiaonanln/pulsejob/cluster/future"
	"github.com/xiaonanln/pulsejob/cluster/loadbalance"
	"github.com/xiaonanln/pulsejob/cluster/registry"
	"github.com/xiaonanln/pulsejob/protocol"
	"github.com/xiaonanln/pulsejob/serializer"
	"github.com/xiaonanln/pulsejob/util/metrics"
	pjtestutil "github.com/xiaonanln/pulsejob/util/testutil"
)

// scripted is a unicast dispatcher whose attempts fail until succeedOn.
type scripted struct {
	mu        sync.Mutex
	typ       dispatch.Type
	calls     int
	attempts  []int
	succeedOn int // 1-based attempt that succeeds, 0 never
	err       error
}

func (s *scripted) Type() dispatch.Type { return s.typ }

func (s *scripted) Dispatch(_ context.Context, req *dispatch.Request) *future.Future {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.attempts = append(s.attempts, req.Attempt)
	s.mu.Unlock()

	f := future.New(req.InvokeID)
	f.SetRemote("10.0.0.1:9000")
	if n == s.succeedOn {
		f.Complete(&future.Response{InvokeID: req.InvokeID, Status: protocol.StatusOK})
	} else {
		f.CompleteExceptionally(&future.StatusError{InvokeID: req.InvokeID, Status: protocol.StatusClientError, Err: s.err})
	}
	return f
}

func request() *dispatch.Request {
	return &dispatch.Request{Endpoint: "billing", InvokeID: 1, Method: "trigger", MessageType: protocol.TypeTriggerJob}
}

func TestFailFast(t *testing.T) {
	d := &scripted{typ: dispatch.Unicast, err: errors.New("down")}
	_, err := NewFailFast(d).Invoke(context.Background(), request()).Get(context.Background())
	if !errors.Is(err, d.err) || d.calls != 1 {
		t.Fatalf("err = %v after %d calls", err, d.calls)
	}
}

func TestFailOver_AttemptBound(t *testing.T) {
	pjtestutil.LockMetrics(t)
	metrics.FailoverRetriesTotal.Reset()

	for _, retries := range []int{0, 1, 3} {
		d := &scripted{typ: dispatch.Unicast, err: errors.New("down")}
		inv, err := NewFailOver(d, retries)
		if err != nil {
			t.Fatalf("NewFailOver: %v", err)
		}
		_, err = inv.Invoke(context.Background(), request()).Get(context.Background())
		if !errors.Is(err, d.err) {
			t.Fatalf("retries=%d: err = %v, want last cause", retries, err)
		}
		if d.calls != retries+1 {
			t.Fatalf("retries=%d: %d attempts, want %d", retries, d.calls, retries+1)
		}
		for i, a := range d.attempts {
			if a != i {
				t.Fatalf("attempt numbers %v", d.attempts)
			}
		}
	}
	if got := testutil.ToFloat64(metrics.FailoverRetriesTotal.WithLabelValues("billing")); got != 4 {
		t.Fatalf("retries counted %v, want 4", got)
	}
}

func TestFailOver_StopsOnSuccess(t *testing.T) {
	d := &scripted{typ: dispatch.Unicast, succeedOn: 2, err: errors.New("down")}
	inv, _ := NewFailOver(d, 5)
	f := inv.Invoke(context.Background(), request())
	if _, err := f.Get(context.Background()); err != nil {
		t.Fatalf("err = %v", err)
	}
	if d.calls != 2 {
		t.Fatalf("calls = %d, want 2", d.calls)
	}
	if f.Remote() != "10.0.0.1:9000" {
		t.Fatalf("remote = %q", f.Remote())
	}
}

func TestFailOver_RequestRetriesOverride(t *testing.T) {
	d := &scripted{typ: dispatch.Unicast, err: errors.New("down")}
	inv, _ := NewFailOver(d, 1)
	req := request()
	req.Retries = 4
	inv.Invoke(context.Background(), req).Get(context.Background())
	if d.calls != 5 {
		t.Fatalf("calls = %d, want 5", d.calls)
	}
}

func TestFailOver_StopsWhenContextDone(t *testing.T) {
	d := &scripted{typ: dispatch.Unicast, err: errors.New("down")}
	inv, _ := NewFailOver(d, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inv.Invoke(ctx, request()).Get(context.Background())
	if d.calls != 1 {
		t.Fatalf("calls = %d, want 1 after cancellation", d.calls)
	}
}

func TestFailOver_RejectsBroadcast(t *testing.T) {
	if _, err := NewFailOver(&scripted{typ: dispatch.Broadcast}, 2); !errors.Is(err, ErrBroadcastFailOver) {
		t.Fatalf("err = %v, want ErrBroadcastFailOver", err)
	}
}

func TestFailSafe_NeverFails(t *testing.T) {
	pjtestutil.LockMetrics(t)
	metrics.FailsafeSuppressedTotal.Reset()

	d := &scripted{typ: dispatch.Unicast, err: errors.New("down")}
	f := NewFailSafe(d).Invoke(context.Background(), request())
	resp, err := f.Get(context.Background())
	if err != nil || resp != nil {
		t.Fatalf("fail-safe = %v, %v; want nil, nil", resp, err)
	}
	if f.State() != future.Success {
		t.Fatalf("state = %s", f.State())
	}
	if got := testutil.ToFloat64(metrics.FailsafeSuppressedTotal.WithLabelValues("billing")); got != 1 {
		t.Fatalf("suppressed = %v", got)
	}

	ok := &scripted{typ: dispatch.Unicast, succeedOn: 1}
	resp, err = NewFailSafe(ok).Invoke(context.Background(), request()).Get(context.Background())
	if err != nil || resp == nil {
		t.Fatalf("successful fail-safe = %v, %v", resp, err)
	}
}

func TestFailOver_OverRealDispatcher(t *testing.T) {
	reg := registry.New()
	bad := pjtestutil.NewFakeConn("bad", "10.0.0.1:9000")
	good := pjtestutil.NewFakeConn("good", "10.0.0.2:9000")
	bad.SetWriteErr(errors.New("broken pipe"))
	reg.Add("billing", "10.0.0.1:9000", bad)
	reg.Add("billing", "10.0.0.2:9000", good)

	pending := future.NewTable()
	d := dispatch.NewUnicast(dispatch.Options{
		Registry:    reg,
		Balancer:    loadbalance.NewRoundRobin(),
		Serializers: serializer.NewDefaultRegistry(),
		Pending:     pending,
		Timer:       pjtestutil.NewManualTimer(),
	})
	inv, _ := NewFailOver(d, 2)

	req := request()
	req.InvokeID = 42
	req.Serializer = serializer.Gob
	req.Payload = &protocol.TriggerRequest{ExecutorName: "billing", Handler: "invoice"}
	f := inv.Invoke(context.Background(), req)

	if len(good.Frames()) != 1 {
		t.Fatalf("retry should reach the healthy connection")
	}
	pending.Log(good.ID(), protocol.LogMessage{InvokeID: 42, Content: "running"})
	pending.Ack(good.ID(), 42)
	pending.Receive(good.ID(), &future.Response{InvokeID: 42, Status: protocol.StatusOK})

	if _, err := f.Get(context.Background()); err != nil {
		t.Fatalf("err = %v", err)
	}
	if !f.Acked() || len(f.Logs()) != 1 {
		t.Fatalf("ack and logs of the successful attempt should reach the returned future")
	}
}

func TestRegistry(t *testing.T) {
	dr := dispatch.NewRegistry()
	dr.Register(&scripted{typ: dispatch.Unicast})
	dr.Register(&scripted{typ: dispatch.Broadcast})

	r, err := NewDefaultRegistry(dr, 2)
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	for _, k := range []struct {
		s Strategy
		t dispatch.Type
	}{{FailFast, dispatch.Unicast}, {FailFast, dispatch.Broadcast}, {FailOver, dispatch.Unicast}, {FailSafe, dispatch.Broadcast}} {
		if _, err := r.Get(k.s, k.t); err != nil {
			t.Fatalf("Get(%s, %s): %v", k.s, k.t, err)
		}
	}
	if _, err := r.Get(FailOver, dispatch.Broadcast); !errors.Is(err, ErrBroadcastFailOver) {
		t.Fatalf("err = %v, want ErrBroadcastFailOver", err)
	}
	if err := r.Register(NewFailFast(&scripted{typ: dispatch.Unicast})); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": FailFast, "FAIL_OVER": FailOver, "fail_safe": FailSafe} {
		got, err := ParseStrategy(in)
		if err != nil || got != want {
			t.Fatalf("ParseStrategy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseStrategy("fail_back"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("err = %v", err)
	}
}
