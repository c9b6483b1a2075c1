package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHashedWheel_FiresOnce(t *testing.T) {
	w := NewHashedWheel(5*time.Millisecond, 8)
	defer w.Stop()

	var fired int32
	done := make(chan struct{})
	start := time.Now()
	to := w.Schedule(30*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Task did not fire")
	}

	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Task fired early after %v", elapsed)
	}
	if !to.IsExpired() {
		t.Error("Expected timeout to be expired")
	}
	if to.Cancel() {
		t.Error("Cancel after expiry should report false")
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("Expected task to fire exactly once, got %d", fired)
	}
}

func TestHashedWheel_Cancel(t *testing.T) {
	w := NewHashedWheel(5*time.Millisecond, 8)
	defer w.Stop()

	var fired int32
	to := w.Schedule(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	if !to.Cancel() {
		t.Fatal("Expected first Cancel to succeed")
	}
	if to.Cancel() {
		t.Fatal("Expected second Cancel to report false")
	}
	if !to.IsCancelled() {
		t.Fatal("Expected IsCancelled to be true")
	}

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("Cancelled task fired")
	}
}

func TestHashedWheel_MultipleRounds(t *testing.T) {
	// 4 slots of 2ms: a 30ms delay needs several trips around the wheel
	w := NewHashedWheel(2*time.Millisecond, 4)
	defer w.Stop()

	done := make(chan time.Duration, 1)
	start := time.Now()
	w.Schedule(30*time.Millisecond, func() { done <- time.Since(start) })

	select {
	case elapsed := <-done:
		if elapsed < 30*time.Millisecond {
			t.Errorf("Task fired early after %v", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("Task did not fire")
	}
}

func TestHashedWheel_Ordering(t *testing.T) {
	w := NewHashedWheel(time.Millisecond, 64)
	defer w.Stop()
	w.SetExecutor(func(f func()) { f() })

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	delays := []time.Duration{40 * time.Millisecond, 10 * time.Millisecond, 25 * time.Millisecond}
	for i, d := range delays {
		i := i
		wg.Add(1)
		w.Schedule(d, func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	want := []int{1, 2, 0}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, order)
		}
	}
}

func TestHashedWheel_ZeroDelay(t *testing.T) {
	w := NewHashedWheel(time.Millisecond, 8)
	defer w.Stop()

	done := make(chan struct{})
	w.Schedule(0, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Zero-delay task did not fire")
	}
}

func TestHashedWheel_StopCancelsPending(t *testing.T) {
	w := NewHashedWheel(5*time.Millisecond, 8)

	var fired int32
	to := w.Schedule(time.Hour, func() { atomic.AddInt32(&fired, 1) })
	time.Sleep(20 * time.Millisecond)
	w.Stop()

	if !to.IsCancelled() {
		t.Fatal("Expected pending timeout to be cancelled by Stop")
	}

	after := w.Schedule(time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	if !after.IsCancelled() {
		t.Fatal("Expected Schedule after Stop to return a cancelled timeout")
	}
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("Task fired after Stop")
	}
}

func TestHashedWheel_StopWithoutStart(t *testing.T) {
	w := NewHashedWheel(0, 0)
	if w.tick != DefaultTick || int(w.mask+1) != DefaultWheelSize {
		t.Fatalf("Unexpected defaults tick=%v size=%d", w.tick, w.mask+1)
	}
	w.Stop()
	w.Stop()
}

func TestHashedWheel_PanicIsRecovered(t *testing.T) {
	w := NewHashedWheel(time.Millisecond, 8)
	defer w.Stop()

	w.Schedule(time.Millisecond, func() { panic("boom") })
	done := make(chan struct{})
	w.Schedule(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timer stopped working after a panicking task")
	}
}
