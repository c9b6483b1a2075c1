package testutil

import (
	"testing"
	"time"
)

// PollInterval is how often WaitFor re-checks its condition.
const PollInterval = 10 * time.Millisecond

// WaitFor polls condition until it returns true, failing the test with
// message once timeout passes. The condition is checked once up front.
//
//	testutil.WaitFor(t, 5*time.Second, "executor registered", func() bool {
//	    return a.Registry().Find("billing").Len() == 1
//	})
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()
	if condition() {
		return
	}
	start := time.Now()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	checks := 1
	for range ticker.C {
		checks++
		if condition() {
			return
		}
		if time.Since(start) > timeout {
			t.Fatalf("Timeout waiting for %s (waited %v, %d checks)", message, timeout, checks)
		}
	}
}

// Receive returns the next value from ch, failing the test after timeout.
func Receive[T any](t testing.TB, ch <-chan T, timeout time.Duration, message string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("Timeout waiting for %s (waited %v)", message, timeout)
	}
	var zero T
	return zero
}
