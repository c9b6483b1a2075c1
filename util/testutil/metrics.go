package testutil

import (
	"sync"
	"testing"
)

var metricsMu sync.Mutex

// LockMetrics serializes tests that reset or read the global Prometheus
// collectors in util/metrics. The lock is released when the test ends.
func LockMetrics(t testing.TB) {
	t.Helper()
	metricsMu.Lock()
	t.Cleanup(metricsMu.Unlock)
}
