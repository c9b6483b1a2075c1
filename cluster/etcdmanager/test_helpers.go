package etcdmanager

import (
	"testing"

	"github.com/xiaonanln/pulsejob/util/testutil"
)

// setupEtcdTest creates a connected manager under a prefix unique to t.
// The test is skipped if etcd is not reachable.
func setupEtcdTest(t *testing.T) *EtcdManager {
	t.Helper()
	prefix := testutil.PrepareEtcdPrefix(t, "localhost:2379")
	return setupEtcdTestWithPrefix(t, prefix)
}

// setupEtcdTestWithPrefix creates an additional manager sharing prefix.
func setupEtcdTestWithPrefix(t *testing.T, prefix string) *EtcdManager {
	t.Helper()
	mgr, err := NewEtcdManager("localhost:2379", prefix)
	if err != nil {
		t.Fatalf("NewEtcdManager() failed: %v", err)
	}
	if err := mgr.Connect(); err != nil {
		t.Skipf("Skipping test: etcd not available: %v", err)
	}
	t.Cleanup(func() {
		mgr.Close()
	})
	return mgr
}
