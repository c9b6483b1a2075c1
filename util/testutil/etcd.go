package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdTestMutex ensures only one etcd integration test runs at a time across all packages.
// This prevents tests from interfering with each other when using the same etcd instance.
var EtcdTestMutex sync.Mutex

// PrepareEtcdPrefix returns a key prefix unique to the running test and deletes
// everything under it before and after the test. The test is skipped when etcd
// at endpoint cannot be reached.
func PrepareEtcdPrefix(t testing.TB, endpoint string) string {
	t.Helper()

	prefix := "/pulsejob-test/" + t.Name()

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Skipf("Skipping: etcd not available: %v", err)
		return prefix
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
		cli.Close()
		t.Skipf("Skipping: etcd not available: %v", err)
		return prefix
	}

	t.Cleanup(func() {
		defer cli.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
			t.Logf("Warning: failed to clean etcd prefix %s: %v", prefix, err)
		}
	})

	return prefix
}
