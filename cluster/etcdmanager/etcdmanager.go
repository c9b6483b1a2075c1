package etcdmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xiaonanln/pulsejob/util/backoff"
	"github.com/xiaonanln/pulsejob/util/logger"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultPrefix  = "/pulsejob"
	AdminLeaseTTL  = 15 // seconds
	dialTimeout    = 5 * time.Second
	keepAliveRetry = 100 * time.Millisecond
)

// EtcdManager publishes admin addresses under leased keys and lets executors
// watch the admin set.
type EtcdManager struct {
	client    *clientv3.Client
	endpoints []string
	logger    *logger.Logger
	prefix    string

	regMu      sync.Mutex
	registered map[string]context.CancelFunc // key -> keep-alive loop cancel

	adminsMu    sync.RWMutex
	admins      map[string]bool
	lastChange  time.Time
	watchCancel context.CancelFunc
	listeners   []func([]string)
}

// NewEtcdManager creates a manager for etcdAddress. The optional prefix is the
// root of every key the manager writes; empty means DefaultPrefix. Admins are
// stored under "<prefix>/admins/<address>".
func NewEtcdManager(etcdAddress string, prefix ...string) (*EtcdManager, error) {
	if etcdAddress == "" {
		return nil, fmt.Errorf("etcd address is required")
	}
	globalPrefix := DefaultPrefix
	if len(prefix) > 0 && prefix[0] != "" {
		globalPrefix = prefix[0]
	}

	return &EtcdManager{
		endpoints:  []string{etcdAddress},
		logger:     logger.NewLogger("EtcdManager"),
		prefix:     globalPrefix,
		registered: make(map[string]context.CancelFunc),
		admins:     make(map[string]bool),
	}, nil
}

// Connect creates the etcd client and verifies the cluster answers.
func (mgr *EtcdManager) Connect() error {
	mgr.logger.Infof("Connecting to etcd at %v", mgr.endpoints)

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   mgr.endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Get(ctx, mgr.prefix+"/ping"); err != nil {
		cli.Close()
		return fmt.Errorf("etcd connection test failed: %w", err)
	}

	mgr.client = cli
	mgr.logger.Infof("Connected to etcd at %v", mgr.endpoints)
	return nil
}

// Close stops keep-alive loops and the admin watch, then closes the client.
func (mgr *EtcdManager) Close() error {
	mgr.regMu.Lock()
	for key, cancel := range mgr.registered {
		cancel()
		delete(mgr.registered, key)
	}
	mgr.regMu.Unlock()

	mgr.adminsMu.Lock()
	if mgr.watchCancel != nil {
		mgr.watchCancel()
		mgr.watchCancel = nil
	}
	mgr.adminsMu.Unlock()

	if mgr.client != nil {
		mgr.logger.Infof("Closing etcd connection")
		err := mgr.client.Close()
		mgr.client = nil
		return err
	}
	return nil
}

func (mgr *EtcdManager) GetClient() *clientv3.Client { return mgr.client }

func (mgr *EtcdManager) GetPrefix() string { return mgr.prefix }

// GetAdminsPrefix returns "<prefix>/admins/".
func (mgr *EtcdManager) GetAdminsPrefix() string {
	return mgr.prefix + "/admins/"
}

// Put stores a key-value pair in etcd
func (mgr *EtcdManager) Put(ctx context.Context, key, value string) error {
	if mgr.client == nil {
		return fmt.Errorf("etcd client not connected")
	}
	if _, err := mgr.client.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	mgr.logger.Debugf("Put key=%s, value=%s", key, value)
	return nil
}

// Get retrieves a value from etcd
func (mgr *EtcdManager) Get(ctx context.Context, key string) (string, error) {
	if mgr.client == nil {
		return "", fmt.Errorf("etcd client not connected")
	}
	resp, err := mgr.client.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("key not found: %s", key)
	}
	return string(resp.Kvs[0].Value), nil
}

// Delete removes a key from etcd
func (mgr *EtcdManager) Delete(ctx context.Context, key string) error {
	if mgr.client == nil {
		return fmt.Errorf("etcd client not connected")
	}
	if _, err := mgr.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	mgr.logger.Debugf("Delete key=%s", key)
	return nil
}

// RegisterAdmin publishes address under a leased key and keeps the lease
// alive until UnregisterAdmin or Close. If the keep-alive stream breaks the
// key is re-granted and re-written with backoff.
func (mgr *EtcdManager) RegisterAdmin(ctx context.Context, address string) error {
	if mgr.client == nil {
		return fmt.Errorf("etcd client not connected")
	}
	key := mgr.GetAdminsPrefix() + address

	mgr.regMu.Lock()
	defer mgr.regMu.Unlock()
	if _, ok := mgr.registered[key]; ok {
		mgr.logger.Debugf("Admin %s already registered, skipping", address)
		return nil
	}

	cli := mgr.client
	ch, leaseID, err := putLeased(ctx, cli, key, address)
	if err != nil {
		return err
	}
	mgr.logger.Infof("Registered admin %s with lease ID %d", address, leaseID)

	loopCtx, cancel := context.WithCancel(context.Background())
	mgr.registered[key] = cancel
	go mgr.keepAliveLoop(loopCtx, cli, key, address, leaseID, ch)
	return nil
}

func putLeased(ctx context.Context, cli *clientv3.Client, key, value string) (<-chan *clientv3.LeaseKeepAliveResponse, clientv3.LeaseID, error) {
	lease, err := cli.Grant(ctx, AdminLeaseTTL)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, key, value, clientv3.WithLease(lease.ID)); err != nil {
		return nil, 0, fmt.Errorf("failed to put %s: %w", key, err)
	}
	// The keep-alive stream must outlive the caller's ctx.
	ch, err := cli.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to keep alive lease: %w", err)
	}
	return ch, lease.ID, nil
}

func (mgr *EtcdManager) keepAliveLoop(ctx context.Context, cli *clientv3.Client, key, value string, leaseID clientv3.LeaseID, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	bo := backoff.New(keepAliveRetry, 6)
	for {
		select {
		case <-ctx.Done():
			revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if _, err := cli.Revoke(revokeCtx, leaseID); err != nil {
				mgr.logger.Debugf("Failed to revoke lease %d: %v", leaseID, err)
			}
			cancel()
			return
		case ka, ok := <-ch:
			if ok {
				if ka != nil {
					mgr.logger.Debugf("Keep-alive response for lease %d, TTL: %d", ka.ID, ka.TTL)
				}
				continue
			}
		}

		mgr.logger.Warnf("Keep-alive channel closed for lease %d, re-registering %s", leaseID, key)
		for {
			if err := bo.Wait(ctx); err != nil {
				return
			}
			newCh, newID, err := putLeased(ctx, cli, key, value)
			if err != nil {
				mgr.logger.Warnf("Re-registering %s failed (attempt %d): %v", key, bo.Attempts(), err)
				continue
			}
			ch, leaseID = newCh, newID
			bo.Reset()
			mgr.logger.Infof("Re-registered %s with lease ID %d", key, leaseID)
			break
		}
	}
}

// UnregisterAdmin stops the keep-alive loop for address and deletes its key.
func (mgr *EtcdManager) UnregisterAdmin(ctx context.Context, address string) error {
	if mgr.client == nil {
		return nil
	}
	key := mgr.GetAdminsPrefix() + address

	mgr.regMu.Lock()
	if cancel, ok := mgr.registered[key]; ok {
		cancel()
		delete(mgr.registered, key)
	}
	mgr.regMu.Unlock()

	if _, err := mgr.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to unregister admin: %w", err)
	}
	mgr.logger.Infof("Unregistered admin %s", address)
	return nil
}

// ListAdmins reads the admin set directly from etcd.
func (mgr *EtcdManager) ListAdmins(ctx context.Context) ([]string, error) {
	admins, _, err := mgr.listAdmins(ctx)
	return admins, err
}

func (mgr *EtcdManager) listAdmins(ctx context.Context) ([]string, int64, error) {
	if mgr.client == nil {
		return nil, 0, fmt.Errorf("etcd client not connected")
	}
	resp, err := mgr.client.Get(ctx, mgr.GetAdminsPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get admins: %w", err)
	}
	admins := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		admins = append(admins, string(kv.Value))
	}
	sort.Strings(admins)
	return admins, resp.Header.Revision, nil
}

// OnAdminsChanged registers fn to receive the sorted admin set after every
// change seen by WatchAdmins. fn runs on the watch goroutine.
func (mgr *EtcdManager) OnAdminsChanged(fn func([]string)) {
	mgr.adminsMu.Lock()
	mgr.listeners = append(mgr.listeners, fn)
	mgr.adminsMu.Unlock()
}

// WatchAdmins loads the current admin set and follows changes until ctx is
// done or Close is called. Listeners are called once with the initial set.
func (mgr *EtcdManager) WatchAdmins(ctx context.Context) error {
	if mgr.client == nil {
		return fmt.Errorf("etcd client not connected")
	}

	mgr.adminsMu.Lock()
	if mgr.watchCancel != nil {
		mgr.adminsMu.Unlock()
		mgr.logger.Warnf("Watch already started")
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	mgr.watchCancel = cancel
	mgr.adminsMu.Unlock()

	admins, rev, err := mgr.listAdmins(ctx)
	if err != nil {
		cancel()
		mgr.adminsMu.Lock()
		mgr.watchCancel = nil
		mgr.adminsMu.Unlock()
		return fmt.Errorf("failed to get initial admins: %w", err)
	}

	mgr.adminsMu.Lock()
	for _, a := range admins {
		mgr.admins[a] = true
	}
	mgr.lastChange = time.Now()
	mgr.adminsMu.Unlock()
	mgr.logger.Infof("Initialized with %d admins", len(admins))
	mgr.notify()

	watchChan := mgr.client.Watch(watchCtx, mgr.GetAdminsPrefix(), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	go func() {
		for {
			select {
			case <-watchCtx.Done():
				mgr.logger.Infof("Admin watch stopped")
				return
			case resp, ok := <-watchChan:
				if !ok {
					mgr.logger.Warnf("Watch channel closed")
					return
				}
				if resp.Err() != nil {
					mgr.logger.Errorf("Watch error: %v", resp.Err())
					continue
				}
				if mgr.apply(resp.Events) {
					mgr.notify()
				}
			}
		}
	}()
	return nil
}

func (mgr *EtcdManager) apply(events []*clientv3.Event) bool {
	mgr.adminsMu.Lock()
	defer mgr.adminsMu.Unlock()
	changed := false
	for _, event := range events {
		switch event.Type {
		case clientv3.EventTypePut:
			addr := string(event.Kv.Value)
			if !mgr.admins[addr] {
				mgr.admins[addr] = true
				changed = true
				mgr.logger.Infof("Admin added: %s", addr)
			}
		case clientv3.EventTypeDelete:
			addr := string(event.Kv.Key)[len(mgr.GetAdminsPrefix()):]
			if mgr.admins[addr] {
				delete(mgr.admins, addr)
				changed = true
				mgr.logger.Infof("Admin removed: %s", addr)
			}
		}
	}
	if changed {
		mgr.lastChange = time.Now()
	}
	return changed
}

func (mgr *EtcdManager) notify() {
	admins := mgr.GetAdmins()
	mgr.adminsMu.RLock()
	listeners := append([]func([]string){}, mgr.listeners...)
	mgr.adminsMu.RUnlock()
	for _, fn := range listeners {
		fn(admins)
	}
}

// GetAdmins returns the watched admin set, sorted.
func (mgr *EtcdManager) GetAdmins() []string {
	mgr.adminsMu.RLock()
	defer mgr.adminsMu.RUnlock()
	admins := make([]string, 0, len(mgr.admins))
	for a := range mgr.admins {
		admins = append(admins, a)
	}
	sort.Strings(admins)
	return admins
}

func (mgr *EtcdManager) GetLastAdminChangeTime() time.Time {
	mgr.adminsMu.RLock()
	defer mgr.adminsMu.RUnlock()
	return mgr.lastChange
}

// IsAdminListStable reports whether the admin set has not changed for d.
func (mgr *EtcdManager) IsAdminListStable(d time.Duration) bool {
	mgr.adminsMu.RLock()
	defer mgr.adminsMu.RUnlock()
	if mgr.lastChange.IsZero() {
		return false
	}
	return time.Since(mgr.lastChange) >= d
}
