// Package registry maps executor endpoints to the node groups serving them.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/xiaonanln/pulsejob/cluster/loadbalance"
	"github.com/xiaonanln/pulsejob/cluster/nodegroup"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/metrics"
)

// ErrNoAvailableNode is returned when no group of an endpoint can take an invocation.
var ErrNoAvailableNode = errors.New("no available node")

// Key identifies an endpoint: the executor name.
type Key = string

// GroupList is the copy-on-write list of groups serving one endpoint.
type GroupList struct {
	mu     sync.Mutex
	groups atomic.Pointer[[]*nodegroup.Group]
}

func newGroupList() *GroupList {
	l := &GroupList{}
	empty := []*nodegroup.Group{}
	l.groups.Store(&empty)
	return l
}

// Snapshot returns the current groups. It must not be modified.
func (l *GroupList) Snapshot() []*nodegroup.Group { return *l.groups.Load() }

// Len returns the number of groups.
func (l *GroupList) Len() int { return len(l.Snapshot()) }

// Contains reports whether g is in the list.
func (l *GroupList) Contains(g *nodegroup.Group) bool {
	return slices.Contains(l.Snapshot(), g)
}

// Add appends g unless present.
func (l *GroupList) Add(g *nodegroup.Group) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := *l.groups.Load()
	if slices.Contains(cur, g) {
		return false
	}
	next := append(slices.Clip(cur), g)
	l.groups.Store(&next)
	return true
}

// Remove drops g.
func (l *GroupList) Remove(g *nodegroup.Group) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := *l.groups.Load()
	i := slices.Index(cur, g)
	if i < 0 {
		return false
	}
	next := slices.Delete(slices.Clone(cur), i, i+1)
	l.groups.Store(&next)
	return true
}

// Registry owns the endpoint -> groups and address -> group maps.
// Endpoint entries are created lazily and never deleted.
type Registry struct {
	endpoints sync.Map // Key -> *GroupList
	groups    sync.Map // address -> *nodegroup.Group
	groupOpts []nodegroup.Option
	logger    *logger.Logger
}

// New creates a Registry. groupOpts apply to every group it creates.
func New(groupOpts ...nodegroup.Option) *Registry {
	return &Registry{
		groupOpts: groupOpts,
		logger:    logger.NewLogger("Registry"),
	}
}

// Find returns the group list of key, creating it on first use.
func (r *Registry) Find(key Key) *GroupList {
	if v, ok := r.endpoints.Load(key); ok {
		return v.(*GroupList)
	}
	v, _ := r.endpoints.LoadOrStore(key, newGroupList())
	return v.(*GroupList)
}

// Group returns the group for address, creating it on first use.
func (r *Registry) Group(address string) *nodegroup.Group {
	if v, ok := r.groups.Load(address); ok {
		return v.(*nodegroup.Group)
	}
	v, loaded := r.groups.LoadOrStore(address, nodegroup.New(address, r.groupOpts...))
	if !loaded {
		r.logger.Debugf("Created node group for %s", address)
	}
	return v.(*nodegroup.Group)
}

// LookupGroup returns the group for address if one exists.
func (r *Registry) LookupGroup(address string) (*nodegroup.Group, bool) {
	v, ok := r.groups.Load(address)
	if !ok {
		return nil, false
	}
	return v.(*nodegroup.Group), true
}

// Add pools conn in the group for address and binds that group to key.
func (r *Registry) Add(key Key, address string, conn nodegroup.Conn) *nodegroup.Group {
	g := r.Group(address)
	g.Add(conn)
	list := r.Find(key)
	if list.Add(g) {
		r.logger.Infof("Executor %s gained instance %s", key, address)
	}
	metrics.SetExecutorInstances(key, list.Len())
	return g
}

// Remove unbinds g from key.
func (r *Registry) Remove(key Key, g *nodegroup.Group) bool {
	list := r.Find(key)
	if !list.Remove(g) {
		return false
	}
	metrics.SetExecutorInstances(key, list.Len())
	return true
}

// Keys returns every endpoint ever registered, sorted.
func (r *Registry) Keys() []Key {
	var keys []Key
	r.endpoints.Range(func(k, _ any) bool {
		keys = append(keys, k.(Key))
		return true
	})
	slices.Sort(keys)
	return keys
}

// Select picks an available group of key through b. An unavailable choice
// whose loss deadline has passed is evicted from the endpoint; any other
// unavailable choice stays. Either way the first available group of the
// snapshot is used instead.
func (r *Registry) Select(key Key, b loadbalance.Balancer, routeKey string) (*nodegroup.Group, error) {
	list := r.Find(key)
	groups := list.Snapshot()
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: executor %s has no instance", ErrNoAvailableNode, key)
	}

	chosen := b.Select(groups, routeKey)
	if chosen != nil && chosen.IsAvailable() {
		return chosen, nil
	}

	if chosen != nil && chosen.Expired() {
		if r.Remove(key, chosen) {
			r.logger.Warnf("Evicted %s from executor %s: unavailable past its deadline", chosen.Address(), key)
			metrics.RecordNodeGroupEvicted(key)
			if chosen.IsEmpty() {
				r.groups.CompareAndDelete(chosen.Address(), chosen)
			}
		}
	}

	for _, g := range groups {
		if g != chosen && g.IsAvailable() {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: executor %s", ErrNoAvailableNode, key)
}
