// Package loadbalance picks a node group for an invocation.
package loadbalance

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xiaonanln/pulsejob/cluster/nodegroup"
)

// Type names a load-balancing strategy.
type Type string

const (
	RoundRobin     Type = "round_robin"
	Random         Type = "random"
	ConsistentHash Type = "consistent_hash"
	LeastActive    Type = "least_active"
)

var (
	ErrUnknownType = errors.New("unknown load balancer type")
	ErrDuplicate   = errors.New("load balancer already registered")
)

// ParseType validates a configured balancer name.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case RoundRobin, Random, ConsistentHash, LeastActive:
		return t, nil
	case "":
		return RoundRobin, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Balancer selects one group from a snapshot. routeKey is only used by
// key-affine strategies. Select returns nil for an empty snapshot.
type Balancer interface {
	Select(groups []*nodegroup.Group, routeKey string) *nodegroup.Group
}

// New creates a fresh balancer of type t.
func New(t Type) (Balancer, error) {
	switch t {
	case RoundRobin:
		return NewRoundRobin(), nil
	case Random:
		return NewRandom(), nil
	case ConsistentHash:
		return NewConsistentHash(DefaultReplicas), nil
	case LeastActive:
		return NewLeastActive(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// Registry maps balancer types to instances.
type Registry struct {
	mu        sync.RWMutex
	balancers map[Type]Balancer
}

func NewRegistry() *Registry {
	return &Registry{balancers: make(map[Type]Balancer)}
}

// NewDefaultRegistry registers one balancer of every built-in type.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range []Type{RoundRobin, Random, ConsistentHash, LeastActive} {
		b, _ := New(t)
		r.balancers[t] = b
	}
	return r
}

// Register adds b under t. Registering a type twice is an error.
func (r *Registry) Register(t Type, b Balancer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.balancers[t]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, t)
	}
	r.balancers[t] = b
	return nil
}

// Get returns the balancer registered under t.
func (r *Registry) Get(t Type) (Balancer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balancers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return b, nil
}
