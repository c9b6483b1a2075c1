// Package invoker applies a cluster fault-tolerance strategy on top of a
// dispatcher.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xiaonanln/pulsejob/cluster/dispatch"
	"github.com/xiaonanln/pulsejob/cluster/future"
)

// Strategy names a fault-tolerance policy.
type Strategy string

const (
	FailFast Strategy = "fail_fast"
	FailOver Strategy = "fail_over"
	FailSafe Strategy = "fail_safe"
)

var (
	ErrUnknownStrategy   = errors.New("unknown cluster strategy")
	ErrDuplicate         = errors.New("invoker already registered")
	ErrBroadcastFailOver = errors.New("fail-over does not support broadcast dispatch")
)

// ParseStrategy resolves a configured strategy name; empty selects FailFast.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case FailFast, FailOver, FailSafe:
		return st, nil
	case "":
		return FailFast, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Invoker runs a request under a strategy and returns the future of the
// overall outcome.
type Invoker interface {
	Strategy() Strategy
	DispatchType() dispatch.Type
	Invoke(ctx context.Context, req *dispatch.Request) *future.Future
}

type registryKey struct {
	strategy Strategy
	dispatch dispatch.Type
}

// Registry maps (strategy, dispatch type) to an invoker.
type Registry struct {
	mu       sync.RWMutex
	invokers map[registryKey]Invoker
}

func NewRegistry() *Registry {
	return &Registry{invokers: make(map[registryKey]Invoker)}
}

// NewDefaultRegistry builds every valid combination over the dispatchers in
// dispatchers. Fail-over is only paired with unicast.
func NewDefaultRegistry(dispatchers *dispatch.Registry, retries int) (*Registry, error) {
	r := NewRegistry()
	for _, t := range []dispatch.Type{dispatch.Unicast, dispatch.Broadcast} {
		d, err := dispatchers.Get(t)
		if err != nil {
			continue
		}
		if err := r.Register(NewFailFast(d)); err != nil {
			return nil, err
		}
		if err := r.Register(NewFailSafe(d)); err != nil {
			return nil, err
		}
		if t == dispatch.Broadcast {
			continue
		}
		fo, err := NewFailOver(d, retries)
		if err != nil {
			return nil, err
		}
		if err := r.Register(fo); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds inv. A second invoker for the same pair is an error.
func (r *Registry) Register(inv Invoker) error {
	k := registryKey{strategy: inv.Strategy(), dispatch: inv.DispatchType()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.invokers[k]; ok {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, k.strategy, k.dispatch)
	}
	r.invokers[k] = inv
	return nil
}

// Get returns the invoker for s over dispatch type t.
func (r *Registry) Get(s Strategy, t dispatch.Type) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[registryKey{strategy: s, dispatch: t}]
	if !ok {
		if s == FailOver && t == dispatch.Broadcast {
			return nil, ErrBroadcastFailOver
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownStrategy, s, t)
	}
	return inv, nil
}
