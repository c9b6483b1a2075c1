package hooks

import (
	"context"

	"github.com/xiaonanln/pulsejob/cluster/future"
)

// Next continues a filter chain.
type Next func(ctx context.Context, inv *Invocation) (*future.Future, error)

// Filter may inspect or alter an invocation and either call next or return
// without it.
type Filter interface {
	Name() string
	Filter(ctx context.Context, inv *Invocation, next Next) (*future.Future, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc struct {
	FilterName string
	Fn         func(ctx context.Context, inv *Invocation, next Next) (*future.Future, error)
}

func (f FilterFunc) Name() string { return f.FilterName }

func (f FilterFunc) Filter(ctx context.Context, inv *Invocation, next Next) (*future.Future, error) {
	return f.Fn(ctx, inv, next)
}

// FilterChain is a linked list of filters ending in a terminal call.
type FilterChain struct {
	entry Next
	names []string
}

// NewFilterChain links filters in front of terminal; the first filter runs first.
func NewFilterChain(terminal Next, filters ...Filter) *FilterChain {
	c := &FilterChain{entry: terminal}
	for i := len(filters) - 1; i >= 0; i-- {
		f, next := filters[i], c.entry
		c.entry = func(ctx context.Context, inv *Invocation) (*future.Future, error) {
			return f.Filter(ctx, inv, next)
		}
	}
	for _, f := range filters {
		c.names = append(c.names, f.Name())
	}
	return c
}

// Invoke runs the chain.
func (c *FilterChain) Invoke(ctx context.Context, inv *Invocation) (*future.Future, error) {
	return c.entry(ctx, inv)
}

// Names lists the filters in run order.
func (c *FilterChain) Names() []string { return c.names }
