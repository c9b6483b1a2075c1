package loadbalance

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/xiaonanln/pulsejob/cluster/nodegroup"
)

// RoundRobinBalancer cycles through the snapshot with a shared cursor.
type RoundRobinBalancer struct {
	cursor atomic.Uint32
}

func NewRoundRobin() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

func (b *RoundRobinBalancer) Select(groups []*nodegroup.Group, _ string) *nodegroup.Group {
	switch len(groups) {
	case 0:
		return nil
	case 1:
		return groups[0]
	}
	return groups[b.next(len(groups))]
}

func (b *RoundRobinBalancer) next(n int) int {
	return int(b.cursor.Add(1)-1) & 0x7FFFFFFF % n
}

// RandomBalancer picks uniformly.
type RandomBalancer struct{}

func NewRandom() *RandomBalancer {
	return &RandomBalancer{}
}

func (RandomBalancer) Select(groups []*nodegroup.Group, _ string) *nodegroup.Group {
	switch len(groups) {
	case 0:
		return nil
	case 1:
		return groups[0]
	}
	return groups[rand.IntN(len(groups))]
}

// LeastActiveBalancer prefers the group with the fewest in-flight
// invocations. Ties rotate.
type LeastActiveBalancer struct {
	rr RoundRobinBalancer
}

func NewLeastActive() *LeastActiveBalancer {
	return &LeastActiveBalancer{}
}

func (b *LeastActiveBalancer) Select(groups []*nodegroup.Group, _ string) *nodegroup.Group {
	switch len(groups) {
	case 0:
		return nil
	case 1:
		return groups[0]
	}

	least := groups[0].Active()
	ties := make([]int, 0, len(groups))
	for i, g := range groups {
		active := g.Active()
		switch {
		case active < least:
			least = active
			ties = append(ties[:0], i)
		case active == least:
			ties = append(ties, i)
		}
	}
	if len(ties) == 1 {
		return groups[ties[0]]
	}
	return groups[ties[b.rr.next(len(ties))]]
}
