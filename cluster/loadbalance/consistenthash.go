package loadbalance

import (
	"hash/fnv"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/xiaonanln/pulsejob/cluster/nodegroup"
)

// DefaultReplicas is the number of virtual nodes per group on the ring.
const DefaultReplicas = 160

type ringPoint struct {
	hash  uint32
	index int
}

type ring struct {
	groups []*nodegroup.Group
	points []ringPoint
}

// ConsistentHashBalancer maps a routing key to a group through a hash ring.
// The ring is rebuilt only when the snapshot it was built from changes.
// An empty routing key falls back to round-robin.
type ConsistentHashBalancer struct {
	replicas int
	cached   atomic.Pointer[ring]
	fallback RoundRobinBalancer
}

func NewConsistentHash(replicas int) *ConsistentHashBalancer {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &ConsistentHashBalancer{replicas: replicas}
}

func (b *ConsistentHashBalancer) Select(groups []*nodegroup.Group, routeKey string) *nodegroup.Group {
	switch len(groups) {
	case 0:
		return nil
	case 1:
		return groups[0]
	}
	if routeKey == "" {
		return b.fallback.Select(groups, routeKey)
	}

	r := b.ringFor(groups)
	h := hashString(routeKey)
	i, _ := slices.BinarySearchFunc(r.points, h, func(p ringPoint, h uint32) int {
		switch {
		case p.hash < h:
			return -1
		case p.hash > h:
			return 1
		}
		return 0
	})
	if i == len(r.points) {
		i = 0
	}
	return groups[r.points[i].index]
}

// ringFor returns the cached ring if it was built from the same groups.
func (b *ConsistentHashBalancer) ringFor(groups []*nodegroup.Group) *ring {
	if r := b.cached.Load(); r != nil && slices.Equal(r.groups, groups) {
		return r
	}
	r := b.build(groups)
	b.cached.Store(r)
	return r
}

func (b *ConsistentHashBalancer) build(groups []*nodegroup.Group) *ring {
	points := make([]ringPoint, 0, len(groups)*b.replicas)
	for i, g := range groups {
		for v := 0; v < b.replicas; v++ {
			points = append(points, ringPoint{
				hash:  hashString(g.Address() + "#" + strconv.Itoa(v)),
				index: i,
			})
		}
	}
	slices.SortFunc(points, func(a, b ringPoint) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		}
		return 0
	})
	return &ring{groups: slices.Clone(groups), points: points}
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
