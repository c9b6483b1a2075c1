package loadbalance

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/xiaonanln/pulsejob/cluster/nodegroup"
)

func makeGroups(n int) []*nodegroup.Group {
	groups := make([]*nodegroup.Group, n)
	for i := range groups {
		groups[i] = nodegroup.New(fmt.Sprintf("10.0.0.%d:9000", i+1))
	}
	return groups
}

func TestBalancers_EmptyAndSingle(t *testing.T) {
	one := makeGroups(1)
	for _, typ := range []Type{RoundRobin, Random, ConsistentHash, LeastActive} {
		t.Run(string(typ), func(t *testing.T) {
			b, err := New(typ)
			if err != nil {
				t.Fatalf("New(%s): %v", typ, err)
			}
			if g := b.Select(nil, "k"); g != nil {
				t.Fatalf("Select on empty snapshot = %v, want nil", g)
			}
			if g := b.Select(one, "k"); g != one[0] {
				t.Fatalf("Select on single snapshot = %v, want the sole group", g)
			}
		})
	}
}

func TestRoundRobin_Fairness(t *testing.T) {
	groups := makeGroups(5)
	b := NewRoundRobin()

	const rounds = 100
	counts := make(map[*nodegroup.Group]int)
	for i := 0; i < rounds*len(groups); i++ {
		counts[b.Select(groups, "")]++
	}
	for _, g := range groups {
		if counts[g] != rounds {
			t.Fatalf("%s selected %d times, want %d", g.Address(), counts[g], rounds)
		}
	}
}

func TestRoundRobin_ConcurrentFairness(t *testing.T) {
	groups := makeGroups(4)
	b := NewRoundRobin()

	var mu sync.Mutex
	counts := make(map[*nodegroup.Group]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make(map[*nodegroup.Group]int)
			for i := 0; i < 1000; i++ {
				local[b.Select(groups, "")]++
			}
			mu.Lock()
			for g, n := range local {
				counts[g] += n
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, g := range groups {
		if counts[g] != 2000 {
			t.Fatalf("%s selected %d times, want 2000", g.Address(), counts[g])
		}
	}
}

func TestRoundRobin_CursorOverflow(t *testing.T) {
	groups := makeGroups(3)
	b := NewRoundRobin()
	b.cursor.Store(^uint32(0) - 1)
	for i := 0; i < 6; i++ {
		if b.Select(groups, "") == nil {
			t.Fatalf("Select returned nil across cursor overflow")
		}
	}
}

func TestRandom_CoversAll(t *testing.T) {
	groups := makeGroups(3)
	b := NewRandom()
	seen := make(map[*nodegroup.Group]bool)
	for i := 0; i < 1000 && len(seen) < len(groups); i++ {
		seen[b.Select(groups, "")] = true
	}
	if len(seen) != len(groups) {
		t.Fatalf("random balancer reached %d of %d groups", len(seen), len(groups))
	}
}

func TestConsistentHash_Stable(t *testing.T) {
	groups := makeGroups(4)
	b := NewConsistentHash(0)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("job-%d", i)
		first := b.Select(groups, key)
		for j := 0; j < 5; j++ {
			if got := b.Select(groups, key); got != first {
				t.Fatalf("key %s moved from %s to %s", key, first.Address(), got.Address())
			}
		}
	}
}

func TestConsistentHash_RemovingGroupOnlyMovesItsKeys(t *testing.T) {
	groups := makeGroups(4)
	b := NewConsistentHash(DefaultReplicas)

	before := make(map[string]*nodegroup.Group)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("job-%d", i)
		before[key] = b.Select(groups, key)
	}

	removed := groups[2]
	remaining := []*nodegroup.Group{groups[0], groups[1], groups[3]}
	for key, owner := range before {
		got := b.Select(remaining, key)
		if owner != removed && got != owner {
			t.Fatalf("key %s moved from %s to %s though its owner stayed", key, owner.Address(), got.Address())
		}
		if got == removed {
			t.Fatalf("key %s routed to a removed group", key)
		}
	}
}

func TestConsistentHash_EmptyKeyRotates(t *testing.T) {
	groups := makeGroups(2)
	b := NewConsistentHash(8)
	if b.Select(groups, "") == b.Select(groups, "") {
		t.Fatalf("empty routing key should fall back to round-robin")
	}
}

func TestLeastActive(t *testing.T) {
	groups := makeGroups(3)
	groups[0].IncActive()
	groups[0].IncActive()
	groups[2].IncActive()

	b := NewLeastActive()
	for i := 0; i < 3; i++ {
		if g := b.Select(groups, ""); g != groups[1] {
			t.Fatalf("Select = %s, want the idle group %s", g.Address(), groups[1].Address())
		}
	}

	groups[0].DecActive()
	groups[0].DecActive()
	first := b.Select(groups, "")
	second := b.Select(groups, "")
	if first == second {
		t.Fatalf("ties should rotate, got %s twice", first.Address())
	}
	for _, g := range []*nodegroup.Group{first, second} {
		if g == groups[2] {
			t.Fatalf("busy group %s selected over idle ones", g.Address())
		}
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"round_robin", RoundRobin, false},
		{"", RoundRobin, false},
		{"least_active", LeastActive, false},
		{"consistent_hash", ConsistentHash, false},
		{"weighted", "", true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseType(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	if _, err := r.Get(LeastActive); err != nil {
		t.Fatalf("Get(LeastActive): %v", err)
	}
	if err := r.Register(RoundRobin, NewRoundRobin()); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate Register: err = %v, want ErrDuplicate", err)
	}
	if _, err := NewRegistry().Get(Random); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Get on empty registry: err = %v", err)
	}
}
