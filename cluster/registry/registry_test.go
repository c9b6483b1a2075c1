package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xiaonanln/pulsejob/cluster/loadbalance"
	"github.com/xiaonanln/pulsejob/cluster/nodegroup"
	"github.com/xiaonanln/pulsejob/util/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistry_FindIsStable(t *testing.T) {
	r := New()
	a := r.Find("billing")
	if r.Find("billing") != a {
		t.Fatalf("Find should return the same list for a key")
	}
	if r.Group("10.0.0.1:1") != r.Group("10.0.0.1:1") {
		t.Fatalf("Group should return the same group for an address")
	}
	if _, ok := r.LookupGroup("10.0.0.9:1"); ok {
		t.Fatalf("LookupGroup should not create groups")
	}
}

func TestRegistry_ConcurrentFind(t *testing.T) {
	r := New()
	lists := make([]*GroupList, 16)
	var wg sync.WaitGroup
	for i := range lists {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lists[i] = r.Find("billing")
		}(i)
	}
	wg.Wait()
	for _, l := range lists {
		if l != lists[0] {
			t.Fatalf("concurrent Find returned different lists")
		}
	}
}

func TestRegistry_AddAndKeys(t *testing.T) {
	r := New()
	r.Add("reports", "10.0.0.2:1", testutil.NewFakeConn("c1", "10.0.0.2:1"))
	g := r.Add("billing", "10.0.0.1:1", testutil.NewFakeConn("c2", "10.0.0.1:1"))
	r.Add("billing", "10.0.0.1:1", testutil.NewFakeConn("c3", "10.0.0.1:1"))

	if g.Size() != 2 {
		t.Fatalf("group size = %d, want 2", g.Size())
	}
	if r.Find("billing").Len() != 1 {
		t.Fatalf("billing should have one instance")
	}
	keys := r.Keys()
	if len(keys) != 2 || keys[0] != "billing" || keys[1] != "reports" {
		t.Fatalf("Keys = %v", keys)
	}
}

func TestRegistry_SelectEmpty(t *testing.T) {
	r := New()
	_, err := r.Select("billing", loadbalance.NewRoundRobin(), "")
	if !errors.Is(err, ErrNoAvailableNode) {
		t.Fatalf("Select on unknown endpoint: err = %v", err)
	}
}

func TestRegistry_SelectFallsBackToAvailable(t *testing.T) {
	r := New()
	a := testutil.NewFakeConn("a", "A")
	b := testutil.NewFakeConn("b", "B")
	r.Add("billing", "A", a)
	r.Add("billing", "B", b)
	a.SetAvailable(false)

	rr := loadbalance.NewRoundRobin()
	for i := 0; i < 4; i++ {
		g, err := r.Select("billing", rr, "")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if g.Address() != "B" {
			t.Fatalf("Select = %s, want B", g.Address())
		}
	}
	if r.Find("billing").Len() != 2 {
		t.Fatalf("unavailable group without a deadline must be retained")
	}
}

func TestRegistry_EvictionTiming(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(10_000_000)}
	r := New(nodegroup.WithClock(clock.Now), nodegroup.WithLossInterval(5*time.Minute))

	a := testutil.NewFakeConn("a", "A")
	r.Add("billing", "A", a)
	r.Add("billing", "B", testutil.NewFakeConn("b", "B"))
	a.Close()

	groupA := r.Group("A")
	if groupA.DeadlineMillis() == 0 {
		t.Fatalf("empty group should have a deadline")
	}

	rr := loadbalance.NewRoundRobin()
	selectN := func(n int) {
		for i := 0; i < n; i++ {
			g, err := r.Select("billing", rr, "")
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if g.Address() != "B" {
				t.Fatalf("Select = %s, want B", g.Address())
			}
		}
	}

	clock.Advance(5 * time.Minute)
	selectN(4)
	if !r.Find("billing").Contains(groupA) {
		t.Fatalf("group evicted before its deadline passed")
	}

	clock.Advance(time.Millisecond)
	selectN(2)
	if r.Find("billing").Contains(groupA) {
		t.Fatalf("group should be evicted once its deadline passed")
	}
	if _, ok := r.LookupGroup("A"); ok {
		t.Fatalf("evicted empty group should be forgotten")
	}
}

func TestRegistry_SelectNoneAvailable(t *testing.T) {
	r := New()
	a := testutil.NewFakeConn("a", "A")
	r.Add("billing", "A", a)
	a.SetAvailable(false)

	_, err := r.Select("billing", loadbalance.NewRoundRobin(), "")
	if !errors.Is(err, ErrNoAvailableNode) {
		t.Fatalf("err = %v, want ErrNoAvailableNode", err)
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := New()
	g := r.Add("billing", "A", testutil.NewFakeConn("a", "A"))
	if !r.Remove("billing", g) {
		t.Fatalf("Remove should report true")
	}
	if r.Remove("billing", g) {
		t.Fatalf("second Remove should report false")
	}
	if r.Find("billing").Len() != 0 {
		t.Fatalf("group still bound after Remove")
	}
}

func TestGroupList_SnapshotIsImmutable(t *testing.T) {
	l := newGroupList()
	a := nodegroup.New("A")
	l.Add(a)
	snap := l.Snapshot()
	l.Add(nodegroup.New("B"))
	l.Remove(a)
	if len(snap) != 1 || snap[0] != a {
		t.Fatalf("snapshot changed after writes")
	}
}
