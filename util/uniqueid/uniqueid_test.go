package uniqueid

import (
	"encoding/base64"
	"math"
	"sync"
	"testing"
	"time"
)

func TestUniqueId(t *testing.T) {
	id := UniqueId()
	if id == "" {
		t.Fatal("UniqueId() returned empty string")
	}

	if _, err := base64.URLEncoding.DecodeString(id); err != nil {
		t.Fatalf("UniqueId() returned invalid base64 URL encoded string: %v", err)
	}

	const expectedLen = 24 // base64 URL encoding of 16 bytes with padding
	for i := 0; i < 10; i++ {
		id := UniqueId()
		if len(id) != expectedLen {
			t.Fatalf("UniqueId() returned string %s of length %d, expected %d", id, len(id), expectedLen)
		}
	}
}

func TestUniqueIdUniqueness(t *testing.T) {
	const numIds = 10000
	ids := make(map[string]bool, numIds)

	for i := 0; i < numIds; i++ {
		id := UniqueId()
		if ids[id] {
			t.Fatalf("Duplicate ID found: %s", id)
		}
		ids[id] = true
	}
}

func TestSequence_Monotonic(t *testing.T) {
	s := NewSequence(0)
	for want := int64(1); want <= 100; want++ {
		if got := s.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
}

func TestSequence_Overflow(t *testing.T) {
	s := NewSequence(math.MaxInt64 - 1)
	if got := s.Next(); got != math.MaxInt64 {
		t.Fatalf("Next() = %d, want MaxInt64", got)
	}
	if got := s.Next(); got <= 0 {
		t.Fatalf("Next() after overflow = %d, want positive", got)
	}
}

func TestSequence_Concurrent(t *testing.T) {
	s := NewSequence(0)
	const goroutines = 16
	const perGoroutine = 1000

	var mu sync.Mutex
	seen := make(map[int64]bool, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perGoroutine)
			for j := 0; j < perGoroutine; j++ {
				local = append(local, s.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if seen[id] {
					t.Errorf("Duplicate id %d", id)
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("Expected %d unique ids, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestClockSequence(t *testing.T) {
	before := time.Now().UnixMilli() << clockShift
	first := NewClockSequence().Next()
	if first <= before {
		t.Fatalf("Next() = %d, want above %d", first, before)
	}
	if first > 1<<53 {
		t.Fatalf("Next() = %d exceeds 2^53", first)
	}
	time.Sleep(2 * time.Millisecond)
	if next := NewClockSequence().Next(); next <= first {
		t.Fatalf("restarted sequence = %d, want above %d", next, first)
	}
}
