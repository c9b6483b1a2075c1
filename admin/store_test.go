package admin

import (
	"context"
	"testing"
	"time"

	"github.com/xiaonanln/pulsejob/util/testutil"
)

func exerciseStore(t *testing.T, s ExecutorStore) {
	t.Helper()
	ctx := context.Background()

	for _, addr := range []string{"10.0.0.2:9999", "10.0.0.1:9999"} {
		if err := s.Register(ctx, "demo", addr); err != nil {
			t.Fatalf("Register(%s) error = %v", addr, err)
		}
	}
	if err := s.Register(ctx, "demo", "10.0.0.1:9999"); err != nil {
		t.Fatalf("re-Register error = %v", err)
	}
	got, err := s.List(ctx, "demo")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 || got[0] != "10.0.0.1:9999" || got[1] != "10.0.0.2:9999" {
		t.Fatalf("List() = %v", got)
	}

	if err := s.Touch(ctx, "demo", "10.0.0.1:9999"); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if err := s.Deregister(ctx, "demo", "10.0.0.2:9999"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if err := s.Deregister(ctx, "demo", "10.0.0.9:9999"); err != nil {
		t.Fatalf("Deregister(unknown) error = %v", err)
	}
	got, _ = s.List(ctx, "demo")
	if len(got) != 1 || got[0] != "10.0.0.1:9999" {
		t.Fatalf("List() after deregister = %v", got)
	}
	if got, _ := s.List(ctx, "other"); len(got) != 0 {
		t.Fatalf("List(other) = %v", got)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreTouch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Touch does not create entries.
	s.Touch(ctx, "demo", "a:1")
	if _, ok := s.LastSeen("demo", "a:1"); ok {
		t.Fatal("Touch created an unregistered instance")
	}

	s.Register(ctx, "demo", "a:1")
	first, _ := s.LastSeen("demo", "a:1")
	time.Sleep(5 * time.Millisecond)
	s.Touch(ctx, "demo", "a:1")
	second, ok := s.LastSeen("demo", "a:1")
	if !ok || !second.After(first) {
		t.Fatalf("LastSeen not advanced: %v -> %v", first, second)
	}
}

func TestPostgresStore(t *testing.T) {
	db := testutil.CreateTestDatabase(t)
	s, err := NewPostgresStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	exerciseStore(t, s)
}
