package admin

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xiaonanln/pulsejob/util/postgres"
)

// ExecutorStore persists which instance addresses serve each executor.
type ExecutorStore interface {
	Register(ctx context.Context, executor, address string) error
	Deregister(ctx context.Context, executor, address string) error
	Touch(ctx context.Context, executor, address string) error
	List(ctx context.Context, executor string) ([]string, error)
}

// MemoryStore keeps executor addresses in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	executors map[string]map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executors: make(map[string]map[string]time.Time)}
}

func (s *MemoryStore) Register(_ context.Context, executor, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := s.executors[executor]
	if addrs == nil {
		addrs = make(map[string]time.Time)
		s.executors[executor] = addrs
	}
	addrs[address] = time.Now()
	return nil
}

func (s *MemoryStore) Deregister(_ context.Context, executor, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addrs := s.executors[executor]; addrs != nil {
		delete(addrs, address)
		if len(addrs) == 0 {
			delete(s.executors, executor)
		}
	}
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, executor, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addrs := s.executors[executor]; addrs != nil {
		if _, ok := addrs[address]; ok {
			addrs[address] = time.Now()
		}
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, executor string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]string, 0, len(s.executors[executor]))
	for a := range s.executors[executor] {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs, nil
}

// LastSeen returns when address last registered or heartbeated.
func (s *MemoryStore) LastSeen(executor, address string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.executors[executor][address]
	return t, ok
}

// PostgresStore keeps executor addresses in the pulsejob_executors table.
type PostgresStore struct {
	db *postgres.DB
}

// NewPostgresStore creates the schema if needed.
func NewPostgresStore(ctx context.Context, db *postgres.DB) (*PostgresStore, error) {
	if err := db.InitSchema(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Register(ctx context.Context, executor, address string) error {
	return s.db.RegisterExecutor(ctx, executor, address)
}

func (s *PostgresStore) Deregister(ctx context.Context, executor, address string) error {
	return s.db.DeregisterExecutor(ctx, executor, address)
}

func (s *PostgresStore) Touch(ctx context.Context, executor, address string) error {
	return s.db.TouchExecutor(ctx, executor, address)
}

func (s *PostgresStore) List(ctx context.Context, executor string) ([]string, error) {
	records, err := s.db.ListExecutors(ctx, executor)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, len(records))
	for i, r := range records {
		addrs[i] = r.Address
	}
	return addrs, nil
}
