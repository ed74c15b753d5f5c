package store

import (
	"context"
	"sync"

	"github.com/psantana5/sandboxd/pkg/workload"
)

// MemoryStore is a bounded in-process store. The oldest result is evicted
// once max entries are held.
type MemoryStore struct {
	mu      sync.RWMutex
	max     int
	order   []string
	results map[string]workload.Result
}

// NewMemoryStore creates a memory store holding at most max results
func NewMemoryStore(max int) *MemoryStore {
	return &MemoryStore{
		max:     max,
		results: make(map[string]workload.Result),
	}
}

func (s *MemoryStore) Put(_ context.Context, r workload.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.results[r.ID]; !exists {
		s.order = append(s.order, r.ID)
	}
	s.results[r.ID] = r

	for s.max > 0 && len(s.order) > s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.results, oldest)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (workload.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return workload.Result{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]workload.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]workload.Result, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.results[s.order[i]])
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
