package recipients

import (
	"context"
	"sync"
)

// MemoryStore keeps removals in process.
type MemoryStore struct {
	mu      sync.RWMutex
	removed map[string]map[string]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{removed: make(map[string]map[string]struct{})}
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, email string, triggerIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, triggerID := range triggerIDs {
		set, ok := s.removed[triggerID]
		if !ok {
			set = make(map[string]struct{})
			s.removed[triggerID] = set
		}
		set[email] = struct{}{}
	}
	return nil
}

// Removed implements Store.
func (s *MemoryStore) Removed(_ context.Context, triggerID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.removed[triggerID]))
	for email := range s.removed[triggerID] {
		out[email] = struct{}{}
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
