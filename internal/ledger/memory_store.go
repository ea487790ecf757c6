package ledger

import (
	"context"
	"sort"
	"sync"

	"dqalarm/internal/domain"
)

// MemoryStore keeps alert history in process memory for single-instance mode.
// Params: per-trigger alert slices and a global id sequence.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID uint64
	alerts map[string][]domain.Alert
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string][]domain.Alert)}
}

// Latest returns the newest alert and the trigger's revision (its alert count).
// Params: trigger id.
// Returns: alert, revision, or ErrNotFound.
func (s *MemoryStore) Latest(_ context.Context, triggerID string) (domain.Alert, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.alerts[triggerID]
	if len(entries) == 0 {
		return domain.Alert{}, 0, ErrNotFound
	}
	latest := entries[0]
	for _, alert := range entries[1:] {
		if alert.Newer(latest) {
			latest = alert
		}
	}
	return latest, uint64(len(entries)), nil
}

// Append stores alert when expectedRevision matches the trigger's alert count.
// Params: alert without id and expected revision.
// Returns: stored alert with id, new revision, or ErrConflict.
func (s *MemoryStore) Append(_ context.Context, alert domain.Alert, expectedRevision uint64) (domain.Alert, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.alerts[alert.TriggerID]
	if uint64(len(entries)) != expectedRevision {
		return domain.Alert{}, 0, ErrConflict
	}
	s.nextID++
	alert.ID = s.nextID
	s.alerts[alert.TriggerID] = append(entries, alert)
	return alert, expectedRevision + 1, nil
}

// History lists alerts newest first.
// Params: trigger id and limit (<=0 means all).
// Returns: copy of the trigger's alerts.
func (s *MemoryStore) History(_ context.Context, triggerID string, limit int) ([]domain.Alert, error) {
	s.mu.RLock()
	out := append([]domain.Alert(nil), s.alerts[triggerID]...)
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Newer(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close releases memory store resources.
func (s *MemoryStore) Close() error {
	return nil
}
