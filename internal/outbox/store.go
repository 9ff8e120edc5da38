package outbox

import "sync"

// Store persists the queue across process restarts. Save rewrites the full
// state; queue depth is small enough that write-through is simpler than
// incremental updates.
type Store interface {
	Load() (pending, failed []PendingAction, err error)
	Save(pending, failed []PendingAction) error
	Close() error
}

// MemoryStore keeps queue state in memory only. Intended for tests and
// throwaway tooling; production callers use FileStore or SQLiteStore.
type MemoryStore struct {
	mu      sync.Mutex
	pending []PendingAction
	failed  []PendingAction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() ([]PendingAction, []PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingAction{}, s.pending...), append([]PendingAction{}, s.failed...), nil
}

func (s *MemoryStore) Save(pending, failed []PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append([]PendingAction{}, pending...)
	s.failed = append([]PendingAction{}, failed...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
