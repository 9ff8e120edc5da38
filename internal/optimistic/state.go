package optimistic

import (
	"encoding/json"
	"sort"
	"sync"
)

// DocStore is the visible application state: a map from resource key to
// JSON document. Only the Coordinator writes it; everything else observes
// read-only. Document swaps are atomic, so observers see either the
// pre-mutation or the tentative/confirmed document, never a partial patch.
type DocStore struct {
	mu   sync.RWMutex
	docs map[string]json.RawMessage
}

func NewDocStore() *DocStore {
	return &DocStore{docs: make(map[string]json.RawMessage)}
}

// Get returns the document for key, if present.
func (s *DocStore) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key]
	return doc, ok
}

// Keys returns all resource keys in sorted order.
func (s *DocStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len reports the number of stored documents.
func (s *DocStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *DocStore) set(key string, doc json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = doc
}

func (s *DocStore) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key)
}
