package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// fileState is the on-disk envelope. Version allows future migrations;
// loading tolerates unknown fields.
type fileState struct {
	Version int             `json:"version"`
	Pending []PendingAction `json:"pending"`
	Failed  []PendingAction `json:"failed"`
}

const fileStateVersion = 1

// FileStore persists the queue as a JSON file, written atomically via a
// temp file and rename.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() ([]PendingAction, []PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var state fileState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, nil, err
	}
	return state.Pending, state.Failed, nil
}

func (s *FileStore) Save(pending, failed []PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := fileState{
		Version: fileStateVersion,
		Pending: append([]PendingAction{}, pending...),
		Failed:  append([]PendingAction{}, failed...),
	}
	blob, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Close() error { return nil }
