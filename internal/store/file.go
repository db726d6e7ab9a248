package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/trador/engine/internal/model"
)

// FileStore keeps the state document in a single JSON file. Saves are
// written to a temporary file and renamed into place.
type FileStore struct {
	path string
	mu   sync.RWMutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (*model.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (s *FileStore) Save(_ context.Context, st *model.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := Encode(st)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}
