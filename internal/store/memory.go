package store

import (
	"context"
	"sync"

	"github.com/trador/engine/internal/model"
)

// MemoryStore implements Store in memory. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	state *model.State
	saves int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (*model.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrNotFound
	}
	// Return a copy to avoid external mutation.
	c := s.state.Clone()
	return &c, nil
}

func (s *MemoryStore) Save(_ context.Context, st *model.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := st.Clone()
	s.state = &c
	s.saves++
	return nil
}

// Saves reports how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
