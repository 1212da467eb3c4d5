package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback used when redis is not
// configured. State does not survive a restart.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(ctx context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	cp := *s.state
	return &cp, nil
}

func (s *MemoryStore) Save(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.SavedAt = time.Now().UTC()
	s.state = &state
	return nil
}
