package workspace

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
//
// Dataset slices are shared between copies. They are never modified in
// place; a load replaces the whole slice.
type MemoryStore struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

// NewMemoryStore creates an in-memory workspace store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workspaces: make(map[string]*Workspace)}
}

func (s *MemoryStore) Create(ctx context.Context, w *Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[w.ID] = copyWorkspace(w)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkspace(w), nil
}

func (s *MemoryStore) Update(ctx context.Context, w *Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[w.ID]; !ok {
		return ErrNotFound
	}
	s.workspaces[w.ID] = copyWorkspace(w)
	return nil
}

func copyWorkspace(w *Workspace) *Workspace {
	c := *w
	c.Params = w.Params.Clone()
	return &c
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
