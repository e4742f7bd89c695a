package customfn

import (
	"context"
	"sort"
	"sync"
)

// Store persists definitions per vault scope.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - LoadAll returns definitions sorted by name; an unknown scope is empty.
// - Persist replaces any definition with the same name.
// - Delete of a missing name is not an error.
type Store interface {
	LoadAll(ctx context.Context, scope string) ([]Definition, error)
	Persist(ctx context.Context, scope string, def Definition) error
	Delete(ctx context.Context, scope, name string) error
}

// MemoryStore keeps definitions in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]Definition
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]map[string]Definition)}
}

func (s *MemoryStore) LoadAll(ctx context.Context, scope string) ([]Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.scopes[scope]))
	for _, d := range s.scopes[scope] {
		out = append(out, d.clone())
	}
	sortDefinitions(out)
	return out, nil
}

func (s *MemoryStore) Persist(ctx context.Context, scope string, def Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defs, ok := s.scopes[scope]
	if !ok {
		defs = make(map[string]Definition)
		s.scopes[scope] = defs
	}
	defs[def.Name] = def.clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, scope, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes[scope], name)
	return nil
}

func sortDefinitions(defs []Definition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
}
