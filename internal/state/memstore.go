package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/seiforesti/data-wave-sub007/model"
)

type entryKey struct {
	namespace string
	key       string
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[entryKey]model.StateEntry
	conflicts map[string]model.StateConflict
	order     []string
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[entryKey]model.StateEntry),
		conflicts: make(map[string]model.StateConflict),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, namespace, key string) (model.StateEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryKey{namespace, key}]
	if !ok {
		return model.StateEntry{Namespace: namespace, Key: key}, false, nil
	}
	return entry, true, nil
}

// CompareAndSwap implements Store.
func (s *MemoryStore) CompareAndSwap(_ context.Context, namespace, key string, value any, expectedVersion int, now time.Time) (model.StateEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey{namespace, key}
	current, ok := s.entries[k]
	if !ok {
		current = model.StateEntry{Namespace: namespace, Key: key}
	}
	if current.Version != expectedVersion {
		return current, false, nil
	}

	next := model.StateEntry{
		Namespace: namespace,
		Key:       key,
		Value:     value,
		Version:   current.Version + 1,
		UpdatedAt: now,
	}
	s.entries[k] = next
	return next, true, nil
}

// SaveConflict implements Store.
func (s *MemoryStore) SaveConflict(_ context.Context, conflict model.StateConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conflicts[conflict.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("state conflict %q already exists", conflict.ID))
	}
	s.conflicts[conflict.ID] = copyConflict(conflict)
	s.order = append(s.order, conflict.ID)
	return nil
}

// GetConflict implements Store.
func (s *MemoryStore) GetConflict(_ context.Context, id string) (model.StateConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return model.StateConflict{}, model.NewNotFoundError(fmt.Sprintf("state conflict %q not found", id))
	}
	return copyConflict(c), nil
}

// ResolveConflict implements Store.
func (s *MemoryStore) ResolveConflict(_ context.Context, id string, res model.ConflictResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("state conflict %q not found", id))
	}
	if c.Resolved() {
		return model.NewAlreadyFinalizedError(fmt.Sprintf("state conflict %q is already resolved", id))
	}
	c.Resolution = &res
	s.conflicts[id] = c
	return nil
}

// SetResolution implements Store.
func (s *MemoryStore) SetResolution(_ context.Context, id string, res *model.ConflictResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("state conflict %q not found", id))
	}
	if res != nil {
		cp := *res
		res = &cp
	}
	c.Resolution = res
	s.conflicts[id] = c
	return nil
}

// ListConflicts implements Store.
func (s *MemoryStore) ListConflicts(_ context.Context, filters model.ConflictFilters) ([]model.StateConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.StateConflict
	for _, id := range s.order {
		c := s.conflicts[id]
		if filters.Namespace != "" && c.Namespace != filters.Namespace {
			continue
		}
		if filters.UnresolvedOnly && c.Resolved() {
			continue
		}
		result = append(result, copyConflict(c))
	}
	return result, nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func copyConflict(c model.StateConflict) model.StateConflict {
	if c.Resolution != nil {
		res := *c.Resolution
		c.Resolution = &res
	}
	return c
}
