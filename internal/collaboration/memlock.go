package collaboration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/seiforesti/data-wave-sub007/model"
)

type lockKey struct {
	sessionID  string
	resourceID string
}

// MemoryLockStore is an in-memory LockStore for single-replica deployments.
// Expired locks are ignored on every access and removed by Sweep.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[lockKey]model.ResourceLock
}

// NewMemoryLockStore creates an empty in-memory lock store.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[lockKey]model.ResourceLock)}
}

// Acquire implements LockStore.
func (s *MemoryLockStore) Acquire(_ context.Context, lock model.ResourceLock, now time.Time) (model.ResourceLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{lock.SessionID, lock.ResourceID}
	if current, ok := s.locks[k]; ok && current.Live(now) {
		if current.HolderID != lock.HolderID {
			return current, false, nil
		}
		current.ExpiresAt = lock.ExpiresAt
		s.locks[k] = current
		return current, true, nil
	}
	s.locks[k] = lock
	return lock, true, nil
}

// Release implements LockStore.
func (s *MemoryLockStore) Release(_ context.Context, sessionID, resourceID, holderID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{sessionID, resourceID}
	current, ok := s.locks[k]
	if !ok || !current.Live(now) || current.HolderID != holderID {
		return model.NewNotLockHolderError(resourceID, holderID)
	}
	delete(s.locks, k)
	return nil
}

// Renew implements LockStore.
func (s *MemoryLockStore) Renew(_ context.Context, sessionID, resourceID, holderID string, expiresAt, now time.Time) (model.ResourceLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{sessionID, resourceID}
	current, ok := s.locks[k]
	if !ok || !current.Live(now) || current.HolderID != holderID {
		return model.ResourceLock{}, model.NewNotLockHolderError(resourceID, holderID)
	}
	current.ExpiresAt = expiresAt
	s.locks[k] = current
	return current, nil
}

// Get implements LockStore.
func (s *MemoryLockStore) Get(_ context.Context, sessionID, resourceID string, now time.Time) (model.ResourceLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.locks[lockKey{sessionID, resourceID}]
	if !ok || !current.Live(now) {
		return model.ResourceLock{}, false, nil
	}
	return current, true, nil
}

// List implements LockStore.
func (s *MemoryLockStore) List(_ context.Context, sessionID string, now time.Time) ([]model.ResourceLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.ResourceLock
	for k, l := range s.locks {
		if k.sessionID == sessionID && l.Live(now) {
			result = append(result, l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ResourceID < result[j].ResourceID })
	return result, nil
}

// ReleaseSession implements LockStore.
func (s *MemoryLockStore) ReleaseSession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.locks {
		if k.sessionID == sessionID {
			delete(s.locks, k)
			n++
		}
	}
	return n, nil
}

// ReleaseHolder implements LockStore.
func (s *MemoryLockStore) ReleaseHolder(_ context.Context, sessionID, holderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, l := range s.locks {
		if k.sessionID == sessionID && l.HolderID == holderID {
			delete(s.locks, k)
			n++
		}
	}
	return n, nil
}

// Sweep implements LockStore.
func (s *MemoryLockStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, l := range s.locks {
		if !l.Live(now) {
			delete(s.locks, k)
			n++
		}
	}
	return n, nil
}

// HealthCheck implements LockStore.
func (s *MemoryLockStore) HealthCheck(context.Context) error { return nil }
