package state

import (
	"context"
	"time"

	"github.com/seiforesti/data-wave-sub007/model"
)

// Store persists versioned entries and the conflicts detected against them.
type Store interface {
	// Get returns the entry for (namespace, key). The boolean is false when
	// the key has never been written.
	Get(ctx context.Context, namespace, key string) (model.StateEntry, bool, error)

	// CompareAndSwap stores value if the current version equals
	// expectedVersion (0 for a key that does not exist yet) and bumps the
	// version by one. It returns the entry after the call and whether the
	// swap happened; on mismatch the returned entry is the current one.
	// The check and the write are atomic per (namespace, key).
	CompareAndSwap(ctx context.Context, namespace, key string, value any, expectedVersion int, now time.Time) (model.StateEntry, bool, error)

	// SaveConflict persists a newly detected conflict.
	SaveConflict(ctx context.Context, conflict model.StateConflict) error

	// GetConflict returns a conflict by ID, or NOT_FOUND.
	GetConflict(ctx context.Context, id string) (model.StateConflict, error)

	// ResolveConflict records res on an unresolved conflict. Returns
	// ALREADY_FINALIZED if the conflict already carries a resolution.
	ResolveConflict(ctx context.Context, id string, res model.ConflictResolution) error

	// SetResolution overwrites the resolution of a conflict. A nil res
	// reopens it.
	SetResolution(ctx context.Context, id string, res *model.ConflictResolution) error

	// ListConflicts returns conflicts in detection order.
	ListConflicts(ctx context.Context, filters model.ConflictFilters) ([]model.StateConflict, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
