package collaboration

import (
	"context"
	"time"

	"github.com/seiforesti/data-wave-sub007/model"
)

// LockStore holds resource locks. Implementations must grant at most one
// live lock per (session, resource) under arbitrary interleaving. A lock
// past its ExpiresAt is logically absent.
type LockStore interface {
	// Acquire grants lock if no live lock exists for its (session, resource).
	// When the same holder already owns a live lock its expiry is replaced
	// by lock.ExpiresAt. Otherwise the current lock is returned with false.
	Acquire(ctx context.Context, lock model.ResourceLock, now time.Time) (model.ResourceLock, bool, error)

	// Release removes the lock if holderID holds it live. Returns
	// NOT_LOCK_HOLDER otherwise.
	Release(ctx context.Context, sessionID, resourceID, holderID string, now time.Time) error

	// Renew moves the expiry of a live lock held by holderID. Returns
	// NOT_LOCK_HOLDER otherwise.
	Renew(ctx context.Context, sessionID, resourceID, holderID string, expiresAt, now time.Time) (model.ResourceLock, error)

	// Get returns the live lock on a resource, if any.
	Get(ctx context.Context, sessionID, resourceID string, now time.Time) (model.ResourceLock, bool, error)

	// List returns the live locks of a session.
	List(ctx context.Context, sessionID string, now time.Time) ([]model.ResourceLock, error)

	// ReleaseSession removes every lock of a session and returns how many
	// were removed.
	ReleaseSession(ctx context.Context, sessionID string) (int, error)

	// ReleaseHolder removes every lock holderID holds in a session.
	ReleaseHolder(ctx context.Context, sessionID, holderID string) (int, error)

	// Sweep deletes expired locks and returns how many were removed.
	// Stores with native expiry may return 0.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
