// Package state implements the versioned key-value store shared by
// collaborating users. Writes are optimistic: a write whose expected version
// is stale is recorded as a conflict instead of being applied.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/model"
)

// maxResolveAttempts bounds the compare-and-swap retries of a resolution
// racing concurrent writers.
const maxResolveAttempts = 16

// Option customizes Manager construction.
type Option func(*Manager)

// WithMetrics records write and resolution counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) {
		if now != nil {
			mgr.now = now
		}
	}
}

// Manager coordinates reads, optimistic writes, and conflict resolution.
type Manager struct {
	store   Store
	events  model.Publisher
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewManager creates a state manager over store.
func NewManager(store Store, events model.Publisher, logger *zap.Logger, opts ...Option) *Manager {
	if events == nil {
		events = model.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:  store,
		events: events,
		logger: logger.Named("state"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Read returns the value and version at (namespace, key). A key that has
// never been written reads as (nil, 0).
func (m *Manager) Read(ctx context.Context, namespace, key string) (any, int, error) {
	entry, err := m.Entry(ctx, namespace, key)
	if err != nil {
		return nil, 0, err
	}
	return entry.Value, entry.Version, nil
}

// Entry returns the full entry at (namespace, key).
func (m *Manager) Entry(ctx context.Context, namespace, key string) (model.StateEntry, error) {
	if err := validateKey(namespace, key); err != nil {
		return model.StateEntry{}, err
	}
	entry, _, err := m.store.Get(ctx, namespace, key)
	if err != nil {
		return model.StateEntry{}, fmt.Errorf("read %s/%s: %w", namespace, key, err)
	}
	return entry, nil
}

// Write stores value if expectedVersion matches the current version. On a
// mismatch nothing is written; the conflict is recorded, announced, and
// returned in WriteResult.Conflict with a nil error.
func (m *Manager) Write(ctx context.Context, namespace, key string, value any, expectedVersion int) (model.WriteResult, error) {
	if err := validateKey(namespace, key); err != nil {
		return model.WriteResult{}, err
	}
	if expectedVersion < 0 {
		return model.WriteResult{}, model.NewFieldValidationError("expected_version", "must not be negative")
	}

	entry, swapped, err := m.store.CompareAndSwap(ctx, namespace, key, value, expectedVersion, m.now().UTC())
	if err != nil {
		return model.WriteResult{}, fmt.Errorf("write %s/%s: %w", namespace, key, err)
	}
	if swapped {
		m.metrics.RecordStateWrite(namespace, "written")
		m.logger.Debug("state written",
			zap.String("namespace", namespace),
			zap.String("key", key),
			zap.Int("version", entry.Version),
		)
		return model.WriteResult{Entry: entry}, nil
	}

	conflict := model.StateConflict{
		ID:             uuid.NewString(),
		Namespace:      namespace,
		Key:            key,
		BaseVersion:    expectedVersion,
		CurrentVersion: entry.Version,
		AttemptedValue: value,
		CurrentValue:   entry.Value,
		AttemptedBy:    model.ActorFrom(ctx, ""),
		DetectedAt:     m.now().UTC(),
	}
	if err := m.store.SaveConflict(ctx, conflict); err != nil {
		return model.WriteResult{}, fmt.Errorf("record conflict on %s/%s: %w", namespace, key, err)
	}

	m.metrics.RecordStateWrite(namespace, "conflict")
	m.logger.Info("state conflict detected",
		zap.String("conflict_id", conflict.ID),
		zap.String("namespace", namespace),
		zap.String("key", key),
		zap.Int("base_version", expectedVersion),
		zap.Int("current_version", entry.Version),
	)
	m.events.Publish(model.TopicConflictDetected, map[string]any{
		"conflictId":     conflict.ID,
		"namespace":      namespace,
		"key":            key,
		"baseVersion":    expectedVersion,
		"currentVersion": entry.Version,
	})

	return model.WriteResult{Entry: entry, Conflict: &conflict}, nil
}

// ResolveConflict settles a conflict. last_writer_wins stores the value the
// losing write attempted; manual stores manualValue. Either way the value is
// written on top of the latest version. Resolving the same conflict twice
// returns ALREADY_FINALIZED.
//
// The conflict is claimed in the store before the value is written, so of
// two concurrent resolutions only the one holding the claim writes.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID, strategy string, manualValue any, resolvedBy string) (model.StateConflict, error) {
	switch strategy {
	case model.StrategyLastWriterWins, model.StrategyManual:
	default:
		return model.StateConflict{}, model.NewFieldValidationError("strategy",
			fmt.Sprintf("unknown strategy %q (supported: %s, %s)", strategy, model.StrategyLastWriterWins, model.StrategyManual))
	}

	conflict, err := m.store.GetConflict(ctx, conflictID)
	if err != nil {
		return model.StateConflict{}, err
	}
	if conflict.Resolved() {
		return model.StateConflict{}, model.NewAlreadyFinalizedError(
			fmt.Sprintf("state conflict %q is already resolved", conflictID))
	}
	resolvedBy = model.ActorFrom(ctx, resolvedBy)
	if resolvedBy == "" {
		return model.StateConflict{}, model.NewFieldValidationError("resolved_by", "is required")
	}

	value := conflict.AttemptedValue
	if strategy == model.StrategyManual {
		value = manualValue
	}
	res := model.ConflictResolution{
		Strategy:   strategy,
		Value:      value,
		ResolvedBy: resolvedBy,
		Timestamp:  m.now().UTC(),
	}
	if err := m.store.ResolveConflict(ctx, conflictID, res); err != nil {
		return model.StateConflict{}, err
	}

	entry, err := m.forceWrite(ctx, conflict.Namespace, conflict.Key, value)
	if err != nil {
		if rerr := m.store.SetResolution(ctx, conflictID, nil); rerr != nil {
			m.logger.Error("reopening state conflict after failed write",
				zap.String("conflict_id", conflictID),
				zap.Error(rerr),
			)
		}
		return model.StateConflict{}, err
	}

	res.Version = entry.Version
	if err := m.store.SetResolution(ctx, conflictID, &res); err != nil {
		return model.StateConflict{}, err
	}
	conflict.Resolution = &res

	m.metrics.RecordConflictResolved(strategy)
	m.logger.Info("state conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("strategy", strategy),
		zap.String("resolved_by", resolvedBy),
		zap.Int("version", entry.Version),
	)
	m.events.Publish(model.TopicConflictResolved, map[string]any{
		"conflictId": conflictID,
		"namespace":  conflict.Namespace,
		"key":        conflict.Key,
		"strategy":   strategy,
		"resolvedBy": resolvedBy,
		"version":    entry.Version,
	})

	return conflict, nil
}

// Conflicts lists recorded conflicts.
func (m *Manager) Conflicts(ctx context.Context, filters model.ConflictFilters) ([]model.StateConflict, error) {
	conflicts, err := m.store.ListConflicts(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return conflicts, nil
}

// GetConflict returns one conflict by ID.
func (m *Manager) GetConflict(ctx context.Context, conflictID string) (model.StateConflict, error) {
	return m.store.GetConflict(ctx, conflictID)
}

// forceWrite writes value over whatever version is current, retrying when
// a concurrent writer moves the version between read and swap.
func (m *Manager) forceWrite(ctx context.Context, namespace, key string, value any) (model.StateEntry, error) {
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		current, _, err := m.store.Get(ctx, namespace, key)
		if err != nil {
			return model.StateEntry{}, fmt.Errorf("read %s/%s: %w", namespace, key, err)
		}
		entry, swapped, err := m.store.CompareAndSwap(ctx, namespace, key, value, current.Version, m.now().UTC())
		if err != nil {
			return model.StateEntry{}, fmt.Errorf("write %s/%s: %w", namespace, key, err)
		}
		if swapped {
			return entry, nil
		}
	}
	return model.StateEntry{}, model.NewConflictError(
		fmt.Sprintf("%s/%s kept changing while resolving; retry", namespace, key))
}

func validateKey(namespace, key string) error {
	var details []model.FieldError
	if namespace == "" {
		details = append(details, model.FieldError{Field: "namespace", Code: "REQUIRED", Message: "namespace is required"})
	}
	if key == "" {
		details = append(details, model.FieldError{Field: "key", Code: "REQUIRED", Message: "key is required"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
