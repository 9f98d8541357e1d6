package model

import "time"

// Conflict resolution strategies.
const (
	StrategyLastWriterWins = "last_writer_wins"
	StrategyManual         = "manual"
)

// StateEntry is a versioned value in the state manager. Version 0 means the
// key has never been written.
type StateEntry struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateConflict records a rejected write whose expected version was stale.
type StateConflict struct {
	ID             string              `json:"id"`
	Namespace      string              `json:"namespace"`
	Key            string              `json:"key"`
	BaseVersion    int                 `json:"base_version"`
	CurrentVersion int                 `json:"current_version"`
	AttemptedValue any                 `json:"attempted_value"`
	CurrentValue   any                 `json:"current_value"`
	AttemptedBy    string              `json:"attempted_by,omitempty"`
	Resolution     *ConflictResolution `json:"resolution,omitempty"`
	DetectedAt     time.Time           `json:"detected_at"`
}

// Resolved reports whether a resolution has been recorded.
func (c StateConflict) Resolved() bool {
	return c.Resolution != nil
}

// ConflictResolution records how and by whom a conflict was settled.
type ConflictResolution struct {
	Strategy   string    `json:"strategy"`
	Value      any       `json:"value"`
	Version    int       `json:"version"`
	ResolvedBy string    `json:"resolved_by"`
	Timestamp  time.Time `json:"timestamp"`
}

// WriteResult is the outcome of an optimistic write: exactly one of Entry
// (success) or Conflict is meaningful.
type WriteResult struct {
	Entry    StateEntry     `json:"entry"`
	Conflict *StateConflict `json:"conflict,omitempty"`
}

// ConflictFilters narrows conflict listings.
type ConflictFilters struct {
	Namespace      string
	UnresolvedOnly bool
}
