package model

import "time"

// Bulk operation status constants.
const (
	BulkStatusRunning    = "running"
	BulkStatusCompleted  = "completed"
	BulkStatusFailed     = "failed"
	BulkStatusRolledBack = "rolled_back"
)

// BulkItem is one unit of work inside a bulk operation.
type BulkItem struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
}

// ItemResult is the outcome of processing a single bulk item.
type ItemResult struct {
	ItemID      string         `json:"item_id"`
	Index       int            `json:"index"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// CompensationResult is the outcome of undoing a previously succeeded item.
type CompensationResult struct {
	ItemID      string    `json:"item_id"`
	Index       int       `json:"index"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// BulkProgress is reported after every item completes.
type BulkProgress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// BulkOperation is the snapshot of a bulk run.
type BulkOperation struct {
	ID                string               `json:"id"`
	Type              string               `json:"type"`
	Total             int                  `json:"total"`
	BatchSize         int                  `json:"batch_size"`
	Parallelism       int                  `json:"parallelism"`
	RollbackOnFailure bool                 `json:"rollback_on_failure"`
	Status            string               `json:"status"`
	Processed         int                  `json:"processed"`
	Succeeded         []ItemResult         `json:"succeeded"`
	Failed            []ItemResult         `json:"failed"`
	Compensations     []CompensationResult `json:"compensations,omitempty"`
	StartedAt         time.Time            `json:"started_at"`
	EndedAt           *time.Time           `json:"ended_at,omitempty"`
}

// Progress summarizes the operation's counters.
func (op BulkOperation) Progress() BulkProgress {
	return BulkProgress{
		Processed: op.Processed,
		Total:     op.Total,
		Succeeded: len(op.Succeeded),
		Failed:    len(op.Failed),
	}
}
