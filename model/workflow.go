package model

import "time"

// Workflow execution status constants.
const (
	ExecutionStatusPending   = "pending"
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusCancelled = "cancelled"
)

// WorkflowExecution is one run of a named workflow type. It is owned by the
// workflow engine; other components only hold its ID.
type WorkflowExecution struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	Params          map[string]any `json:"params,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	TriggeredBy     string         `json:"triggered_by,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	Version         int            `json:"version"`
}

// Terminal reports whether the execution has reached a final status.
func (e WorkflowExecution) Terminal() bool {
	return IsTerminalExecutionStatus(e.Status)
}

// IsTerminalExecutionStatus reports whether status is completed, failed or
// cancelled.
func IsTerminalExecutionStatus(status string) bool {
	switch status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// ExecutionFilters narrows execution listings.
type ExecutionFilters struct {
	Type   string
	Status string
	Limit  int
	Offset int
}

// ExecutionTransition is one status change in an execution's audit trail.
type ExecutionTransition struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to"`
	Actor       string    `json:"actor"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
