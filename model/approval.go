package model

import "time"

// Approval request status constants.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// Approval priority constants.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// ApprovalRequest gates a sensitive workflow type behind multi-party sign-off.
type ApprovalRequest struct {
	ID                string             `json:"id"`
	Type              string             `json:"type"`
	Title             string             `json:"title"`
	Description       string             `json:"description,omitempty"`
	Requester         string             `json:"requester"`
	Priority          string             `json:"priority"`
	RequiredApprovers []string           `json:"required_approvers"`
	Approvals         []string           `json:"approvals"`
	Rejections        []string           `json:"rejections"`
	Status            string             `json:"status"`
	Payload           map[string]any     `json:"payload,omitempty"`
	Policies          map[string]any     `json:"policies,omitempty"`
	RejectionReason   string             `json:"rejection_reason,omitempty"`
	ExecutionID       string             `json:"execution_id,omitempty"`
	TriggerError      string             `json:"trigger_error,omitempty"`
	Decisions         []ApprovalDecision `json:"decisions,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	DecidedAt         *time.Time         `json:"decided_at,omitempty"`
}

// ApprovalDecision records a single approve or reject call in the request's
// audit trail.
type ApprovalDecision struct {
	ApproverID string    `json:"approver_id"`
	Decision   string    `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ApprovalFilters narrows approval listings.
type ApprovalFilters struct {
	Status   string
	Approver string
	Type     string
}
