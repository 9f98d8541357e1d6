// Package approval gates sensitive workflow types behind multi-party
// sign-off. A request is approved once every required approver has approved
// it, at which point its workflow is triggered; any single rejection vetoes
// it.
package approval

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/model"
)

// stripeCount is the number of mutexes requests are hashed onto.
const stripeCount = 64

const (
	decisionApprove = "approve"
	decisionReject  = "reject"
)

// WorkflowTrigger starts workflow executions. The workflow engine
// implements it.
type WorkflowTrigger interface {
	TriggerWorkflow(ctx context.Context, workflowType string, params map[string]any) (string, error)
}

// CreateRequestInput describes a new approval request.
type CreateRequestInput struct {
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Requester   string         `json:"requester"`
	Priority    string         `json:"priority"`
	Payload     map[string]any `json:"payload"`
	Approvers   []string       `json:"approvers"`
	// Policies is stored verbatim. Full quorum is the only policy applied.
	Policies map[string]any `json:"policies"`
}

// Option customizes System construction.
type Option func(*System)

// WithMetrics records request and decision counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *System) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *System) {
		if now != nil {
			s.now = now
		}
	}
}

// System owns approval requests.
type System struct {
	workflows WorkflowTrigger
	events    model.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	// stripes serialize read-modify-write of a single request; mu guards
	// the map itself.
	stripes  [stripeCount]sync.Mutex
	mu       sync.RWMutex
	requests map[string]model.ApprovalRequest
}

// NewSystem creates an approval system that triggers approved requests on
// workflows.
func NewSystem(workflows WorkflowTrigger, events model.Publisher, logger *zap.Logger, opts ...Option) *System {
	if events == nil {
		events = model.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &System{
		workflows: workflows,
		events:    events,
		logger:    logger.Named("approval"),
		now:       time.Now,
		requests:  make(map[string]model.ApprovalRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest opens a pending request.
func (s *System) CreateRequest(ctx context.Context, in CreateRequestInput) (model.ApprovalRequest, error) {
	if in.Requester == "" {
		in.Requester = model.ActorFrom(ctx, "")
	}
	if in.Priority == "" {
		in.Priority = model.PriorityMedium
	}
	if err := validateInput(in); err != nil {
		return model.ApprovalRequest{}, err
	}

	req := model.ApprovalRequest{
		ID:                uuid.New().String(),
		Type:              in.Type,
		Title:             in.Title,
		Description:       in.Description,
		Requester:         in.Requester,
		Priority:          in.Priority,
		RequiredApprovers: dedupe(in.Approvers),
		Approvals:         []string{},
		Rejections:        []string{},
		Status:            model.ApprovalStatusPending,
		Payload:           copyMap(in.Payload),
		Policies:          copyMap(in.Policies),
		CreatedAt:         s.now().UTC(),
	}

	s.mu.Lock()
	s.requests[req.ID] = req
	s.mu.Unlock()

	s.metrics.RecordApprovalRequest(req.Type, req.Priority)
	s.logger.Info("approval request created",
		zap.String("request_id", req.ID),
		zap.String("type", req.Type),
		zap.String("requester", req.Requester),
		zap.Strings("approvers", req.RequiredApprovers),
	)
	s.events.Publish(model.TopicApprovalCreated, map[string]any{
		"requestId":         req.ID,
		"type":              req.Type,
		"title":             req.Title,
		"priority":          req.Priority,
		"requester":         req.Requester,
		"requiredApprovers": append([]string(nil), req.RequiredApprovers...),
	})
	return copyRequest(req), nil
}

func validateInput(in CreateRequestInput) error {
	var details []model.FieldError
	if strings.TrimSpace(in.Type) == "" {
		details = append(details, model.FieldError{Field: "type", Code: "required", Message: "type is required"})
	}
	if strings.TrimSpace(in.Title) == "" {
		details = append(details, model.FieldError{Field: "title", Code: "required", Message: "title is required"})
	}
	if in.Requester == "" {
		details = append(details, model.FieldError{Field: "requester", Code: "required", Message: "requester is required"})
	}
	switch in.Priority {
	case model.PriorityLow, model.PriorityMedium, model.PriorityHigh:
	default:
		details = append(details, model.FieldError{Field: "priority", Code: "invalid_enum", Message: fmt.Sprintf("priority %q must be low, medium or high", in.Priority)})
	}
	approvers := 0
	for _, a := range in.Approvers {
		if strings.TrimSpace(a) == "" {
			details = append(details, model.FieldError{Field: "approvers", Code: "invalid", Message: "approver ids must not be empty"})
			break
		}
		approvers++
	}
	if approvers == 0 {
		details = append(details, model.FieldError{Field: "approvers", Code: "required", Message: "at least one approver is required"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Approve records approverID's approval. When the approvals cover every
// required approver the request becomes approved and its workflow is
// triggered with the stored payload. Approving twice is a no-op.
func (s *System) Approve(ctx context.Context, requestID, approverID string) (model.ApprovalRequest, error) {
	unlock := s.lockRequest(requestID)
	defer unlock()

	req, err := s.decidable(requestID, approverID)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	if contains(req.Approvals, approverID) {
		return copyRequest(req), nil
	}

	now := s.now().UTC()
	req.Approvals = append(req.Approvals, approverID)
	req.Decisions = append(req.Decisions, model.ApprovalDecision{
		ApproverID: approverID,
		Decision:   decisionApprove,
		Timestamp:  now,
	})
	s.metrics.RecordApprovalDecision(req.Type, decisionApprove)

	if !quorumReached(req) {
		s.store(req)
		s.logger.Info("approval recorded",
			zap.String("request_id", requestID),
			zap.String("approver_id", approverID),
			zap.Int("approvals", len(req.Approvals)),
			zap.Int("required", len(req.RequiredApprovers)),
		)
		return copyRequest(req), nil
	}

	req.Status = model.ApprovalStatusApproved
	req.DecidedAt = &now

	execID, err := s.workflows.TriggerWorkflow(ctx, req.Type, copyMap(req.Payload))
	if err != nil {
		req.TriggerError = err.Error()
		s.logger.Error("triggering approved workflow failed",
			zap.String("request_id", requestID),
			zap.String("type", req.Type),
			zap.Error(err),
		)
	}
	req.ExecutionID = execID
	s.store(req)

	s.logger.Info("approval request approved",
		zap.String("request_id", requestID),
		zap.String("execution_id", execID),
	)
	payload := map[string]any{
		"requestId":   requestID,
		"type":        req.Type,
		"approvedBy":  append([]string(nil), req.Approvals...),
		"executionId": execID,
	}
	if req.TriggerError != "" {
		payload["triggerError"] = req.TriggerError
	}
	s.events.Publish(model.TopicApprovalApproved, payload)
	return copyRequest(req), nil
}

// Reject vetoes the request. A single rejection from any required approver
// makes it rejected regardless of approvals already given.
func (s *System) Reject(ctx context.Context, requestID, approverID, reason string) (model.ApprovalRequest, error) {
	unlock := s.lockRequest(requestID)
	defer unlock()

	req, err := s.decidable(requestID, approverID)
	if err != nil {
		return model.ApprovalRequest{}, err
	}

	now := s.now().UTC()
	req.Rejections = append(req.Rejections, approverID)
	req.Decisions = append(req.Decisions, model.ApprovalDecision{
		ApproverID: approverID,
		Decision:   decisionReject,
		Reason:     reason,
		Timestamp:  now,
	})
	req.Status = model.ApprovalStatusRejected
	req.RejectionReason = reason
	req.DecidedAt = &now
	s.store(req)

	s.metrics.RecordApprovalDecision(req.Type, decisionReject)
	s.logger.Info("approval request rejected",
		zap.String("request_id", requestID),
		zap.String("approver_id", approverID),
		zap.String("reason", reason),
	)
	s.events.Publish(model.TopicApprovalRejected, map[string]any{
		"requestId":  requestID,
		"type":       req.Type,
		"rejectedBy": approverID,
		"reason":     reason,
	})
	return copyRequest(req), nil
}

// decidable loads a request that approverID may still decide on. Must be
// called with the request's stripe held.
func (s *System) decidable(requestID, approverID string) (model.ApprovalRequest, error) {
	s.mu.RLock()
	req, ok := s.requests[requestID]
	s.mu.RUnlock()
	if !ok {
		return model.ApprovalRequest{}, model.NewNotFoundError(fmt.Sprintf("approval request %q not found", requestID))
	}
	if req.Status != model.ApprovalStatusPending {
		return model.ApprovalRequest{}, model.NewAlreadyFinalizedError(
			fmt.Sprintf("approval request %q is already %s", requestID, req.Status),
		)
	}
	if !contains(req.RequiredApprovers, approverID) {
		return model.ApprovalRequest{}, model.NewInvalidApproverError(requestID, approverID)
	}
	return copyRequest(req), nil
}

// Get returns a request by ID.
func (s *System) Get(_ context.Context, requestID string) (model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[requestID]
	if !ok {
		return model.ApprovalRequest{}, model.NewNotFoundError(fmt.Sprintf("approval request %q not found", requestID))
	}
	return copyRequest(req), nil
}

// List returns requests matching filters, oldest first.
func (s *System) List(_ context.Context, filters model.ApprovalFilters) []model.ApprovalRequest {
	s.mu.RLock()
	result := make([]model.ApprovalRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if filters.Status != "" && req.Status != filters.Status {
			continue
		}
		if filters.Type != "" && req.Type != filters.Type {
			continue
		}
		if filters.Approver != "" && !contains(req.RequiredApprovers, filters.Approver) {
			continue
		}
		result = append(result, copyRequest(req))
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// PendingFor returns the pending requests still waiting on approverID.
func (s *System) PendingFor(ctx context.Context, approverID string) []model.ApprovalRequest {
	pending := s.List(ctx, model.ApprovalFilters{Status: model.ApprovalStatusPending, Approver: approverID})
	out := pending[:0]
	for _, req := range pending {
		if !contains(req.Approvals, approverID) {
			out = append(out, req)
		}
	}
	return out
}

func (s *System) store(req model.ApprovalRequest) {
	s.mu.Lock()
	s.requests[req.ID] = req
	s.mu.Unlock()
}

func (s *System) lockRequest(requestID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	m := &s.stripes[h.Sum32()%stripeCount]
	m.Lock()
	return m.Unlock
}

// quorumReached reports whether every required approver has approved.
func quorumReached(req model.ApprovalRequest) bool {
	for _, a := range req.RequiredApprovers {
		if !contains(req.Approvals, a) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func copyRequest(req model.ApprovalRequest) model.ApprovalRequest {
	req.RequiredApprovers = append([]string(nil), req.RequiredApprovers...)
	req.Approvals = append([]string{}, req.Approvals...)
	req.Rejections = append([]string{}, req.Rejections...)
	req.Decisions = append([]model.ApprovalDecision(nil), req.Decisions...)
	req.Payload = copyMap(req.Payload)
	req.Policies = copyMap(req.Policies)
	if req.DecidedAt != nil {
		decided := *req.DecidedAt
		req.DecidedAt = &decided
	}
	return req
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
