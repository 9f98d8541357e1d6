package model

import "time"

// Event topics published by the orchestration core.
const (
	TopicExecutionStarted   = "workflow:execution:started"
	TopicExecutionCompleted = "workflow:execution:completed"
	TopicExecutionFailed    = "workflow:execution:failed"
	TopicExecutionCancelled = "workflow:execution:cancelled"

	TopicApprovalCreated  = "approval:request:created"
	TopicApprovalApproved = "approval:request:approved"
	TopicApprovalRejected = "approval:request:rejected"

	TopicBulkStarted    = "bulk:operation:started"
	TopicBulkProgress   = "bulk:operation:progress"
	TopicBulkCompleted  = "bulk:operation:completed"
	TopicBulkFailed     = "bulk:operation:failed"
	TopicBulkRolledBack = "bulk:operation:rolled_back"

	TopicSessionCreated    = "collaboration:session:created"
	TopicSessionEnded      = "collaboration:session:ended"
	TopicParticipantJoined = "collaboration:participant:joined"
	TopicParticipantLeft   = "collaboration:participant:left"
	TopicResourceLocked    = "collaboration:resource:locked"
	TopicResourceUnlocked  = "collaboration:resource:unlocked"

	TopicConflictDetected = "state:conflict:detected"
	TopicConflictResolved = "state:conflict:resolved"

	TopicInsightGenerated = "analytics:insight:generated"
)

// Event is a single notification delivered by the event bus. Events are
// immutable once published.
type Event struct {
	Topic       string         `json:"topic"`
	Payload     map[string]any `json:"payload"`
	PublishedAt time.Time      `json:"published_at"`
}

// Publisher is the narrow publishing contract the core components depend on.
type Publisher interface {
	Publish(topic string, payload map[string]any)
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(string, map[string]any) {}
