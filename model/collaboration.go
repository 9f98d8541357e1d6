package model

import "time"

// CollaborationSession groups participants editing shared resources.
type CollaborationSession struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Type         string     `json:"type"`
	OwnerID      string     `json:"owner_id"`
	Participants []string   `json:"participants"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// HasParticipant reports whether userID is currently in the session.
func (s CollaborationSession) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ResourceLock is an exclusive, time-bounded claim on a resource within a
// collaboration session.
type ResourceLock struct {
	ResourceID   string    `json:"resource_id"`
	SessionID    string    `json:"session_id"`
	HolderID     string    `json:"holder_id"`
	ResourceType string    `json:"resource_type"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Live reports whether the lock is still in force at now.
func (l ResourceLock) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// LockResult is returned by a lock attempt. On failure Holder names the
// current holder.
type LockResult struct {
	Success bool          `json:"success"`
	Holder  string        `json:"holder,omitempty"`
	Lock    *ResourceLock `json:"lock,omitempty"`
}
