// Package collaboration manages collaboration sessions and the exclusive,
// time-bounded resource locks their participants take. Lock acquisition
// never waits: a held resource is reported with its holder and the caller
// picks its own retry policy.
package collaboration

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/model"
)

const defaultLockTTL = 5 * time.Minute

// Option customizes Manager construction.
type Option func(*Manager)

// WithDefaultLockTTL sets the TTL applied when a lock request carries none.
func WithDefaultLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithMetrics records lock and session metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the session table and delegates lock bookkeeping to a
// LockStore.
type Manager struct {
	locks      LockStore
	events     model.Publisher
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	defaultTTL time.Duration

	mu       sync.RWMutex
	sessions map[string]*model.CollaborationSession
}

// NewManager creates a collaboration manager.
func NewManager(locks LockStore, events model.Publisher, logger *zap.Logger, opts ...Option) *Manager {
	if events == nil {
		events = model.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		locks:      locks,
		events:     events,
		logger:     logger.Named("collaboration"),
		now:        time.Now,
		defaultTTL: defaultLockTTL,
		sessions:   make(map[string]*model.CollaborationSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession opens a session. The owner joins it immediately.
func (m *Manager) CreateSession(_ context.Context, title, description, sessionType, ownerID string) (model.CollaborationSession, error) {
	if strings.TrimSpace(title) == "" {
		return model.CollaborationSession{}, model.NewFieldValidationError("title", "title is required")
	}
	if ownerID == "" {
		return model.CollaborationSession{}, model.NewFieldValidationError("owner_id", "owner is required")
	}
	if sessionType == "" {
		sessionType = "general"
	}

	session := &model.CollaborationSession{
		ID:           uuid.New().String(),
		Title:        title,
		Description:  description,
		Type:         sessionType,
		OwnerID:      ownerID,
		Participants: []string{ownerID},
		Active:       true,
		CreatedAt:    m.now().UTC(),
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	active := m.activeCountLocked()
	snapshot := copySession(session)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(active)
	m.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("owner_id", ownerID),
		zap.String("type", sessionType),
	)
	m.events.Publish(model.TopicSessionCreated, map[string]any{
		"sessionId": session.ID,
		"title":     title,
		"type":      sessionType,
		"ownerId":   ownerID,
	})
	return snapshot, nil
}

// Join adds userID to an active session. Joining twice is a no-op.
func (m *Manager) Join(_ context.Context, sessionID, userID string) (model.CollaborationSession, error) {
	if userID == "" {
		return model.CollaborationSession{}, model.NewFieldValidationError("user_id", "user is required")
	}

	m.mu.Lock()
	session, err := m.activeSessionLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return model.CollaborationSession{}, err
	}
	joined := !session.HasParticipant(userID)
	if joined {
		session.Participants = append(session.Participants, userID)
	}
	snapshot := copySession(session)
	m.mu.Unlock()

	if joined {
		m.events.Publish(model.TopicParticipantJoined, map[string]any{
			"sessionId": sessionID,
			"userId":    userID,
		})
	}
	return snapshot, nil
}

// Leave removes userID from a session and releases every lock it holds
// there. Leaving a session one is not in is a no-op.
func (m *Manager) Leave(ctx context.Context, sessionID, userID string) (model.CollaborationSession, error) {
	m.mu.Lock()
	session, err := m.activeSessionLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return model.CollaborationSession{}, err
	}
	left := false
	for i, p := range session.Participants {
		if p == userID {
			session.Participants = append(session.Participants[:i], session.Participants[i+1:]...)
			left = true
			break
		}
	}
	snapshot := copySession(session)
	m.mu.Unlock()

	if !left {
		return snapshot, nil
	}

	released, err := m.locks.ReleaseHolder(ctx, sessionID, userID)
	if err != nil {
		m.logger.Warn("releasing locks of departing participant failed",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	m.events.Publish(model.TopicParticipantLeft, map[string]any{
		"sessionId":     sessionID,
		"userId":        userID,
		"locksReleased": released,
	})
	return snapshot, nil
}

// EndSession deactivates a session and releases all of its locks. Ending an
// ended session returns SESSION_INACTIVE.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (model.CollaborationSession, error) {
	m.mu.Lock()
	session, err := m.activeSessionLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return model.CollaborationSession{}, err
	}
	ended := m.now().UTC()
	session.Active = false
	session.EndedAt = &ended
	active := m.activeCountLocked()
	snapshot := copySession(session)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(active)

	released, err := m.locks.ReleaseSession(ctx, sessionID)
	if err != nil {
		m.logger.Error("releasing session locks failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	m.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.Int("locks_released", released),
	)
	m.events.Publish(model.TopicSessionEnded, map[string]any{
		"sessionId":     sessionID,
		"locksReleased": released,
	})
	return snapshot, nil
}

// GetSession returns a copy of a session.
func (m *Manager) GetSession(_ context.Context, sessionID string) (model.CollaborationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return model.CollaborationSession{}, model.NewNotFoundError("session " + sessionID + " not found")
	}
	return copySession(session), nil
}

// ListSessions returns sessions ordered by creation time. When activeOnly is
// set ended sessions are skipped.
func (m *Manager) ListSessions(_ context.Context, activeOnly bool) []model.CollaborationSession {
	m.mu.RLock()
	result := make([]model.CollaborationSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if activeOnly && !s.Active {
			continue
		}
		result = append(result, copySession(s))
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// LockResource tries to take an exclusive lock on resourceID. It never
// waits: when another participant holds a live lock the result carries
// Success=false and the holder. Re-locking a resource one already holds
// extends its expiry. A non-positive ttl uses the configured default.
func (m *Manager) LockResource(ctx context.Context, sessionID, userID, resourceID, resourceType string, ttl time.Duration) (model.LockResult, error) {
	if resourceID == "" {
		return model.LockResult{}, model.NewFieldValidationError("resource_id", "resource is required")
	}
	if err := m.checkParticipant(sessionID, userID); err != nil {
		return model.LockResult{}, err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	now := m.now().UTC()
	requested := model.ResourceLock{
		ResourceID:   resourceID,
		SessionID:    sessionID,
		HolderID:     userID,
		ResourceType: resourceType,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
	}
	current, granted, err := m.locks.Acquire(ctx, requested, now)
	if err != nil {
		m.logger.Error("lock store acquire failed",
			zap.String("session_id", sessionID),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return model.LockResult{}, model.NewInternalError()
	}

	if granted {
		// EndSession and Leave sweep locks after flipping session state. A
		// lock committed before that flip is swept; one committed after it is
		// caught here.
		if err := m.checkParticipant(sessionID, userID); err != nil {
			if rerr := m.locks.Release(ctx, sessionID, resourceID, userID, now); rerr != nil && !model.IsCode(rerr, model.ErrNotLockHolder) {
				m.logger.Warn("releasing lock taken in a closing session failed",
					zap.String("session_id", sessionID),
					zap.String("resource_id", resourceID),
					zap.Error(rerr),
				)
			}
			return model.LockResult{}, err
		}
	}

	if !granted {
		m.metrics.RecordLockAttempt("denied")
		m.logger.Debug("lock denied",
			zap.String("session_id", sessionID),
			zap.String("resource_id", resourceID),
			zap.String("user_id", userID),
			zap.String("holder_id", current.HolderID),
		)
		return model.LockResult{Success: false, Holder: current.HolderID}, nil
	}

	outcome := "acquired"
	if current.AcquiredAt.Before(requested.AcquiredAt.Truncate(time.Millisecond)) {
		outcome = "renewed"
	}
	m.metrics.RecordLockAttempt(outcome)
	m.events.Publish(model.TopicResourceLocked, map[string]any{
		"sessionId":    sessionID,
		"resourceId":   resourceID,
		"resourceType": resourceType,
		"userId":       userID,
		"expiresAt":    current.ExpiresAt,
	})
	return model.LockResult{Success: true, Holder: userID, Lock: &current}, nil
}

// Unlock releases a lock. Only the current holder of a live lock may
// release it; anyone else gets NOT_LOCK_HOLDER.
func (m *Manager) Unlock(ctx context.Context, sessionID, resourceID, userID string) error {
	if _, err := m.GetSession(ctx, sessionID); err != nil {
		return err
	}
	if err := m.locks.Release(ctx, sessionID, resourceID, userID, m.now().UTC()); err != nil {
		if model.IsCode(err, model.ErrNotLockHolder) {
			return err
		}
		m.logger.Error("lock store release failed",
			zap.String("session_id", sessionID),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return model.NewInternalError()
	}
	m.events.Publish(model.TopicResourceUnlocked, map[string]any{
		"sessionId":  sessionID,
		"resourceId": resourceID,
		"userId":     userID,
	})
	return nil
}

// RenewLock pushes the expiry of a held lock to now+ttl.
func (m *Manager) RenewLock(ctx context.Context, sessionID, resourceID, userID string, ttl time.Duration) (model.ResourceLock, error) {
	if err := m.checkParticipant(sessionID, userID); err != nil {
		return model.ResourceLock{}, err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.now().UTC()
	lock, err := m.locks.Renew(ctx, sessionID, resourceID, userID, now.Add(ttl), now)
	if err != nil {
		if model.IsCode(err, model.ErrNotLockHolder) {
			return model.ResourceLock{}, err
		}
		m.logger.Error("lock store renew failed", zap.String("resource_id", resourceID), zap.Error(err))
		return model.ResourceLock{}, model.NewInternalError()
	}
	m.metrics.RecordLockAttempt("renewed")
	return lock, nil
}

// Locks lists the live locks of a session.
func (m *Manager) Locks(ctx context.Context, sessionID string) ([]model.ResourceLock, error) {
	if _, err := m.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	locks, err := m.locks.List(ctx, sessionID, m.now().UTC())
	if err != nil {
		m.logger.Error("lock store list failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, model.NewInternalError()
	}
	if locks == nil {
		locks = []model.ResourceLock{}
	}
	return locks, nil
}

// SweepExpired removes expired locks once and returns how many went.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	n, err := m.locks.Sweep(ctx, m.now().UTC())
	if err != nil {
		return n, err
	}
	if n > 0 {
		m.metrics.RecordLocksExpired(n)
		m.logger.Debug("expired locks swept", zap.Int("count", n))
	}
	return n, nil
}

// RunExpirySweeper sweeps expired locks every interval until ctx is done.
func (m *Manager) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("lock sweep failed", zap.Error(err))
			}
		}
	}
}

// HealthCheck reports whether the lock store is reachable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.locks.HealthCheck(ctx)
}

func (m *Manager) checkParticipant(sessionID, userID string) error {
	if userID == "" {
		return model.NewFieldValidationError("user_id", "user is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, err := m.activeSessionLocked(sessionID)
	if err != nil {
		return err
	}
	if !session.HasParticipant(userID) {
		return model.NewForbiddenError("user " + userID + " is not a participant of session " + sessionID)
	}
	return nil
}

// activeSessionLocked must be called with mu held.
func (m *Manager) activeSessionLocked(sessionID string) (*model.CollaborationSession, error) {
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, model.NewNotFoundError("session " + sessionID + " not found")
	}
	if !session.Active {
		return nil, model.NewSessionInactiveError(sessionID)
	}
	return session, nil
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.Active {
			n++
		}
	}
	return n
}

func copySession(s *model.CollaborationSession) model.CollaborationSession {
	c := *s
	c.Participants = append([]string(nil), s.Participants...)
	if s.EndedAt != nil {
		ended := *s.EndedAt
		c.EndedAt = &ended
	}
	return c
}
