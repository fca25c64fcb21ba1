package directory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EternisAI/silo-desk/internal/protocol"
)

// SettingsUpdate carries the fields to overwrite; nil fields are left alone.
type SettingsUpdate struct {
	Quality      *int
	FPS          *int
	Encoding     *string
	MonitorIndex *int
}

// SessionStore owns both the request map and the active session map. Every
// status change is applied under the write lock so transitions can only
// move forward.
type SessionStore struct {
	mu       sync.RWMutex
	requests map[string]*SessionRequest
	sessions map[string]*ActiveSession
	now      func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		requests: make(map[string]*SessionRequest),
		sessions: make(map[string]*ActiveSession),
		now:      time.Now,
	}
}

// CreateSessionRequest stores a Pending request. A session id is generated
// when info does not carry one.
func (s *SessionStore) CreateSessionRequest(info SessionRequestInfo) (SessionRequest, error) {
	if info.SessionID == "" {
		info.SessionID = uuid.New().String()
	}

	req := &SessionRequest{
		SessionID:          info.SessionID,
		ViewerID:           info.ViewerID,
		ViewerConnectionID: info.ViewerConnectionID,
		AgentID:            info.AgentID,
		AgentConnectionID:  info.AgentConnectionID,
		ViewerUsername:     info.ViewerUsername,
		ViewerMachineName:  info.ViewerMachineName,
		RequestReason:      cloneString(info.RequestReason),
		ViewerCapabilities: cloneCapabilities(info.ViewerCapabilities),
		RequestedAt:        s.now(),
		Status:             RequestPending,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.SessionID]; exists {
		return SessionRequest{}, fmt.Errorf("session request %s already exists", req.SessionID)
	}
	s.requests[req.SessionID] = req

	slog.Info("Session requested",
		"session_id", req.SessionID,
		"agent_id", req.AgentID,
		"viewer_conn_id", req.ViewerConnectionID)

	return req.clone(), nil
}

func (s *SessionStore) GetSessionRequest(sessionID string) (SessionRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[sessionID]
	if !ok {
		return SessionRequest{}, false
	}
	return req.clone(), true
}

// StartSession accepts a Pending request and creates its ActiveSession.
// When settings is nil the defaults apply.
func (s *SessionStore) StartSession(sessionID string, settings *protocol.SessionSettings) (ActiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[sessionID]
	if !ok {
		return ActiveSession{}, fmt.Errorf("session request %s: %w", sessionID, ErrNotFound)
	}
	if req.Status != RequestPending {
		return ActiveSession{}, fmt.Errorf("session request %s is %s: %w", sessionID, req.Status, ErrInvalidTransition)
	}

	applied := protocol.DefaultSessionSettings()
	if settings != nil {
		applied = *settings
	}

	now := s.now()
	req.Status = RequestAccepted
	req.DecidedAt = &now

	sess := &ActiveSession{
		SessionID:          req.SessionID,
		ViewerID:           req.ViewerID,
		ViewerConnectionID: req.ViewerConnectionID,
		AgentID:            req.AgentID,
		AgentConnectionID:  req.AgentConnectionID,
		StartedAt:          now,
		LastActivity:       now,
		Status:             SessionActive,
		Settings:           applied,
	}
	s.sessions[sessionID] = sess

	slog.Info("Session started",
		"session_id", sessionID,
		"agent_id", sess.AgentID,
		"viewer_id", sess.ViewerID)

	return sess.clone(), nil
}

func (s *SessionStore) RejectSessionRequest(sessionID string, reason *string) (SessionRequest, error) {
	return s.decide(sessionID, RequestRejected, reason)
}

func (s *SessionStore) ExpireSessionRequest(sessionID string) (SessionRequest, error) {
	return s.decide(sessionID, RequestExpired, nil)
}

func (s *SessionStore) decide(sessionID string, status RequestStatus, reason *string) (SessionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[sessionID]
	if !ok {
		return SessionRequest{}, fmt.Errorf("session request %s: %w", sessionID, ErrNotFound)
	}
	if req.Status != RequestPending {
		return SessionRequest{}, fmt.Errorf("session request %s is %s: %w", sessionID, req.Status, ErrInvalidTransition)
	}

	now := s.now()
	req.Status = status
	req.DecidedAt = &now
	req.DecisionReason = cloneString(reason)

	slog.Info("Session request closed", "session_id", sessionID, "status", status)
	return req.clone(), nil
}

func (s *SessionStore) EndSession(sessionID, reason string) (ActiveSession, error) {
	return s.finish(sessionID, SessionEnded, reason)
}

// FailSession ends a session whose setup could not complete.
func (s *SessionStore) FailSession(sessionID, reason string) (ActiveSession, error) {
	return s.finish(sessionID, SessionError, reason)
}

func (s *SessionStore) finish(sessionID string, status SessionStatus, reason string) (ActiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ActiveSession{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if sess.Status != SessionActive {
		return ActiveSession{}, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrInvalidTransition)
	}

	now := s.now()
	sess.Status = status
	sess.EndedAt = &now
	sess.EndReason = &reason

	slog.Info("Session finished",
		"session_id", sessionID,
		"status", status,
		"reason", reason,
		"frames", sess.FramesRelayed)

	return sess.clone(), nil
}

// GetActiveSession returns the session whatever its status; callers check Status.
func (s *SessionStore) GetActiveSession(sessionID string) (ActiveSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ActiveSession{}, false
	}
	return sess.clone(), true
}

// UpdateSessionSettings applies update to an Active session. Status is
// never touched.
func (s *SessionStore) UpdateSessionSettings(sessionID string, update SettingsUpdate) (ActiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.Status != SessionActive {
		return ActiveSession{}, fmt.Errorf("active session %s: %w", sessionID, ErrNotFound)
	}

	if update.Quality != nil {
		sess.Settings.Quality = *update.Quality
	}
	if update.FPS != nil {
		sess.Settings.FPS = *update.FPS
	}
	if update.Encoding != nil {
		sess.Settings.Encoding = *update.Encoding
	}
	if update.MonitorIndex != nil {
		sess.MonitorIndex = *update.MonitorIndex
	}
	sess.LastActivity = s.now()

	return sess.clone(), nil
}

// RecordActivity bumps LastActivity and the relay counters.
func (s *SessionStore) RecordActivity(sessionID string, frames, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.Status != SessionActive {
		return fmt.Errorf("active session %s: %w", sessionID, ErrNotFound)
	}
	sess.LastActivity = s.now()
	sess.FramesRelayed += frames
	sess.BytesRelayed += bytes
	return nil
}

func (s *SessionStore) ListActiveSessions() []ActiveSession {
	return s.listSessions(func(*ActiveSession) bool { return true })
}

func (s *SessionStore) ListActiveSessionsForConnection(connID string) []ActiveSession {
	return s.listSessions(func(sess *ActiveSession) bool { return sess.HasParticipant(connID) })
}

// ListActiveSessionsForUser returns the sessions a user views.
func (s *SessionStore) ListActiveSessionsForUser(userID string) []ActiveSession {
	return s.listSessions(func(sess *ActiveSession) bool { return sess.ViewerID == userID })
}

// ListIdleSessions returns Active sessions with no activity for longer than idle.
func (s *SessionStore) ListIdleSessions(idle time.Duration) []ActiveSession {
	cutoff := s.now().Add(-idle)
	return s.listSessions(func(sess *ActiveSession) bool { return sess.LastActivity.Before(cutoff) })
}

func (s *SessionStore) listSessions(keep func(*ActiveSession) bool) []ActiveSession {
	s.mu.RLock()
	result := make([]ActiveSession, 0)
	for _, sess := range s.sessions {
		if sess.Status == SessionActive && keep(sess) {
			result = append(result, sess.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result
}

func (s *SessionStore) ListPendingRequestsForConnection(connID string) []SessionRequest {
	s.mu.RLock()
	result := make([]SessionRequest, 0)
	for _, req := range s.requests {
		if req.Status != RequestPending {
			continue
		}
		if req.ViewerConnectionID == connID || req.AgentConnectionID == connID {
			result = append(result, req.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].RequestedAt.Before(result[j].RequestedAt) })
	return result
}
