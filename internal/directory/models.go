// Package directory holds the in-memory registries of agents, viewers and
// sessions. Records are handed out by value; callers mutate state only
// through the store methods.
package directory

import (
	"errors"
	"slices"
	"time"

	"github.com/EternisAI/silo-desk/internal/protocol"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "Pending"
	RequestAccepted RequestStatus = "Accepted"
	RequestRejected RequestStatus = "Rejected"
	RequestExpired  RequestStatus = "Expired"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "Active"
	SessionEnded  SessionStatus = "Ended"
	SessionError  SessionStatus = "Error"
)

type AgentInfo struct {
	ConnectionID    string
	OwnerUserID     string
	Username        string
	MachineName     string
	OperatingSystem string
	ScreenWidth     int
	ScreenHeight    int
	Capabilities    protocol.Capabilities
}

type AgentRecord struct {
	AgentID         string
	ConnectionID    string
	OwnerUserID     string
	MachineName     string
	OperatingSystem string
	ScreenWidth     int
	ScreenHeight    int
	Capabilities    protocol.Capabilities
	IsOnline        bool
	RegisteredAt    time.Time
	LastSeen        time.Time
}

type ViewerRecord struct {
	ConnectionID string
	OwnerUserID  string
	Username     string
	MachineName  string
	IsOnline     bool
	ConnectedAt  time.Time
	LastSeen     time.Time
}

type SessionRequestInfo struct {
	SessionID          string
	ViewerID           string
	ViewerConnectionID string
	AgentID            string
	AgentConnectionID  string
	ViewerUsername     string
	ViewerMachineName  string
	RequestReason      *string
	ViewerCapabilities protocol.Capabilities
}

type SessionRequest struct {
	SessionID          string
	ViewerID           string
	ViewerConnectionID string
	AgentID            string
	AgentConnectionID  string
	ViewerUsername     string
	ViewerMachineName  string
	RequestReason      *string
	ViewerCapabilities protocol.Capabilities
	RequestedAt        time.Time
	Status             RequestStatus
	DecidedAt          *time.Time
	DecisionReason     *string
}

type ActiveSession struct {
	SessionID          string
	ViewerID           string
	ViewerConnectionID string
	AgentID            string
	AgentConnectionID  string
	StartedAt          time.Time
	EndedAt            *time.Time
	LastActivity       time.Time
	Status             SessionStatus
	Settings           protocol.SessionSettings
	MonitorIndex       int
	EndReason          *string
	FramesRelayed      int64
	BytesRelayed       int64
}

// HasParticipant reports whether connID is the viewer or agent side.
func (s ActiveSession) HasParticipant(connID string) bool {
	return s.ViewerConnectionID == connID || s.AgentConnectionID == connID
}

// Statistics summarises the relayed traffic at the given instant.
func (s ActiveSession) Statistics(now time.Time) protocol.SessionStatistics {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	duration := end.Sub(s.StartedAt).Seconds()
	stats := protocol.SessionStatistics{
		DurationSeconds:  duration,
		FramesSent:       s.FramesRelayed,
		BytesTransferred: s.BytesRelayed,
	}
	if duration > 0 {
		stats.AverageFPS = float64(s.FramesRelayed) / duration
	}
	return stats
}

func cloneCapabilities(c protocol.Capabilities) protocol.Capabilities {
	c.SupportedEncodings = slices.Clone(c.SupportedEncodings)
	return c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (r SessionRequest) clone() SessionRequest {
	r.RequestReason = cloneString(r.RequestReason)
	r.DecisionReason = cloneString(r.DecisionReason)
	r.DecidedAt = cloneTime(r.DecidedAt)
	r.ViewerCapabilities = cloneCapabilities(r.ViewerCapabilities)
	return r
}

func (s ActiveSession) clone() ActiveSession {
	s.EndedAt = cloneTime(s.EndedAt)
	s.EndReason = cloneString(s.EndReason)
	return s
}
