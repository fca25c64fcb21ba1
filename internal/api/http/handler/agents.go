package handler

import (
	"net/http"

	"github.com/EternisAI/silo-desk/internal/api/http/dto"
	"github.com/EternisAI/silo-desk/internal/api/http/middleware"
	"github.com/EternisAI/silo-desk/internal/directory"
	"github.com/gin-gonic/gin"
)

type AgentLister interface {
	ListOnlineAgents() []directory.AgentRecord
	ListAgentsForUser(userID string) []directory.AgentRecord
}

type SessionLister interface {
	ListActiveSessions() []directory.ActiveSession
	ListActiveSessionsForUser(userID string) []directory.ActiveSession
}

// AgentsHandler serves the calling user's own agents and sessions.
type AgentsHandler struct {
	agents   AgentLister
	sessions SessionLister
}

func NewAgentsHandler(agents AgentLister, sessions SessionLister) *AgentsHandler {
	return &AgentsHandler{
		agents:   agents,
		sessions: sessions,
	}
}

// ListAgents returns the agents registered by the authenticated user
// GET /api/v1/agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return
	}

	c.JSON(http.StatusOK, toAgentsResponse(h.agents.ListAgentsForUser(userID)))
}

// ListSessions returns the active sessions the authenticated user is viewing
// GET /api/v1/sessions
func (h *AgentsHandler) ListSessions(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return
	}

	c.JSON(http.StatusOK, toSessionsResponse(h.sessions.ListActiveSessionsForUser(userID)))
}

func toAgentsResponse(records []directory.AgentRecord) dto.AgentsResponse {
	agents := make([]dto.AgentInfo, 0, len(records))
	for _, a := range records {
		agents = append(agents, dto.AgentInfo{
			AgentID:         a.AgentID,
			OwnerUserID:     a.OwnerUserID,
			MachineName:     a.MachineName,
			OperatingSystem: a.OperatingSystem,
			ScreenWidth:     a.ScreenWidth,
			ScreenHeight:    a.ScreenHeight,
			Online:          a.IsOnline,
			RegisteredAt:    a.RegisteredAt,
			LastSeen:        a.LastSeen,
		})
	}
	return dto.AgentsResponse{Agents: agents, Count: len(agents)}
}

func toSessionsResponse(active []directory.ActiveSession) dto.SessionsResponse {
	sessions := make([]dto.SessionInfo, 0, len(active))
	for _, s := range active {
		sessions = append(sessions, dto.SessionInfo{
			SessionID:     s.SessionID,
			AgentID:       s.AgentID,
			ViewerID:      s.ViewerID,
			Status:        string(s.Status),
			MonitorIndex:  s.MonitorIndex,
			Quality:       s.Settings.Quality,
			FPS:           s.Settings.FPS,
			StartedAt:     s.StartedAt,
			LastActivity:  s.LastActivity,
			EndedAt:       s.EndedAt,
			FramesRelayed: s.FramesRelayed,
			BytesRelayed:  s.BytesRelayed,
		})
	}
	return dto.SessionsResponse{Sessions: sessions, Count: len(sessions)}
}
