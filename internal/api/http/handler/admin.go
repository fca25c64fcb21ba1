package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/EternisAI/silo-desk/internal/api/http/dto"
	"github.com/EternisAI/silo-desk/internal/history"
	"github.com/EternisAI/silo-desk/internal/hub"
	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 50

type ConnectionLister interface {
	Connections() []hub.ConnectionInfo
}

type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

type AdminHandler struct {
	agents      AgentLister
	sessions    SessionLister
	connections ConnectionLister
	history     HistoryReader
}

// NewAdminHandler builds the admin handler. history may be nil when no
// database is configured.
func NewAdminHandler(agents AgentLister, sessions SessionLister, connections ConnectionLister, history HistoryReader) *AdminHandler {
	return &AdminHandler{
		agents:      agents,
		sessions:    sessions,
		connections: connections,
		history:     history,
	}
}

func (h *AdminHandler) ListAgents(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, toAgentsResponse(h.agents.ListOnlineAgents()))
}

func (h *AdminHandler) ListSessions(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, toSessionsResponse(h.sessions.ListActiveSessions()))
}

func (h *AdminHandler) ListConnections(ctx *gin.Context) {
	infos := h.connections.Connections()
	conns := make([]dto.ConnectionInfo, 0, len(infos))
	for _, c := range infos {
		conns = append(conns, dto.ConnectionInfo{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			Username:     c.Username,
			ConnectedAt:  c.ConnectedAt,
			LastSeen:     c.LastSeen,
			Groups:       c.Groups,
			QueueLength:  c.QueueLength,
		})
	}

	ctx.JSON(http.StatusOK, dto.ConnectionsResponse{
		Connections: conns,
		Count:       len(conns),
	})
}

func (h *AdminHandler) ListHistory(ctx *gin.Context) {
	if h.history == nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "session history is not configured"})
		return
	}

	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit < 1 || limit > 500 {
		limit = defaultHistoryLimit
	}

	entries, err := h.history.Recent(ctx.Request.Context(), limit)
	if err != nil {
		slog.Error("Failed to read session history", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	resp := dto.HistoryResponse{Entries: make([]dto.HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, dto.HistoryEntry{
			SessionID:     e.SessionID,
			AgentID:       e.AgentID,
			ViewerID:      e.ViewerID,
			Status:        e.Status,
			Reason:        e.Reason,
			RequestedAt:   e.RequestedAt,
			StartedAt:     e.StartedAt,
			EndedAt:       e.EndedAt,
			FramesRelayed: e.FramesRelayed,
			BytesRelayed:  e.BytesRelayed,
			RecordedAt:    e.RecordedAt,
		})
	}
	resp.Count = len(resp.Entries)

	ctx.JSON(http.StatusOK, resp)
}
