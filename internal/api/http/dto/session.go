package dto

import "time"

type SessionInfo struct {
	SessionID     string     `json:"session_id"`
	AgentID       string     `json:"agent_id"`
	ViewerID      string     `json:"viewer_id"`
	Status        string     `json:"status"`
	MonitorIndex  int        `json:"monitor_index"`
	Quality       int        `json:"quality"`
	FPS           int        `json:"fps"`
	StartedAt     time.Time  `json:"started_at"`
	LastActivity  time.Time  `json:"last_activity"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	FramesRelayed int64      `json:"frames_relayed"`
	BytesRelayed  int64      `json:"bytes_relayed"`
}

type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Count    int           `json:"count"`
}

type HistoryEntry struct {
	SessionID     string     `json:"session_id"`
	AgentID       string     `json:"agent_id"`
	ViewerID      string     `json:"viewer_id"`
	Status        string     `json:"status"`
	Reason        *string    `json:"reason,omitempty"`
	RequestedAt   *time.Time `json:"requested_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	FramesRelayed int64      `json:"frames_relayed"`
	BytesRelayed  int64      `json:"bytes_relayed"`
	RecordedAt    time.Time  `json:"recorded_at"`
}

type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
	Count   int            `json:"count"`
}
