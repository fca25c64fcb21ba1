package dto

import "time"

type AgentInfo struct {
	AgentID         string    `json:"agent_id"`
	OwnerUserID     string    `json:"owner_user_id"`
	MachineName     string    `json:"machine_name"`
	OperatingSystem string    `json:"operating_system"`
	ScreenWidth     int       `json:"screen_width"`
	ScreenHeight    int       `json:"screen_height"`
	Online          bool      `json:"online"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastSeen        time.Time `json:"last_seen"`
}

type AgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
	Count  int         `json:"count"`
}

type ConnectionInfo struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id,omitempty"`
	Username     string    `json:"username,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSeen     time.Time `json:"last_seen"`
	Groups       []string  `json:"groups"`
	QueueLength  int       `json:"queue_length"`
}

type ConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
	Count       int              `json:"count"`
}
