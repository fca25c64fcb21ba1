// Package protocol defines the wire envelope and the closed set of message
// variants exchanged between agents, viewers and the relay server.
package protocol

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeRegisterAgent          Type = "RegisterAgent"
	TypeAgentRegistered        Type = "AgentRegistered"
	TypeRegisterViewer         Type = "RegisterViewer"
	TypeViewerRegistered       Type = "ViewerRegistered"
	TypeRequestSession         Type = "RequestSession"
	TypeSessionRequestReceived Type = "SessionRequestReceived"
	TypeSessionDecision        Type = "SessionDecision"
	TypeSessionStarted         Type = "SessionStarted"
	TypeSessionEnded           Type = "SessionEnded"
	TypeFrame                  Type = "Frame"
	TypeInputEvent             Type = "InputEvent"
	TypeKeepAlive              Type = "KeepAlive"
	TypeError                  Type = "Error"
	TypeSelectMonitor          Type = "SelectMonitor"
	TypeUpdateQuality          Type = "UpdateQuality"
)

// IsSessionTraffic reports whether messages of type t are relayed verbatim
// to the members of a session group.
func (t Type) IsSessionTraffic() bool {
	switch t {
	case TypeFrame, TypeInputEvent, TypeKeepAlive:
		return true
	}
	return false
}

type Capabilities struct {
	H264               bool     `json:"h264"`
	MaxFPS             int      `json:"maxFps" validate:"gte=0"`
	SupportedEncodings []string `json:"supportedEncodings"`
	HasAudio           bool     `json:"hasAudio"`
}

type ServerCapabilities struct {
	MaxConcurrentSessions int  `json:"maxConcurrentSessions" mapstructure:"max_concurrent_sessions"`
	CompressionSupported  bool `json:"compressionSupported" mapstructure:"compression_supported"`
	EncryptionRequired    bool `json:"encryptionRequired" mapstructure:"encryption_required"`
}

type Resolution struct {
	Width  int `json:"width" validate:"gte=0"`
	Height int `json:"height" validate:"gte=0"`
}

type SessionSettings struct {
	Encoding    string     `json:"encoding,omitempty"`
	Quality     int        `json:"quality" validate:"gte=0,lte=100"`
	FPS         int        `json:"fps" validate:"gte=0,lte=240"`
	Resolution  Resolution `json:"resolution"`
	EnableInput bool       `json:"enableInput"`
}

// DefaultSessionSettings is applied when an agent accepts without
// proposing settings of its own.
func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		Encoding:    "jpeg",
		Quality:     75,
		FPS:         15,
		EnableInput: true,
	}
}

type SessionStatistics struct {
	DurationSeconds  float64 `json:"duration"`
	FramesSent       int64   `json:"framesSent"`
	BytesTransferred int64   `json:"bytesTransferred"`
	AverageFPS       float64 `json:"averageFps"`
	AverageLatencyMs float64 `json:"averageLatency"`
}

type Metrics struct {
	LatencyMs        float64 `json:"latencyMs"`
	CPUUsagePercent  float64 `json:"cpuUsagePercent"`
	MemoryUsageMB    float64 `json:"memoryUsageMB"`
	FramesSent       int64   `json:"framesSent"`
	AverageFPS       float64 `json:"averageFps"`
	BandwidthKbps    float64 `json:"bandwidthKbps,omitempty"`
	DroppedFrames    int64   `json:"droppedFrames,omitempty"`
	ActiveSessionCnt int     `json:"activeSessions,omitempty"`
}

type RegisterAgent struct {
	Username        string       `json:"username" validate:"required,max=64"`
	MachineName     string       `json:"machineName" validate:"required,max=255"`
	OperatingSystem string       `json:"operatingSystem"`
	ScreenWidth     int          `json:"screenWidth" validate:"gte=0"`
	ScreenHeight    int          `json:"screenHeight" validate:"gte=0"`
	Capabilities    Capabilities `json:"capabilities"`
}

type AgentRegistered struct {
	AgentID            string             `json:"agentId"`
	Success            bool               `json:"success"`
	Message            *string            `json:"message,omitempty"`
	ServerCapabilities ServerCapabilities `json:"serverCapabilities"`
}

type RegisterViewer struct {
	Username    string `json:"username" validate:"required,max=64"`
	MachineName string `json:"machineName" validate:"required,max=255"`
}

type ViewerRegistered struct {
	ViewerID string  `json:"viewerId"`
	Success  bool    `json:"success"`
	Message  *string `json:"message,omitempty"`
}

type RequestSession struct {
	TargetAgentID      string       `json:"targetAgentId" validate:"required"`
	ViewerUsername     string       `json:"viewerUsername"`
	ViewerMachineName  string       `json:"viewerMachineName"`
	RequestReason      *string      `json:"requestReason,omitempty"`
	ViewerCapabilities Capabilities `json:"viewerCapabilities"`
}

// SessionRequestReceived is what an agent gets when a viewer asks for a
// session. Request holds the viewer's RequestSession payload byte-for-byte.
type SessionRequestReceived struct {
	SessionID   string          `json:"sessionId"`
	ViewerID    string          `json:"viewerId"`
	RequestedAt time.Time       `json:"requestedAt"`
	Request     json.RawMessage `json:"request"`
}

type SessionDecision struct {
	SessionID       string           `json:"sessionId" validate:"required"`
	Accepted        bool             `json:"accepted"`
	Reason          *string          `json:"reason,omitempty"`
	SessionSettings *SessionSettings `json:"sessionSettings,omitempty"`
}

type SessionStarted struct {
	SessionID       string          `json:"sessionId"`
	AgentID         string          `json:"agentId"`
	ViewerID        string          `json:"viewerId"`
	SessionSettings SessionSettings `json:"sessionSettings"`
}

type SessionEnded struct {
	SessionID  string             `json:"sessionId" validate:"required"`
	Reason     string             `json:"reason"`
	Statistics *SessionStatistics `json:"statistics,omitempty"`
}

type Frame struct {
	SessionID    string    `json:"sessionId" validate:"required"`
	FrameNumber  int64     `json:"frameNumber"`
	Encoding     string    `json:"encoding"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Quality      int       `json:"quality"`
	IsKeyFrame   bool      `json:"isKeyFrame"`
	DataSize     int       `json:"dataSize"`
	CaptureTime  time.Time `json:"captureTime"`
	EncodeTimeMs float64   `json:"encodeTimeMs"`
	Data         []byte    `json:"data"`
}

type Input struct {
	Type       string   `json:"type" validate:"required"`
	X          int      `json:"x"`
	Y          int      `json:"y"`
	Button     *string  `json:"button,omitempty"`
	VirtualKey int      `json:"virtualKey"`
	Modifiers  []string `json:"modifiers"`
	Timestamp  int64    `json:"timestamp"`
	Delta      *int     `json:"delta,omitempty"`
	Text       *string  `json:"text,omitempty"`
}

type InputEvent struct {
	SessionID string  `json:"sessionId" validate:"required"`
	Events    []Input `json:"events" validate:"dive"`
}

type KeepAlive struct {
	SenderID   string   `json:"senderId"`
	SenderType string   `json:"senderType"`
	SessionID  *string  `json:"sessionId,omitempty"`
	Metrics    *Metrics `json:"metrics,omitempty"`
}

type Error struct {
	ErrorCode     string   `json:"errorCode"`
	Message       string   `json:"message"`
	Details       *string  `json:"details,omitempty"`
	SessionID     *string  `json:"sessionId,omitempty"`
	Severity      Severity `json:"severity"`
	Category      Category `json:"category"`
	IsRecoverable bool     `json:"isRecoverable"`
}

type SelectMonitor struct {
	SessionID    string `json:"sessionId" validate:"required"`
	MonitorIndex int    `json:"monitorIndex" validate:"gte=0"`
}

type UpdateQuality struct {
	SessionID string  `json:"sessionId" validate:"required"`
	Quality   *int    `json:"quality,omitempty" validate:"omitempty,gte=0,lte=100"`
	FPS       *int    `json:"fps,omitempty" validate:"omitempty,gte=1,lte=240"`
	Encoding  *string `json:"encoding,omitempty"`
}

func (RegisterAgent) MessageType() Type          { return TypeRegisterAgent }
func (AgentRegistered) MessageType() Type        { return TypeAgentRegistered }
func (RegisterViewer) MessageType() Type         { return TypeRegisterViewer }
func (ViewerRegistered) MessageType() Type       { return TypeViewerRegistered }
func (RequestSession) MessageType() Type         { return TypeRequestSession }
func (SessionRequestReceived) MessageType() Type { return TypeSessionRequestReceived }
func (SessionDecision) MessageType() Type        { return TypeSessionDecision }
func (SessionStarted) MessageType() Type         { return TypeSessionStarted }
func (SessionEnded) MessageType() Type           { return TypeSessionEnded }
func (Frame) MessageType() Type                  { return TypeFrame }
func (InputEvent) MessageType() Type             { return TypeInputEvent }
func (KeepAlive) MessageType() Type              { return TypeKeepAlive }
func (Error) MessageType() Type                  { return TypeError }
func (SelectMonitor) MessageType() Type          { return TypeSelectMonitor }
func (UpdateQuality) MessageType() Type          { return TypeUpdateQuality }
