// Package broker owns the session lifecycle: registration, session
// negotiation, relay of session traffic and cleanup when a connection goes
// away. It talks to connections only through the Transport interface.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/EternisAI/silo-desk/internal/auth"
	"github.com/EternisAI/silo-desk/internal/directory"
	"github.com/EternisAI/silo-desk/internal/protocol"
)

const (
	ReasonParticipantDisconnected = "Participant disconnected"
	ReasonIdleTimeout             = "Session idle timeout"
	ReasonEndedByParticipant      = "Session ended by participant"
	ReasonSetupFailed             = "Participant disconnected before session start"

	defaultReapInterval = 30 * time.Second
)

type AgentDirectory interface {
	RegisterAgent(info directory.AgentInfo) directory.AgentRecord
	GetAgent(agentID string) (directory.AgentRecord, bool)
	GetAgentByConnection(connID string) (directory.AgentRecord, bool)
	SetAgentOffline(agentID string) (directory.AgentRecord, error)
	TouchAgent(agentID string)
}

type ViewerDirectory interface {
	RegisterViewer(info directory.ViewerInfo) directory.ViewerRecord
	GetViewer(connID string) (directory.ViewerRecord, bool)
	SetViewerOffline(connID string) (directory.ViewerRecord, error)
	TouchViewer(connID string)
}

type SessionDirectory interface {
	CreateSessionRequest(info directory.SessionRequestInfo) (directory.SessionRequest, error)
	GetSessionRequest(sessionID string) (directory.SessionRequest, bool)
	StartSession(sessionID string, settings *protocol.SessionSettings) (directory.ActiveSession, error)
	RejectSessionRequest(sessionID string, reason *string) (directory.SessionRequest, error)
	ExpireSessionRequest(sessionID string) (directory.SessionRequest, error)
	EndSession(sessionID, reason string) (directory.ActiveSession, error)
	FailSession(sessionID, reason string) (directory.ActiveSession, error)
	GetActiveSession(sessionID string) (directory.ActiveSession, bool)
	UpdateSessionSettings(sessionID string, update directory.SettingsUpdate) (directory.ActiveSession, error)
	RecordActivity(sessionID string, frames, bytes int64) error
	ListActiveSessionsForConnection(connID string) []directory.ActiveSession
	ListPendingRequestsForConnection(connID string) []directory.SessionRequest
	ListIdleSessions(idle time.Duration) []directory.ActiveSession
}

// Transport delivers bytes to connections and maintains group membership.
// SendToConnection and SendToGroup may wait for queue space; RelayToGroup
// never blocks.
type Transport interface {
	SendToConnection(ctx context.Context, connID string, data []byte) error
	SendToGroup(ctx context.Context, group string, data []byte, exclude ...string) error
	RelayToGroup(group string, data []byte, exclude ...string) error
	AddToGroup(connID, group string) error
	RemoveFromGroup(connID, group string)
	IsMember(connID, group string) bool
}

// Recorder receives sessions and requests once they reach a final state.
type Recorder interface {
	SessionClosed(sess directory.ActiveSession)
	RequestClosed(req directory.SessionRequest)
}

type noopRecorder struct{}

func (noopRecorder) SessionClosed(directory.ActiveSession)  {}
func (noopRecorder) RequestClosed(directory.SessionRequest) {}

// Caller identifies the connection a message arrived on.
type Caller struct {
	ConnID    string
	Principal *auth.Principal
}

type Config struct {
	ServerCapabilities protocol.ServerCapabilities `mapstructure:"server_capabilities"`
	IdleTimeout        time.Duration               `mapstructure:"idle_timeout"`
	ReapInterval       time.Duration               `mapstructure:"reap_interval"`
}

type Broker struct {
	cfg       Config
	agents    AgentDirectory
	viewers   ViewerDirectory
	sessions  SessionDirectory
	transport Transport
	recorder  Recorder
	locks     *keyedMutex
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Broker. recorder may be nil. When cfg.IdleTimeout is positive
// a reaper goroutine ends idle sessions until Stop is called.
func New(cfg Config, agents AgentDirectory, viewers ViewerDirectory, sessions SessionDirectory, transport Transport, recorder Recorder) *Broker {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}

	b := &Broker{
		cfg:       cfg,
		agents:    agents,
		viewers:   viewers,
		sessions:  sessions,
		transport: transport,
		recorder:  recorder,
		locks:     newKeyedMutex(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}

	if cfg.IdleTimeout > 0 {
		b.wg.Add(1)
		go b.reapIdleSessions()
	}
	return b
}

func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
}

// SessionGroup names the transport group of a session.
func SessionGroup(sessionID string) string {
	return "session_" + sessionID
}

func (b *Broker) send(ctx context.Context, connID string, payload protocol.Payload) error {
	data, err := protocol.Marshal(payload)
	if err != nil {
		return err
	}
	return b.transport.SendToConnection(ctx, connID, data)
}

func decode(raw []byte, out protocol.Payload) error {
	if err := protocol.DecodePayload(raw, out); err != nil {
		return errInvalidMessage(out.MessageType(), err)
	}
	if err := protocol.Validate(out); err != nil {
		return errInvalidMessage(out.MessageType(), err)
	}
	return nil
}
