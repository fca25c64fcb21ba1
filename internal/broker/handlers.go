package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/EternisAI/silo-desk/internal/directory"
	"github.com/EternisAI/silo-desk/internal/protocol"
)

func (b *Broker) RegisterAgent(ctx context.Context, c Caller, raw []byte) error {
	if c.Principal == nil {
		return errAuthenticationRequired(protocol.TypeRegisterAgent)
	}

	var p protocol.RegisterAgent
	if err := decode(raw, &p); err != nil {
		return err
	}

	rec := b.agents.RegisterAgent(directory.AgentInfo{
		ConnectionID:    c.ConnID,
		OwnerUserID:     c.Principal.UserID,
		Username:        p.Username,
		MachineName:     p.MachineName,
		OperatingSystem: p.OperatingSystem,
		ScreenWidth:     p.ScreenWidth,
		ScreenHeight:    p.ScreenHeight,
		Capabilities:    p.Capabilities,
	})

	return b.send(ctx, c.ConnID, &protocol.AgentRegistered{
		AgentID:            rec.AgentID,
		Success:            true,
		ServerCapabilities: b.cfg.ServerCapabilities,
	})
}

func (b *Broker) RegisterViewer(ctx context.Context, c Caller, raw []byte) error {
	if c.Principal == nil {
		return errAuthenticationRequired(protocol.TypeRegisterViewer)
	}

	var p protocol.RegisterViewer
	if err := decode(raw, &p); err != nil {
		return err
	}

	b.viewers.RegisterViewer(directory.ViewerInfo{
		ConnectionID: c.ConnID,
		OwnerUserID:  c.Principal.UserID,
		Username:     p.Username,
		MachineName:  p.MachineName,
	})

	return b.send(ctx, c.ConnID, &protocol.ViewerRegistered{
		ViewerID: c.Principal.UserID,
		Success:  true,
	})
}

func (b *Broker) RequestSession(ctx context.Context, c Caller, raw []byte) error {
	if c.Principal == nil {
		return errAuthenticationRequired(protocol.TypeRequestSession)
	}

	var p protocol.RequestSession
	if err := decode(raw, &p); err != nil {
		return err
	}
	original, err := protocol.RawPayload(raw)
	if err != nil {
		return errInvalidMessage(protocol.TypeRequestSession, err)
	}

	agent, ok := b.agents.GetAgent(p.TargetAgentID)
	if !ok || !agent.IsOnline {
		slog.Info("Session requested for unavailable agent",
			"agent_id", p.TargetAgentID,
			"conn_id", c.ConnID)
		return errAgentNotAvailable(p.TargetAgentID)
	}

	if _, ok := b.viewers.GetViewer(c.ConnID); !ok {
		username := p.ViewerUsername
		if username == "" {
			username = c.Principal.Username
		}
		b.viewers.RegisterViewer(directory.ViewerInfo{
			ConnectionID: c.ConnID,
			OwnerUserID:  c.Principal.UserID,
			Username:     username,
			MachineName:  p.ViewerMachineName,
		})
	}

	sessionID := uuid.New().String()
	unlock := b.locks.Lock(sessionID)
	defer unlock()

	req, err := b.sessions.CreateSessionRequest(directory.SessionRequestInfo{
		SessionID:          sessionID,
		ViewerID:           c.Principal.UserID,
		ViewerConnectionID: c.ConnID,
		AgentID:            agent.AgentID,
		AgentConnectionID:  agent.ConnectionID,
		ViewerUsername:     p.ViewerUsername,
		ViewerMachineName:  p.ViewerMachineName,
		RequestReason:      p.RequestReason,
		ViewerCapabilities: p.ViewerCapabilities,
	})
	if err != nil {
		return err
	}

	err = b.send(ctx, agent.ConnectionID, &protocol.SessionRequestReceived{
		SessionID:   req.SessionID,
		ViewerID:    req.ViewerID,
		RequestedAt: req.RequestedAt.UTC(),
		Request:     original,
	})
	if err != nil {
		if expired, expErr := b.sessions.ExpireSessionRequest(req.SessionID); expErr == nil {
			b.recorder.RequestClosed(expired)
		}
		return fmt.Errorf("forward session request to agent %s: %w", agent.AgentID, err)
	}

	slog.Info("Session request forwarded",
		"session_id", req.SessionID,
		"agent_id", agent.AgentID,
		"viewer_id", req.ViewerID)
	return nil
}

func (b *Broker) SessionDecision(ctx context.Context, c Caller, raw []byte) error {
	var p protocol.SessionDecision
	if err := decode(raw, &p); err != nil {
		return err
	}

	unlock := b.locks.Lock(p.SessionID)
	defer unlock()

	req, ok := b.sessions.GetSessionRequest(p.SessionID)
	if !ok {
		return errSessionNotFound(p.SessionID, "session request not found")
	}
	if req.Status != directory.RequestPending {
		return errSessionNotFound(p.SessionID, fmt.Sprintf("session request already decided (%s)", req.Status))
	}
	if req.AgentConnectionID != c.ConnID {
		return errSessionAccessDenied(p.SessionID)
	}

	if !p.Accepted {
		return b.rejectLocked(ctx, req, p.Reason, raw)
	}
	return b.acceptLocked(ctx, req, p.SessionSettings)
}

func (b *Broker) rejectLocked(ctx context.Context, req directory.SessionRequest, reason *string, raw []byte) error {
	rejected, err := b.sessions.RejectSessionRequest(req.SessionID, reason)
	if err != nil {
		return b.transitionError(req.SessionID, err)
	}
	b.recorder.RequestClosed(rejected)

	if err := b.transport.SendToConnection(ctx, req.ViewerConnectionID, raw); err != nil {
		slog.Warn("Failed to forward rejection to viewer",
			"session_id", req.SessionID,
			"conn_id", req.ViewerConnectionID,
			"error", err)
	}
	return nil
}

func (b *Broker) acceptLocked(ctx context.Context, req directory.SessionRequest, settings *protocol.SessionSettings) error {
	sess, err := b.sessions.StartSession(req.SessionID, settings)
	if err != nil {
		return b.transitionError(req.SessionID, err)
	}

	group := SessionGroup(sess.SessionID)
	viewerErr := b.transport.AddToGroup(sess.ViewerConnectionID, group)
	agentErr := b.transport.AddToGroup(sess.AgentConnectionID, group)
	if viewerErr != nil || agentErr != nil {
		b.failSetupLocked(ctx, sess, viewerErr == nil, agentErr == nil)
		return nil
	}

	err = b.send(ctx, sess.ViewerConnectionID, &protocol.SessionStarted{
		SessionID:       sess.SessionID,
		AgentID:         sess.AgentID,
		ViewerID:        sess.ViewerID,
		SessionSettings: sess.Settings,
	})
	if err != nil {
		slog.Warn("Failed to notify viewer of session start",
			"session_id", sess.SessionID,
			"conn_id", sess.ViewerConnectionID,
			"error", err)
	}
	return nil
}

// failSetupLocked runs when a participant vanished between the decision and
// the group join. The survivor, if any, is told the session ended.
func (b *Broker) failSetupLocked(ctx context.Context, sess directory.ActiveSession, viewerJoined, agentJoined bool) {
	failed, err := b.sessions.FailSession(sess.SessionID, ReasonSetupFailed)
	if err != nil {
		slog.Error("Failed to mark session as failed", "session_id", sess.SessionID, "error", err)
		return
	}
	b.recorder.SessionClosed(failed)

	group := SessionGroup(sess.SessionID)
	b.transport.RemoveFromGroup(sess.ViewerConnectionID, group)
	b.transport.RemoveFromGroup(sess.AgentConnectionID, group)

	slog.Warn("Session setup failed, participant gone",
		"session_id", sess.SessionID,
		"viewer_joined", viewerJoined,
		"agent_joined", agentJoined)

	notice := &protocol.SessionEnded{SessionID: sess.SessionID, Reason: ReasonSetupFailed}
	if viewerJoined {
		_ = b.send(ctx, sess.ViewerConnectionID, notice)
	}
	if agentJoined {
		_ = b.send(ctx, sess.AgentConnectionID, notice)
	}
}

func (b *Broker) transitionError(sessionID string, err error) error {
	if errors.Is(err, directory.ErrNotFound) {
		return errSessionNotFound(sessionID, "session request not found")
	}
	if errors.Is(err, directory.ErrInvalidTransition) {
		return errSessionNotFound(sessionID, "session request already decided")
	}
	return err
}

// activeParticipantLocked loads an Active session and checks that connID
// takes part in it. Must be called with the session lock held.
func (b *Broker) activeParticipantLocked(sessionID, connID string) (directory.ActiveSession, error) {
	sess, ok := b.sessions.GetActiveSession(sessionID)
	if !ok || sess.Status != directory.SessionActive {
		return directory.ActiveSession{}, errSessionNotFound(sessionID, "no active session")
	}
	if !sess.HasParticipant(connID) {
		return directory.ActiveSession{}, errSessionAccessDenied(sessionID)
	}
	return sess, nil
}

func (b *Broker) UpdateQuality(ctx context.Context, c Caller, raw []byte) error {
	var p protocol.UpdateQuality
	if err := decode(raw, &p); err != nil {
		return err
	}

	unlock := b.locks.Lock(p.SessionID)
	defer unlock()

	if _, err := b.activeParticipantLocked(p.SessionID, c.ConnID); err != nil {
		return err
	}

	sess, err := b.sessions.UpdateSessionSettings(p.SessionID, directory.SettingsUpdate{
		Quality:  p.Quality,
		FPS:      p.FPS,
		Encoding: p.Encoding,
	})
	if err != nil {
		return b.transitionError(p.SessionID, err)
	}

	slog.Debug("Session settings updated",
		"session_id", p.SessionID,
		"quality", sess.Settings.Quality,
		"fps", sess.Settings.FPS,
		"encoding", sess.Settings.Encoding)

	return b.forwardControl(ctx, p.SessionID, c.ConnID, raw)
}

func (b *Broker) SelectMonitor(ctx context.Context, c Caller, raw []byte) error {
	var p protocol.SelectMonitor
	if err := decode(raw, &p); err != nil {
		return err
	}

	unlock := b.locks.Lock(p.SessionID)
	defer unlock()

	if _, err := b.activeParticipantLocked(p.SessionID, c.ConnID); err != nil {
		return err
	}

	if _, err := b.sessions.UpdateSessionSettings(p.SessionID, directory.SettingsUpdate{MonitorIndex: &p.MonitorIndex}); err != nil {
		return b.transitionError(p.SessionID, err)
	}

	return b.forwardControl(ctx, p.SessionID, c.ConnID, raw)
}

func (b *Broker) forwardControl(ctx context.Context, sessionID, senderConnID string, raw []byte) error {
	if err := b.transport.SendToGroup(ctx, SessionGroup(sessionID), raw, senderConnID); err != nil {
		slog.Warn("Failed to forward control message",
			"session_id", sessionID,
			"conn_id", senderConnID,
			"error", err)
	}
	return nil
}

// EndSession handles a SessionEnded sent by one of the participants.
func (b *Broker) EndSession(ctx context.Context, c Caller, raw []byte) error {
	var p protocol.SessionEnded
	if err := decode(raw, &p); err != nil {
		return err
	}

	unlock := b.locks.Lock(p.SessionID)
	defer unlock()

	if _, err := b.activeParticipantLocked(p.SessionID, c.ConnID); err != nil {
		return err
	}

	reason := p.Reason
	if reason == "" {
		reason = ReasonEndedByParticipant
	}
	b.endSessionLocked(ctx, p.SessionID, reason, c.ConnID)
	return nil
}

// endSessionLocked moves the session to Ended, tells the group and removes
// both participants from it. exclude skips the notice for one connection.
func (b *Broker) endSessionLocked(ctx context.Context, sessionID, reason string, exclude ...string) {
	ended, err := b.sessions.EndSession(sessionID, reason)
	if err != nil {
		if !errors.Is(err, directory.ErrInvalidTransition) {
			slog.Warn("Failed to end session", "session_id", sessionID, "error", err)
		}
		return
	}
	b.recorder.SessionClosed(ended)

	stats := ended.Statistics(b.now())
	group := SessionGroup(sessionID)

	data, err := protocol.Marshal(&protocol.SessionEnded{
		SessionID:  sessionID,
		Reason:     reason,
		Statistics: &stats,
	})
	if err != nil {
		slog.Error("Failed to encode SessionEnded", "session_id", sessionID, "error", err)
	} else if err := b.transport.SendToGroup(ctx, group, data, exclude...); err != nil {
		slog.Warn("Failed to notify session group", "session_id", sessionID, "error", err)
	}

	b.transport.RemoveFromGroup(ended.ViewerConnectionID, group)
	b.transport.RemoveFromGroup(ended.AgentConnectionID, group)
}

// Relay forwards Frame, InputEvent and KeepAlive messages to the other
// members of the session named in the payload.
func (b *Broker) Relay(ctx context.Context, c Caller, typ protocol.Type, raw []byte) error {
	if typ == protocol.TypeKeepAlive {
		b.touch(c.ConnID)
	}

	sessionID := protocol.PeekSessionID(raw)
	if sessionID == "" {
		if typ != protocol.TypeKeepAlive {
			slog.Warn("Dropping session traffic without session id", "conn_id", c.ConnID, "type", typ)
		}
		return nil
	}

	group := SessionGroup(sessionID)
	if !b.transport.IsMember(c.ConnID, group) {
		slog.Warn("Dropping session traffic from non-member",
			"conn_id", c.ConnID,
			"session_id", sessionID,
			"type", typ)
		return nil
	}

	var frames int64
	switch typ {
	case protocol.TypeFrame:
		frames = 1
	case protocol.TypeInputEvent:
		var ev protocol.InputEvent
		if err := protocol.DecodePayload(raw, &ev); err != nil {
			return errInvalidMessage(typ, err)
		}
		if len(ev.Events) == 0 {
			slog.Debug("Dropping empty input event", "session_id", sessionID, "conn_id", c.ConnID)
			return nil
		}
	}

	if err := b.transport.RelayToGroup(group, raw, c.ConnID); err != nil {
		slog.Warn("Relay incomplete",
			"session_id", sessionID,
			"type", typ,
			"error", err)
	}

	if err := b.sessions.RecordActivity(sessionID, frames, int64(len(raw))); err != nil {
		slog.Debug("Activity not recorded", "session_id", sessionID, "error", err)
	}
	return nil
}

func (b *Broker) touch(connID string) {
	if agent, ok := b.agents.GetAgentByConnection(connID); ok {
		b.agents.TouchAgent(agent.AgentID)
		return
	}
	b.viewers.TouchViewer(connID)
}

// Disconnect cleans up after a transport connection is gone. The transport
// has already removed connID from every group.
func (b *Broker) Disconnect(ctx context.Context, connID string) {
	if agent, ok := b.agents.GetAgentByConnection(connID); ok {
		if _, err := b.agents.SetAgentOffline(agent.AgentID); err != nil {
			slog.Warn("Failed to mark agent offline", "agent_id", agent.AgentID, "error", err)
		}
	}
	if _, ok := b.viewers.GetViewer(connID); ok {
		if _, err := b.viewers.SetViewerOffline(connID); err != nil {
			slog.Warn("Failed to mark viewer offline", "conn_id", connID, "error", err)
		}
	}

	for _, req := range b.sessions.ListPendingRequestsForConnection(connID) {
		b.expireRequest(ctx, req.SessionID, connID)
	}

	for _, sess := range b.sessions.ListActiveSessionsForConnection(connID) {
		unlock := b.locks.Lock(sess.SessionID)
		b.endSessionLocked(ctx, sess.SessionID, ReasonParticipantDisconnected)
		unlock()
	}

	slog.Info("Connection cleaned up", "conn_id", connID)
}

func (b *Broker) expireRequest(ctx context.Context, sessionID, goneConnID string) {
	unlock := b.locks.Lock(sessionID)
	defer unlock()

	expired, err := b.sessions.ExpireSessionRequest(sessionID)
	if err != nil {
		// decided while we waited for the lock
		return
	}
	b.recorder.RequestClosed(expired)

	counterpart := expired.AgentConnectionID
	if counterpart == goneConnID {
		counterpart = expired.ViewerConnectionID
	}
	err = b.send(ctx, counterpart, &protocol.SessionEnded{
		SessionID: sessionID,
		Reason:    ReasonParticipantDisconnected,
	})
	if err != nil {
		slog.Debug("Counterpart not reachable for expired request",
			"session_id", sessionID,
			"conn_id", counterpart,
			"error", err)
	}
}
