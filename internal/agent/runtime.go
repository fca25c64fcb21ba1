package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-desk/internal/grpc/client"
	"github.com/EternisAI/silo-desk/internal/protocol"
)

const (
	defaultFPS    = 15
	messageBuffer = 256
	ReasonBusy    = "Agent is busy with another session"
)

// Link is the part of the relay client the runtime needs.
type Link interface {
	Send(payload protocol.Payload) error
	SubscribeMessages(buffer int) (<-chan *protocol.Message, func())
	SubscribeState(buffer int) (<-chan client.StateChange, func())
}

type stream struct {
	sessionID   string
	settings    protocol.SessionSettings
	monitor     int
	frameNumber int64
	frames      int64
	started     time.Time
	cancel      context.CancelFunc
	retune      chan struct{}
}

// Runtime serves one session at a time. Requests arriving while a session
// is active are rejected.
type Runtime struct {
	link   Link
	source FrameSource
	sink   InputSink
	policy DecisionPolicy

	mu     sync.Mutex
	active *stream
	wg     sync.WaitGroup

	framesSent atomic.Int64
	dropped    atomic.Int64
}

func NewRuntime(link Link, source FrameSource, sink InputSink, policy DecisionPolicy) *Runtime {
	if sink == nil {
		sink = DiscardInput{}
	}
	if policy == nil {
		policy = AutoAccept{}
	}
	return &Runtime{
		link:   link,
		source: source,
		sink:   sink,
		policy: policy,
	}
}

// Run handles inbound messages until ctx is done or the link's
// subscriptions are closed.
func (r *Runtime) Run(ctx context.Context) error {
	msgs, unsubMsgs := r.link.SubscribeMessages(messageBuffer)
	states, unsubStates := r.link.SubscribeState(16)
	defer func() {
		unsubMsgs()
		unsubStates()
		r.stopStream("", "runtime stopped")
		r.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle(ctx, msg)
		case change, ok := <-states:
			if !ok {
				return nil
			}
			if !change.To.Online() {
				r.stopStream("", "link "+change.To.String())
			}
		}
	}
}

func (r *Runtime) handle(ctx context.Context, msg *protocol.Message) {
	switch p := msg.Payload.(type) {
	case *protocol.SessionRequestReceived:
		r.decide(ctx, p)
	case *protocol.UpdateQuality:
		r.updateQuality(p)
	case *protocol.SelectMonitor:
		r.selectMonitor(p)
	case *protocol.InputEvent:
		r.inject(ctx, p)
	case *protocol.SessionEnded:
		r.stopStream(p.SessionID, p.Reason)
	case *protocol.AgentRegistered:
		slog.Info("Agent registered", "agent_id", p.AgentID)
	case *protocol.Error:
		slog.Warn("Server error", "code", p.ErrorCode, "message", p.Message)
	}
}

func (r *Runtime) decide(ctx context.Context, req *protocol.SessionRequestReceived) {
	r.mu.Lock()
	busy := r.active != nil
	r.mu.Unlock()

	var d Decision
	if busy {
		d = Decision{Reason: ReasonBusy}
	} else {
		d = r.policy.Decide(ctx, req)
	}

	decision := &protocol.SessionDecision{
		SessionID:       req.SessionID,
		Accepted:        d.Accept,
		SessionSettings: d.Settings,
	}
	if d.Reason != "" {
		reason := d.Reason
		decision.Reason = &reason
	}

	if err := r.link.Send(decision); err != nil {
		slog.Error("Failed to send session decision", "session_id", req.SessionID, "error", err)
		return
	}

	slog.Info("Session request answered",
		"session_id", req.SessionID,
		"viewer_id", req.ViewerID,
		"accepted", d.Accept)

	if d.Accept {
		settings := protocol.DefaultSessionSettings()
		if d.Settings != nil {
			settings = *d.Settings
		}
		r.startStream(ctx, req.SessionID, settings)
	}
}

func (r *Runtime) startStream(ctx context.Context, sessionID string, settings protocol.SessionSettings) {
	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		sessionID: sessionID,
		settings:  settings,
		started:   time.Now(),
		cancel:    cancel,
		retune:    make(chan struct{}, 1),
	}

	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		cancel()
		return
	}
	r.active = s
	r.mu.Unlock()

	r.wg.Add(1)
	go r.streamFrames(streamCtx, s)
}

// stopStream ends the active stream. An empty sessionID matches any.
func (r *Runtime) stopStream(sessionID, reason string) {
	r.mu.Lock()
	s := r.active
	if s == nil || (sessionID != "" && s.sessionID != sessionID) {
		r.mu.Unlock()
		return
	}
	r.active = nil
	r.mu.Unlock()

	s.cancel()
	slog.Info("Streaming stopped", "session_id", s.sessionID, "reason", reason)
}

func frameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = defaultFPS
	}
	return time.Second / time.Duration(fps)
}

func (r *Runtime) streamFrames(ctx context.Context, s *stream) {
	defer r.wg.Done()

	r.mu.Lock()
	fps := s.settings.FPS
	r.mu.Unlock()

	ticker := time.NewTicker(frameInterval(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.retune:
			r.mu.Lock()
			fps = s.settings.FPS
			r.mu.Unlock()
			ticker.Reset(frameInterval(fps))
		case <-ticker.C:
			r.sendFrame(ctx, s)
		}
	}
}

func (r *Runtime) sendFrame(ctx context.Context, s *stream) {
	r.mu.Lock()
	settings := CaptureSettings{
		Encoding:     s.settings.Encoding,
		Quality:      s.settings.Quality,
		MonitorIndex: s.monitor,
		Resolution:   s.settings.Resolution,
	}
	r.mu.Unlock()

	frame, err := r.source.Capture(ctx, settings)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Frame capture failed", "session_id", s.sessionID, "error", err)
		}
		return
	}

	r.mu.Lock()
	if r.active != s {
		r.mu.Unlock()
		return
	}
	s.frameNumber++
	frame.SessionID = s.sessionID
	frame.FrameNumber = s.frameNumber
	r.mu.Unlock()

	if err := r.link.Send(frame); err != nil {
		r.dropped.Add(1)
		if !errors.Is(err, client.ErrSendQueueFull) {
			slog.Warn("Failed to send frame", "session_id", s.sessionID, "error", err)
		}
		return
	}

	r.framesSent.Add(1)
	r.mu.Lock()
	s.frames++
	r.mu.Unlock()
}

func (r *Runtime) updateQuality(p *protocol.UpdateQuality) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.active
	if s == nil || s.sessionID != p.SessionID {
		return
	}
	if p.Quality != nil {
		s.settings.Quality = *p.Quality
	}
	if p.Encoding != nil {
		s.settings.Encoding = *p.Encoding
	}
	if p.FPS != nil && *p.FPS != s.settings.FPS {
		s.settings.FPS = *p.FPS
		select {
		case s.retune <- struct{}{}:
		default:
		}
	}

	slog.Info("Stream quality updated",
		"session_id", s.sessionID,
		"quality", s.settings.Quality,
		"fps", s.settings.FPS,
		"encoding", s.settings.Encoding)
}

func (r *Runtime) selectMonitor(p *protocol.SelectMonitor) {
	if p.MonitorIndex >= r.source.MonitorCount() {
		slog.Warn("Ignoring unknown monitor", "session_id", p.SessionID, "monitor_index", p.MonitorIndex)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.active; s != nil && s.sessionID == p.SessionID {
		s.monitor = p.MonitorIndex
	}
}

func (r *Runtime) inject(ctx context.Context, p *protocol.InputEvent) {
	if len(p.Events) == 0 {
		return
	}

	r.mu.Lock()
	s := r.active
	allowed := s != nil && s.sessionID == p.SessionID && s.settings.EnableInput
	r.mu.Unlock()

	if !allowed {
		slog.Debug("Dropping input event", "session_id", p.SessionID)
		return
	}

	if err := r.sink.Inject(ctx, p.Events); err != nil {
		slog.Warn("Input injection failed", "session_id", p.SessionID, "error", err)
	}
}

// ActiveSession returns the id of the session being streamed.
func (r *Runtime) ActiveSession() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	return r.active.sessionID, true
}

// Metrics reports streaming counters for heartbeats.
func (r *Runtime) Metrics() *protocol.Metrics {
	m := &protocol.Metrics{
		FramesSent:    r.framesSent.Load(),
		DroppedFrames: r.dropped.Load(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.active; s != nil {
		m.ActiveSessionCnt = 1
		if elapsed := time.Since(s.started).Seconds(); elapsed > 0 {
			m.AverageFPS = float64(s.frames) / elapsed
		}
	}
	return m
}
