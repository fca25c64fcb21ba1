// Package client is the agent/viewer side of the relay connection: a state
// machine that resolves, connects, registers, streams and reconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpctls "github.com/EternisAI/silo-desk/internal/grpc/tls"
	"github.com/EternisAI/silo-desk/internal/grpc/transport"
	"github.com/EternisAI/silo-desk/internal/protocol"
)

const (
	defaultSendBuffer        = 100
	defaultHeartbeatInterval = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultInitialDelay      = 1 * time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultBackoffFactor     = 2
	defaultMaxAttempts       = 5
)

var (
	ErrAlreadyConnected = errors.New("client is not disconnected")
	ErrNotConnected     = errors.New("client is not connected")
	ErrSendQueueFull    = errors.New("send channel full")
)

type Role string

const (
	RoleAgent  Role = "Agent"
	RoleViewer Role = "Viewer"
)

// ConnectRequest describes who is connecting and where to.
type ConnectRequest struct {
	Address         string
	Token           string
	Role            Role
	Username        string
	MachineName     string
	OperatingSystem string
	ScreenWidth     int
	ScreenHeight    int
	Capabilities    protocol.Capabilities
}

// ReconnectPolicy is applied when an established link drops. A negative
// MaxAttempts retries forever.
type ReconnectPolicy struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

func (p ReconnectPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	if p.MaxAttempts < 0 {
		return b
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
}

type Config struct {
	TLS               *grpctls.ClientConfig `mapstructure:"tls"`
	SendBuffer        int                   `mapstructure:"send_buffer"`
	HeartbeatInterval time.Duration         `mapstructure:"heartbeat_interval"`
	HandshakeTimeout  time.Duration         `mapstructure:"handshake_timeout"`
	Reconnect         ReconnectPolicy       `mapstructure:"reconnect"`

	// Metrics, when set, is attached to every heartbeat.
	Metrics func() *protocol.Metrics `mapstructure:"-"`
	// DialOptions are appended after the transport credentials.
	DialOptions []grpc.DialOption `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = defaultInitialDelay
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = defaultBackoffFactor
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = defaultMaxDelay
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = defaultMaxAttempts
	}
	return c
}

type link struct {
	conn     *grpc.ClientConn
	stream   grpc.ClientStream
	cancel   context.CancelFunc
	identity string
}

func (l *link) close() {
	l.cancel()
	_ = l.conn.Close()
}

type Client struct {
	cfg        Config
	sendCh     chan []byte
	lookupHost func(ctx context.Context, host string) ([]string, error)

	mu        sync.RWMutex
	state     State
	lastErr   error
	req       ConnectRequest
	identity  string
	sessionID string
	runCancel context.CancelFunc
	runDone   chan struct{}

	subMu     sync.Mutex
	nextSub   int
	stateSubs map[int]chan StateChange
	msgSubs   map[int]chan *protocol.Message
}

func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		sendCh:     make(chan []byte, cfg.SendBuffer),
		lookupHost: net.DefaultResolver.LookupHost,
		state:      Disconnected,
		stateSubs:  make(map[int]chan StateChange),
		msgSubs:    make(map[int]chan *protocol.Message),
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the error that last moved the client to Error.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Identity is the agent id or viewer id assigned by the server.
func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// SubscribeState returns a channel receiving every state transition and a
// func that removes the subscription and closes the channel. A subscriber
// that falls buffer changes behind misses transitions.
func (c *Client) SubscribeState(buffer int) (<-chan StateChange, func()) {
	ch := make(chan StateChange, buffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.stateSubs[id]; ok {
			delete(c.stateSubs, id)
			close(sub)
		}
	}
}

// SubscribeMessages is SubscribeState for inbound messages.
func (c *Client) SubscribeMessages(buffer int) (<-chan *protocol.Message, func()) {
	ch := make(chan *protocol.Message, buffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.msgSubs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.msgSubs[id]; ok {
			delete(c.msgSubs, id)
			close(sub)
		}
	}
}

func (c *Client) transitionLocked(to State, message string, err error) {
	change := StateChange{From: c.state, To: to, Message: message, Err: err, At: time.Now()}
	c.state = to
	if to == Error {
		c.lastErr = err
	}
	if !to.Online() {
		c.sessionID = ""
	}

	if err != nil {
		slog.Warn("Client state changed", "from", change.From, "to", to, "message", message, "error", err)
	} else {
		slog.Debug("Client state changed", "from", change.From, "to", to)
	}

	c.subMu.Lock()
	for _, ch := range c.stateSubs {
		select {
		case ch <- change:
		default:
			slog.Warn("State subscriber is full, dropping transition", "to", to)
		}
	}
	c.subMu.Unlock()
}

func (c *Client) publish(msg *protocol.Message) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.msgSubs {
		select {
		case ch <- msg:
		default:
			slog.Warn("Message subscriber is full, dropping message", "type", msg.Type)
		}
	}
}

// Connect establishes the link and registers with the server. It returns
// once the client is Connected or has failed back to Disconnected. The link
// outlives ctx; use Disconnect to close it.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) error {
	if req.Role != RoleAgent && req.Role != RoleViewer {
		return fmt.Errorf("invalid role %q", req.Role)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		runCancel()
		return ErrAlreadyConnected
	}
	c.req = req
	c.runCancel = runCancel
	c.runDone = done
	c.lastErr = nil
	c.transitionLocked(Resolving, "", nil)
	c.mu.Unlock()

	hsCtx, hsCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(runCtx, hsCancel)

	// Steps are only reported while the attempt has not been disconnected.
	progress := func(s State, message string, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if runCtx.Err() == nil {
			c.transitionLocked(s, message, err)
		}
	}

	l, err := c.establish(hsCtx, runCtx, req, progress)

	stop()
	hsCancel()

	c.mu.Lock()
	if err == nil && runCtx.Err() != nil {
		l.close()
		err = runCtx.Err()
	}
	if err != nil {
		disconnected := runCtx.Err() != nil
		runCancel()
		close(done)

		// Disconnect owns the state once it has cancelled the run.
		if !disconnected {
			c.runCancel = nil
			c.runDone = nil
			if ctx.Err() != nil {
				c.transitionLocked(Disconnected, "connect cancelled", ctx.Err())
			} else {
				c.transitionLocked(Error, "connect failed", err)
				c.transitionLocked(Disconnected, "", nil)
			}
		}
		c.mu.Unlock()
		return err
	}
	c.identity = l.identity
	c.transitionLocked(Connected, "", nil)
	c.mu.Unlock()

	slog.Info("Connected to server", "address", req.Address, "role", req.Role, "identity", l.identity)

	go c.supervise(runCtx, done, l)
	return nil
}

// Disconnect closes the link and stops any reconnection in progress.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == Disconnected || c.runCancel == nil {
		c.mu.Unlock()
		return
	}
	cancel, done := c.runCancel, c.runDone
	c.transitionLocked(Disconnecting, "", nil)
	cancel()
	c.mu.Unlock()

	<-done

	c.mu.Lock()
	c.runCancel = nil
	c.runDone = nil
	c.transitionLocked(Disconnected, "", nil)
	c.mu.Unlock()

	slog.Info("Disconnected from server")
}

// Send queues payload for delivery. It never blocks.
func (c *Client) Send(payload protocol.Payload) error {
	if !c.State().Online() {
		return ErrNotConnected
	}
	data, err := protocol.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- data:
	default:
		return ErrSendQueueFull
	}

	// An agent has no inbound session traffic, so its own accept and frames
	// mark the start of streaming.
	switch p := payload.(type) {
	case *protocol.SessionDecision:
		if p.Accepted {
			c.enterStreaming(p.SessionID)
		}
	case *protocol.Frame:
		c.enterStreaming(p.SessionID)
	case *protocol.SessionEnded:
		c.leaveStreaming(p.SessionID, p.Reason)
	}
	return nil
}

// establish runs resolve, dial and registration. progress, when set, is told
// about each step.
func (c *Client) establish(hsCtx, runCtx context.Context, req ConnectRequest, progress func(State, string, error)) (*link, error) {
	step := func(s State) {
		if progress != nil {
			progress(s, "", nil)
		}
	}

	target, err := c.resolve(hsCtx, req.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", req.Address, err)
	}

	step(Connecting)

	opts, err := c.dialOptions()
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial server: %w", err)
	}

	linkCtx, linkCancel := context.WithCancel(runCtx)
	l := &link{conn: conn, cancel: linkCancel}

	// Opening the stream can block until the channel is ready, so abort it
	// when the handshake is cancelled.
	stopOpen := context.AfterFunc(hsCtx, linkCancel)
	stream, err := transport.OpenStream(transport.WithBearerToken(linkCtx, req.Token), conn)
	stopOpen()
	if err != nil {
		l.close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	l.stream = stream

	step(Authenticating)

	identity, err := c.register(hsCtx, l, req)
	if err != nil {
		l.close()
		return nil, err
	}
	l.identity = identity
	return l, nil
}

func (c *Client) resolve(ctx context.Context, address string) (string, error) {
	if strings.Contains(address, ":///") {
		return address, nil
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return "", err
	}
	if net.ParseIP(host) != nil {
		return address, nil
	}

	addrs, err := c.lookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	return address, nil
}

func (c *Client) dialOptions() ([]grpc.DialOption, error) {
	var opts []grpc.DialOption

	if c.cfg.TLS != nil && c.cfg.TLS.Enabled {
		creds, err := grpctls.LoadClientCredentials(*c.cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	return append(opts, c.cfg.DialOptions...), nil
}

type recvResult struct {
	msg *protocol.Message
	err error
}

// register sends the role's registration message and waits for the reply.
func (c *Client) register(ctx context.Context, l *link, req ConnectRequest) (string, error) {
	var payload protocol.Payload
	if req.Role == RoleAgent {
		payload = &protocol.RegisterAgent{
			Username:        req.Username,
			MachineName:     req.MachineName,
			OperatingSystem: req.OperatingSystem,
			ScreenWidth:     req.ScreenWidth,
			ScreenHeight:    req.ScreenHeight,
			Capabilities:    req.Capabilities,
		}
	} else {
		payload = &protocol.RegisterViewer{
			Username:    req.Username,
			MachineName: req.MachineName,
		}
	}

	data, err := protocol.Marshal(payload)
	if err != nil {
		return "", err
	}
	if err := transport.Send(l.stream, data); err != nil {
		return "", fmt.Errorf("failed to send registration: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	replies := make(chan recvResult, 1)
	go func() {
		for {
			raw, err := transport.Recv(l.stream)
			if err != nil {
				replies <- recvResult{err: err}
				return
			}
			msg, err := protocol.Deserialize(raw)
			if err != nil {
				slog.Warn("Ignoring undecodable message during registration", "error", err)
				continue
			}
			replies <- recvResult{msg: msg}
			return
		}
	}()

	var res recvResult
	select {
	case res = <-replies:
	case <-ctx.Done():
		l.cancel()
		return "", fmt.Errorf("registration: %w", ctx.Err())
	}
	if res.err != nil {
		return "", fmt.Errorf("registration: %w", res.err)
	}

	switch p := res.msg.Payload.(type) {
	case *protocol.AgentRegistered:
		if !p.Success {
			return "", fmt.Errorf("registration rejected: %s", deref(p.Message))
		}
		c.publish(res.msg)
		return p.AgentID, nil
	case *protocol.ViewerRegistered:
		if !p.Success {
			return "", fmt.Errorf("registration rejected: %s", deref(p.Message))
		}
		c.publish(res.msg)
		return p.ViewerID, nil
	case *protocol.Error:
		return "", &ServerError{Payload: *p}
	default:
		return "", fmt.Errorf("unexpected registration reply %s", res.msg.Type)
	}
}

// ServerError is an Error message received in place of an expected reply.
type ServerError struct {
	Payload protocol.Error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Payload.ErrorCode, e.Payload.Message)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// supervise serves l until it fails, then reconnects according to the
// policy. It returns when the run is cancelled or reconnection gives up.
func (c *Client) supervise(runCtx context.Context, done chan struct{}, l *link) {
	defer close(done)

	for {
		err := c.serve(runCtx, l)
		l.close()
		if runCtx.Err() != nil {
			return
		}

		slog.Warn("Connection lost", "error", err)
		c.mu.Lock()
		if runCtx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.transitionLocked(Reconnecting, "connection lost", err)
		c.mu.Unlock()

		next, err := c.reconnect(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return
			}
			c.mu.Lock()
			if runCtx.Err() != nil {
				c.mu.Unlock()
				return
			}
			c.runCancel()
			c.runCancel = nil
			c.runDone = nil
			c.transitionLocked(Error, "reconnect attempts exhausted", err)
			c.transitionLocked(Disconnected, "", nil)
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if runCtx.Err() != nil {
			c.mu.Unlock()
			next.close()
			return
		}
		c.identity = next.identity
		c.transitionLocked(Connected, "reconnected", nil)
		c.mu.Unlock()

		slog.Info("Reconnected to server", "identity", next.identity)
		l = next
	}
}

func (c *Client) reconnect(runCtx context.Context) (*link, error) {
	c.mu.RLock()
	req := c.req
	c.mu.RUnlock()

	bo := c.cfg.Reconnect.backOff()
	var lastErr error
	for attempt := 1; ; attempt++ {
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return nil, fmt.Errorf("gave up after %d attempts: %w", attempt-1, lastErr)
		}

		slog.Info("Reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-runCtx.Done():
			timer.Stop()
			return nil, runCtx.Err()
		}

		l, err := c.establish(runCtx, runCtx, req, nil)
		if err == nil {
			return l, nil
		}
		slog.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
		lastErr = err
	}
}

func (c *Client) serve(runCtx context.Context, l *link) error {
	done := make(chan struct{})
	errChan := make(chan error, 3)

	go c.receiveLoop(l, done, errChan)
	go c.sendLoop(l, done, errChan)
	go c.heartbeatLoop(done)

	var err error
	select {
	case err = <-errChan:
	case <-runCtx.Done():
		err = runCtx.Err()
	}
	close(done)
	return err
}

func (c *Client) receiveLoop(l *link, done chan struct{}, errChan chan error) {
	for {
		raw, err := transport.Recv(l.stream)
		if err != nil {
			errChan <- err
			return
		}

		msg, err := protocol.Deserialize(raw)
		if err != nil {
			slog.Warn("Dropping undecodable message", "error", err)
			continue
		}

		slog.Debug("Message received", "message_id", msg.MessageID, "type", msg.Type)

		select {
		case <-done:
			return
		default:
		}

		c.processMessage(msg)
		c.publish(msg)
	}
}

func (c *Client) processMessage(msg *protocol.Message) {
	switch p := msg.Payload.(type) {
	case *protocol.SessionStarted:
		c.enterStreaming(p.SessionID)
	case *protocol.Frame:
		c.enterStreaming(p.SessionID)
	case *protocol.SessionEnded:
		c.leaveStreaming(p.SessionID, p.Reason)
	case *protocol.Error:
		slog.Warn("Server reported error", "code", p.ErrorCode, "message", p.Message)
	}
}

func (c *Client) enterStreaming(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return
	}
	c.transitionLocked(Streaming, "", nil)
	c.sessionID = sessionID
}

func (c *Client) leaveStreaming(sessionID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Streaming || (c.sessionID != "" && c.sessionID != sessionID) {
		return
	}
	c.transitionLocked(Connected, reason, nil)
	c.sessionID = ""
}

func (c *Client) sendLoop(l *link, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case data := <-c.sendCh:
			if err := transport.Send(l.stream, data); err != nil {
				slog.Error("Error sending message", "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.Send(c.heartbeat()); err != nil {
				slog.Warn("Failed to send heartbeat", "error", err)
			}
		}
	}
}

func (c *Client) heartbeat() *protocol.KeepAlive {
	c.mu.RLock()
	ka := &protocol.KeepAlive{
		SenderID:   c.identity,
		SenderType: string(c.req.Role),
	}
	if c.sessionID != "" {
		id := c.sessionID
		ka.SessionID = &id
	}
	c.mu.RUnlock()

	if c.cfg.Metrics != nil {
		ka.Metrics = c.cfg.Metrics()
	}
	return ka
}
