// Package hub tracks live transport connections, owns their outbound queues
// and named groups, and routes inbound messages to the session broker.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-desk/internal/auth"
	"github.com/EternisAI/silo-desk/internal/broker"
	"github.com/EternisAI/silo-desk/internal/protocol"
)

const (
	defaultSendBuffer      = 100
	defaultSendTimeout     = 5 * time.Second
	defaultCleanupInterval = 30 * time.Second
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrQueueFull          = errors.New("send queue full")
	ErrSendTimeout        = errors.New("send timeout")
)

// Conn is one transport-level connection. Send is only ever called from the
// connection's writer goroutine.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Dispatcher receives the messages the hub routes by type.
type Dispatcher interface {
	RegisterAgent(ctx context.Context, c broker.Caller, raw []byte) error
	RegisterViewer(ctx context.Context, c broker.Caller, raw []byte) error
	RequestSession(ctx context.Context, c broker.Caller, raw []byte) error
	SessionDecision(ctx context.Context, c broker.Caller, raw []byte) error
	EndSession(ctx context.Context, c broker.Caller, raw []byte) error
	UpdateQuality(ctx context.Context, c broker.Caller, raw []byte) error
	SelectMonitor(ctx context.Context, c broker.Caller, raw []byte) error
	Relay(ctx context.Context, c broker.Caller, typ protocol.Type, raw []byte) error
	Disconnect(ctx context.Context, connID string)
}

type Config struct {
	SendBuffer      int           `mapstructure:"send_buffer"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	StaleTimeout    time.Duration `mapstructure:"stale_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	return c
}

type connection struct {
	conn        Conn
	principal   *auth.Principal
	sendCh      chan []byte
	connectedAt time.Time
	lastSeen    atomic.Int64 // unix nanos
	groups      map[string]struct{}
	ctx         context.Context
	cancel      context.CancelFunc
}

func (c *connection) touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

func (c *connection) seen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// ConnectionInfo is a snapshot of one live connection.
type ConnectionInfo struct {
	ID          string
	UserID      string
	Username    string
	ConnectedAt time.Time
	LastSeen    time.Time
	Groups      []string
	QueueLength int
}

type Hub struct {
	cfg        Config
	conns      map[string]*connection
	groups     map[string]map[string]struct{}
	mu         sync.RWMutex
	dispatcher Dispatcher
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// New creates a Hub. The dispatcher may be nil and set later with
// SetDispatcher, since the broker itself needs the hub as its transport.
func New(cfg Config, dispatcher Dispatcher) *Hub {
	h := &Hub{
		cfg:        cfg.withDefaults(),
		conns:      make(map[string]*connection),
		groups:     make(map[string]map[string]struct{}),
		dispatcher: dispatcher,
		stopCh:     make(chan struct{}),
	}
	if h.cfg.StaleTimeout > 0 {
		go h.cleanupStaleConnections()
	}
	return h
}

func (h *Hub) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatcher = d
}

// UserGroup names the group every connection of a user joins.
func UserGroup(userID string) string {
	return "user_" + userID
}

func (h *Hub) Register(conn Conn, principal *auth.Principal) error {
	id := conn.ID()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[id]; ok {
		return fmt.Errorf("connection %s already registered", id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	c := &connection{
		conn:        conn,
		principal:   principal,
		sendCh:      make(chan []byte, h.cfg.SendBuffer),
		connectedAt: now,
		groups:      make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.touch(now)
	h.conns[id] = c

	if principal != nil && principal.UserID != "" {
		h.addToGroupLocked(c, UserGroup(principal.UserID))
	}

	go h.writeLoop(c)

	slog.Info("Connection registered",
		"conn_id", id,
		"authenticated", principal != nil,
		"total_connections", len(h.conns))

	return nil
}

// Unregister forgets the connection, drops it from every group and then runs
// the dispatcher's disconnect cleanup. Unknown ids are ignored.
func (h *Hub) Unregister(ctx context.Context, connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	for group := range c.groups {
		h.removeFromGroupLocked(c, connID, group)
	}
	dispatcher := h.dispatcher
	remaining := len(h.conns)
	h.mu.Unlock()

	c.cancel()

	slog.Info("Connection unregistered",
		"conn_id", connID,
		"total_connections", remaining)

	if dispatcher != nil {
		dispatcher.Disconnect(ctx, connID)
	}
}

func (h *Hub) writeLoop(c *connection) {
	id := c.conn.ID()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendCh:
			if err := c.conn.Send(data); err != nil {
				slog.Error("Error sending message", "conn_id", id, "error", err)
				c.cancel()
				_ = c.conn.Close()
				return
			}
		}
	}
}

// HandleMessage routes one inbound message. Failures are reported to the
// sending connection as Error messages.
func (h *Hub) HandleMessage(ctx context.Context, connID string, raw []byte) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	dispatcher := h.dispatcher
	h.mu.RUnlock()
	if ok {
		c.touch(time.Now())
	}

	if !ok {
		slog.Warn("Message from unregistered connection", "conn_id", connID)
		return
	}
	if dispatcher == nil {
		slog.Error("No dispatcher configured, dropping message", "conn_id", connID)
		return
	}

	typ, ok := protocol.PeekType(raw)
	if !ok {
		slog.Warn("Dropping malformed message", "conn_id", connID, "size", len(raw))
		h.reportError(ctx, connID, &protocol.Error{
			ErrorCode: protocol.CodeInvalidMessage,
			Message:   "Message is not a valid envelope",
			Severity:  protocol.SeverityWarning,
			Category:  protocol.CategoryProtocol,
		})
		return
	}

	slog.Debug("Message received", "conn_id", connID, "type", typ)

	caller := broker.Caller{ConnID: connID, Principal: c.principal}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while processing message", "conn_id", connID, "type", typ, "panic", r)
			details := fmt.Sprint(r)
			h.reportError(ctx, connID, &protocol.Error{
				ErrorCode:     protocol.CodeMessageProcessingError,
				Message:       "Failed to process message",
				Details:       &details,
				Severity:      protocol.SeverityError,
				Category:      protocol.CategoryInternal,
				IsRecoverable: true,
			})
		}
	}()

	var err error
	switch typ {
	case protocol.TypeRegisterAgent:
		err = dispatcher.RegisterAgent(ctx, caller, raw)
	case protocol.TypeRegisterViewer:
		err = dispatcher.RegisterViewer(ctx, caller, raw)
	case protocol.TypeRequestSession:
		err = dispatcher.RequestSession(ctx, caller, raw)
	case protocol.TypeSessionDecision:
		err = dispatcher.SessionDecision(ctx, caller, raw)
	case protocol.TypeSessionEnded:
		err = dispatcher.EndSession(ctx, caller, raw)
	case protocol.TypeUpdateQuality:
		err = dispatcher.UpdateQuality(ctx, caller, raw)
	case protocol.TypeSelectMonitor:
		err = dispatcher.SelectMonitor(ctx, caller, raw)
	case protocol.TypeFrame, protocol.TypeInputEvent, protocol.TypeKeepAlive:
		err = dispatcher.Relay(ctx, caller, typ, raw)
	default:
		slog.Warn("Unhandled message type", "conn_id", connID, "type", typ)
		return
	}

	if err != nil {
		slog.Warn("Failed to process message", "conn_id", connID, "type", typ, "error", err)
		h.reportError(ctx, connID, broker.ErrorPayload(typ, err))
	}
}

func (h *Hub) reportError(ctx context.Context, connID string, payload *protocol.Error) {
	data, err := protocol.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode error message", "conn_id", connID, "error", err)
		return
	}
	if err := h.SendToConnection(ctx, connID, data); err != nil {
		slog.Warn("Failed to deliver error message", "conn_id", connID, "error", err)
	}
}

func (h *Hub) lookup(connID string) (*connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// enqueue waits up to the send timeout for queue space.
func (h *Hub) enqueue(ctx context.Context, c *connection, data []byte) error {
	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}

	timer := time.NewTimer(h.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case c.sendCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case <-timer.C:
		return ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEnqueue never blocks.
func (h *Hub) tryEnqueue(c *connection, data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (h *Hub) SendToConnection(ctx context.Context, connID string, data []byte) error {
	c, ok := h.lookup(connID)
	if !ok {
		return fmt.Errorf("connection %s: %w", connID, ErrConnectionNotFound)
	}
	if err := h.enqueue(ctx, c, data); err != nil {
		return fmt.Errorf("send to %s: %w", connID, err)
	}
	return nil
}

// SendToGroup delivers data to every member of group except the excluded
// ids. A failure for one member does not stop delivery to the others.
func (h *Hub) SendToGroup(ctx context.Context, group string, data []byte, exclude ...string) error {
	var errs []error
	for _, c := range h.recipients(group, exclude) {
		if err := h.enqueue(ctx, c, data); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", c.conn.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// RelayToGroup is SendToGroup for streaming traffic: a member whose queue is
// full misses this message instead of slowing down the sender.
func (h *Hub) RelayToGroup(group string, data []byte, exclude ...string) error {
	var errs []error
	for _, c := range h.recipients(group, exclude) {
		if err := h.tryEnqueue(c, data); err != nil {
			if errors.Is(err, ErrQueueFull) {
				slog.Warn("Recipient queue full, dropping message", "conn_id", c.conn.ID(), "group", group)
			}
			errs = append(errs, fmt.Errorf("relay to %s: %w", c.conn.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) recipients(group string, exclude []string) []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.groups[group]
	out := make([]*connection, 0, len(members))
	for id := range members {
		if containsID(exclude, id) {
			continue
		}
		if c, ok := h.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (h *Hub) AddToGroup(connID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("connection %s: %w", connID, ErrConnectionNotFound)
	}
	h.addToGroupLocked(c, group)
	return nil
}

func (h *Hub) addToGroupLocked(c *connection, group string) {
	id := c.conn.ID()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]struct{})
		h.groups[group] = members
	}
	members[id] = struct{}{}
	c.groups[group] = struct{}{}
	slog.Debug("Connection joined group", "conn_id", id, "group", group)
}

func (h *Hub) RemoveFromGroup(connID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conns[connID]; ok {
		h.removeFromGroupLocked(c, connID, group)
		return
	}
	h.removeFromGroupLocked(nil, connID, group)
}

func (h *Hub) removeFromGroupLocked(c *connection, connID, group string) {
	if c != nil {
		delete(c.groups, group)
	}
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

func (h *Hub) IsMember(connID, group string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.groups[group][connID]
	return ok
}

func (h *Hub) GroupMembers(group string) []string {
	h.mu.RLock()
	members := make([]string, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		members = append(members, id)
	}
	h.mu.RUnlock()

	sort.Strings(members)
	return members
}

func (h *Hub) Connections() []ConnectionInfo {
	h.mu.RLock()
	result := make([]ConnectionInfo, 0, len(h.conns))
	for id, c := range h.conns {
		info := ConnectionInfo{
			ID:          id,
			ConnectedAt: c.connectedAt,
			LastSeen:    c.seen(),
			QueueLength: len(c.sendCh),
		}
		if c.principal != nil {
			info.UserID = c.principal.UserID
			info.Username = c.principal.Username
		}
		for g := range c.groups {
			info.Groups = append(info.Groups, g)
		}
		sort.Strings(info.Groups)
		result = append(result, info)
	}
	h.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stop closes every connection. Transports observe the close and unregister.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})

	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.cancel()
		_ = c.conn.Close()
	}
}

func (h *Hub) cleanupStaleConnections() {
	ticker := time.NewTicker(h.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.removeStaleConnections(context.Background())
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) removeStaleConnections(ctx context.Context) {
	now := time.Now()

	type staleConn struct {
		conn     Conn
		lastSeen time.Time
	}

	h.mu.RLock()
	var stale []staleConn
	for _, c := range h.conns {
		if seen := c.seen(); now.Sub(seen) > h.cfg.StaleTimeout {
			stale = append(stale, staleConn{conn: c.conn, lastSeen: seen})
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		id := s.conn.ID()
		slog.Warn("Removing stale connection", "conn_id", id, "last_seen", s.lastSeen)
		_ = s.conn.Close()
		h.Unregister(ctx, id)
	}
}
