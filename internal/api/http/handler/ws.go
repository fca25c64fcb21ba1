package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/EternisAI/silo-desk/internal/auth"
	"github.com/EternisAI/silo-desk/internal/hub"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 8 << 20
)

// ConnRegistry is the part of the hub a websocket connection talks to.
type ConnRegistry interface {
	Register(conn hub.Conn, principal *auth.Principal) error
	Unregister(ctx context.Context, connID string)
	HandleMessage(ctx context.Context, connID string, raw []byte)
}

type WSHandler struct {
	registry ConnRegistry
	verifier *auth.Verifier
	upgrader websocket.Upgrader
}

func NewWSHandler(registry ConnRegistry, verifier *auth.Verifier, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		registry: registry,
		verifier: verifier,
		upgrader: makeUpgrader(allowedOrigins),
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// wsConn adapts a websocket to hub.Conn. Send runs on the hub's writer
// goroutine only; pings go through WriteControl, which may run concurrently.
type wsConn struct {
	id        string
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		err = c.conn.Close()
	})
	return err
}

// Connect upgrades GET /ws. The token comes from the "token" query parameter
// or the Authorization header. Without one the connection is anonymous.
func (h *WSHandler) Connect(c *gin.Context) {
	principal, err := h.authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	conn := &wsConn{id: uuid.New().String(), conn: ws}
	if err := h.registry.Register(conn, principal); err != nil {
		slog.Error("Failed to register websocket connection", "error", err)
		_ = conn.Close()
		return
	}

	attrs := []any{"conn_id", conn.id, "remote_addr", c.ClientIP()}
	if principal != nil {
		attrs = append(attrs, "username", principal.Username)
	}
	slog.Info("WebSocket connection established", attrs...)

	stopPing := startPing(ws)
	defer func() {
		stopPing()
		h.registry.Unregister(context.Background(), conn.id)
		_ = conn.Close()
		slog.Info("WebSocket connection closed", "conn_id", conn.id)
	}()

	ws.SetReadLimit(wsMaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx := c.Request.Context()
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "conn_id", conn.id, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		h.registry.HandleMessage(ctx, conn.id, data)
	}
}

func (h *WSHandler) authenticate(r *http.Request) (*auth.Principal, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		if header == "" {
			return nil, nil
		}
		var ok bool
		if token, ok = auth.BearerToken(header); !ok {
			return nil, errors.New("malformed authorization header")
		}
	}
	if h.verifier == nil {
		return nil, nil
	}
	return h.verifier.Verify(token)
}

func startPing(ws *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
