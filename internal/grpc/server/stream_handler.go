package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/EternisAI/silo-desk/internal/auth"
	"github.com/EternisAI/silo-desk/internal/grpc/transport"
	"github.com/EternisAI/silo-desk/internal/hub"
)

type StreamHandler struct {
	hub      *hub.Hub
	verifier *auth.Verifier
}

func NewStreamHandler(h *hub.Hub, verifier *auth.Verifier) *StreamHandler {
	return &StreamHandler{
		hub:      h,
		verifier: verifier,
	}
}

// streamConn adapts a server stream to hub.Conn. Send is only called by the
// hub's writer goroutine.
type streamConn struct {
	id        string
	stream    grpc.ServerStream
	done      chan struct{}
	closeOnce sync.Once
}

func (c *streamConn) ID() string { return c.id }

func (c *streamConn) Send(data []byte) error {
	return transport.Send(c.stream, data)
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (sh *StreamHandler) HandleStream(stream grpc.ServerStream) error {
	principal, err := sh.authenticate(stream.Context())
	if err != nil {
		slog.Warn("Rejected stream", "error", err)
		return status.Error(codes.Unauthenticated, err.Error())
	}

	conn := &streamConn{
		id:     uuid.New().String(),
		stream: stream,
		done:   make(chan struct{}),
	}

	if err := sh.hub.Register(conn, principal); err != nil {
		return status.Errorf(codes.Internal, "failed to register connection: %v", err)
	}

	attrs := []any{"conn_id", conn.id}
	if principal != nil {
		attrs = append(attrs, "username", principal.Username)
	}
	slog.Info("Stream connection established", attrs...)

	defer func() {
		sh.hub.Unregister(context.Background(), conn.id)
		slog.Info("Stream connection closed", "conn_id", conn.id)
	}()

	errChan := make(chan error, 1)
	go sh.receiveLoop(conn, errChan)

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
			return err
		}
		return nil
	case <-conn.done:
		return status.Error(codes.Aborted, "connection closed by server")
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
}

// authenticate returns a nil principal for streams without a token. A token
// that is present but invalid rejects the stream.
func (sh *StreamHandler) authenticate(ctx context.Context) (*auth.Principal, error) {
	header := transport.Authorization(ctx)
	if header == "" || sh.verifier == nil {
		return nil, nil
	}
	token, ok := auth.BearerToken(header)
	if !ok {
		return nil, errors.New("malformed authorization metadata")
	}
	return sh.verifier.Verify(token)
}

func (sh *StreamHandler) receiveLoop(conn *streamConn, errChan chan<- error) {
	ctx := conn.stream.Context()
	for {
		data, err := transport.Recv(conn.stream)
		if err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				slog.Error("Error receiving message", "conn_id", conn.id, "error", err)
			}
			errChan <- err
			return
		}

		sh.hub.HandleMessage(ctx, conn.id, data)
	}
}
