package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/EternisAI/silo-desk/internal/auth"
	grpctls "github.com/EternisAI/silo-desk/internal/grpc/tls"
	"github.com/EternisAI/silo-desk/internal/grpc/transport"
	"github.com/EternisAI/silo-desk/internal/hub"
)

type Server struct {
	streamHandler *StreamHandler
	port          int
	tlsConfig     *grpctls.ServerConfig

	mu         sync.Mutex
	grpcServer *grpc.Server
	listener   net.Listener
	stopped    bool
}

// NewServer creates the relay server. verifier may be nil, in which case
// every stream is anonymous.
func NewServer(port int, h *hub.Hub, verifier *auth.Verifier, tlsConfig *grpctls.ServerConfig) *Server {
	return &Server{
		streamHandler: NewStreamHandler(h, verifier),
		port:          port,
		tlsConfig:     tlsConfig,
	}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

// Serve runs the gRPC server on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if s.tlsConfig != nil && s.tlsConfig.Enabled {
		creds, err := grpctls.LoadServerCredentials(*s.tlsConfig)
		if err != nil {
			return fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		slog.Info("TLS enabled for gRPC server", "client_auth", s.tlsConfig.ClientAuth)
	} else {
		slog.Warn("gRPC server running without TLS")
	}

	grpcServer := grpc.NewServer(opts...)
	transport.Register(grpcServer, s)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = lis.Close()
		return nil
	}
	s.listener = lis
	s.grpcServer = grpcServer
	s.mu.Unlock()

	slog.Info("Starting gRPC server", "address", lis.Addr().String())

	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// Addr returns the listening address, or nil before Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down gracefully, forcing it once ctx is done. A
// Serve call that has not started yet returns immediately.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	grpcServer := s.grpcServer
	s.mu.Unlock()
	if grpcServer == nil {
		return nil
	}

	slog.Info("Stopping gRPC server")

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		grpcServer.Stop()
	}

	return nil
}

func (s *Server) Connect(stream grpc.ServerStream) error {
	return s.streamHandler.HandleStream(stream)
}
