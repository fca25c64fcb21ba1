package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"

	"github.com/EternisAI/silo-desk/internal/agent"
	grpcclient "github.com/EternisAI/silo-desk/internal/grpc/client"
	"github.com/EternisAI/silo-desk/internal/protocol"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Desk Agent", "version", AppVersion, "previous_agent_id", config.Grpc.AgentID)

	machineName := config.Agent.MachineName
	if machineName == "" {
		machineName, _ = os.Hostname()
	}

	var rt *agent.Runtime
	grpcClient := grpcclient.NewClient(grpcclient.Config{
		TLS:               &config.Grpc.TLS,
		HeartbeatInterval: config.Grpc.HeartbeatInterval,
		Reconnect:         config.Grpc.Reconnect,
		Metrics:           func() *protocol.Metrics { return rt.Metrics() },
	})

	source := agent.NewSyntheticSource(config.Agent.ScreenWidth, config.Agent.ScreenHeight, config.Agent.Monitors)
	rt = agent.NewRuntime(grpcClient, source, agent.DiscardInput{}, newDecisionPolicy(config.Agent.AllowedViewers, config.Agent.MaxFPS))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registrations, unsubscribe := grpcClient.SubscribeMessages(16)
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Agent runtime stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		persistAgentID(ctx, registrations, viper.ConfigFileUsed())
	}()

	req := grpcclient.ConnectRequest{
		Address:         config.Grpc.ServerAddress,
		Token:           config.Grpc.Token,
		Role:            grpcclient.RoleAgent,
		Username:        config.Agent.Username,
		MachineName:     machineName,
		OperatingSystem: runtime.GOOS,
		ScreenWidth:     config.Agent.ScreenWidth,
		ScreenHeight:    config.Agent.ScreenHeight,
		Capabilities: protocol.Capabilities{
			MaxFPS:             config.Agent.MaxFPS,
			SupportedEncodings: []string{"jpeg"},
		},
	}
	if err := connect(ctx, grpcClient, req); err != nil {
		slog.Error("Failed to connect to server", "error", err)
		cancel()
		wg.Wait()
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	setupStatusRoutes(engine, grpcClient, rt)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Starting status server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	slog.Info("Shutting down agent...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		grpcClient.Disconnect()
		slog.Info("Disconnected from server")
	}()

	cancel()
	wg.Wait()
	slog.Info("Shutdown complete")
}

// connect retries the first connection with the configured reconnect
// policy. Rejections from the server are not retried.
func connect(ctx context.Context, c *grpcclient.Client, req grpcclient.ConnectRequest) error {
	policy := config.Grpc.Reconnect
	b := backoff.NewExponentialBackOff()
	if policy.InitialDelay > 0 {
		b.InitialInterval = policy.InitialDelay
	}
	if policy.MaxDelay > 0 {
		b.MaxInterval = policy.MaxDelay
	}
	b.MaxElapsedTime = 0

	var bo backoff.BackOff = b
	if policy.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(b, uint64(policy.MaxAttempts))
	}

	op := func() error {
		err := c.Connect(ctx, req)
		var serverErr *grpcclient.ServerError
		if errors.As(err, &serverErr) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("Connection attempt failed", "error", err, "retry_in", next)
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}

func persistAgentID(ctx context.Context, msgs <-chan *protocol.Message, path string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			reg, isReg := msg.Payload.(*protocol.AgentRegistered)
			if !isReg || !reg.Success {
				continue
			}
			if err := saveAgentIDToConfig(path, reg.AgentID); err != nil {
				slog.Error("Failed to persist agent_id to config", "error", err)
			} else {
				slog.Info("Agent ID persisted to config", "agent_id", reg.AgentID, "config_path", path)
			}
		}
	}
}
