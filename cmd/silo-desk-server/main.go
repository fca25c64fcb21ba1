package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/EternisAI/silo-desk/internal/api/http"
	"github.com/EternisAI/silo-desk/internal/auth"
	"github.com/EternisAI/silo-desk/internal/broker"
	"github.com/EternisAI/silo-desk/internal/cert"
	"github.com/EternisAI/silo-desk/internal/db"
	"github.com/EternisAI/silo-desk/internal/directory"
	grpcserver "github.com/EternisAI/silo-desk/internal/grpc/server"
	"github.com/EternisAI/silo-desk/internal/history"
	"github.com/EternisAI/silo-desk/internal/hub"
	"github.com/EternisAI/silo-desk/internal/users"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Desk Server", "version", AppVersion)

	if config.JWT.Secret == "" {
		slog.Error("jwt.secret must be set")
		os.Exit(1)
	}

	if config.Grpc.TLS.Enabled && config.Grpc.CertBootstrap.Enabled {
		paths := cert.Paths{
			CACert:     config.Grpc.TLS.CAFile,
			CAKey:      config.Grpc.CertBootstrap.CAKeyFile,
			ServerCert: config.Grpc.TLS.CertFile,
			ServerKey:  config.Grpc.TLS.KeyFile,
		}
		domains := ParseCommaSeparated(config.Grpc.CertBootstrap.DomainNames)
		ips := cert.ParseIPs(ParseCommaSeparated(config.Grpc.CertBootstrap.IPAddresses))
		if err := cert.Ensure(paths, domains, ips); err != nil {
			slog.Error("Failed to prepare TLS certificates", "error", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	verifier := auth.NewVerifier(config.JWT.Secret)

	agents := directory.NewAgentStore()
	viewers := directory.NewViewerStore()
	sessions := directory.NewSessionStore()

	services := &internalhttp.Services{
		Verifier: verifier,
		Agents:   agents,
		Sessions: sessions,
	}

	var recorder *history.Recorder
	var brokerRecorder broker.Recorder
	if config.DB.Enabled() {
		if _, err := db.RunMigrations(ctx, config.DB); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}

		pool, err := db.InitDB(ctx, config.DB)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		userService := users.NewService(pool)
		if err := userService.EnsureAdmin(ctx, config.Admin.Username, config.Admin.Password); err != nil {
			slog.Error("Failed to create admin user", "error", err)
			os.Exit(1)
		}

		historyStore := history.NewPostgresStore(pool)
		recorder = history.NewRecorder(historyStore, config.History.Buffer)
		brokerRecorder = recorder

		services.Auth = auth.NewService(userService, config.JWT)
		services.Users = userService
		services.History = historyStore
	} else {
		slog.Warn("Database not configured, login and session history are disabled")
	}

	h := hub.New(config.Hub, nil)
	b := broker.New(config.Broker, agents, viewers, sessions, h, brokerRecorder)
	h.SetDispatcher(b)
	services.Hub = h

	grpcSrv := grpcserver.NewServer(config.Grpc.Port, h, verifier, &config.Grpc.TLS)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")

	var wg sync.WaitGroup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcSrv.Stop(shutdownCtx); err != nil {
			slog.Error("gRPC server shutdown error", "error", err)
		}
	}()

	wg.Wait()

	// Connections are gone by now; their disconnect cleanup has queued the
	// last history entries.
	b.Stop()
	h.Stop()
	if recorder != nil {
		if err := recorder.Close(shutdownCtx); err != nil {
			slog.Error("Session history flush error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
}
