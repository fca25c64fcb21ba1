package http

import (
	"github.com/EternisAI/silo-desk/internal/api/http/handler"
	"github.com/EternisAI/silo-desk/internal/api/http/middleware"
	"github.com/EternisAI/silo-desk/internal/auth"
	"github.com/EternisAI/silo-desk/internal/hub"
	"github.com/EternisAI/silo-desk/internal/users"
	"github.com/gin-gonic/gin"
)

// Services holds what the routes are built from. Auth, Users and History
// are nil when no database is configured.
type Services struct {
	Hub      *hub.Hub
	Verifier *auth.Verifier
	Agents   handler.AgentLister
	Sessions handler.SessionLister
	Auth     handler.AuthService
	Users    handler.UserService
	History  handler.HistoryReader
}

func SetupRoute(engine *gin.Engine, cfg Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Hub)
	engine.GET("/health", healthHandler.Check)

	wsHandler := handler.NewWSHandler(srvs.Hub, srvs.Verifier, cfg.AllowedOrigins)
	engine.GET("/ws", wsHandler.Connect)

	v1 := engine.Group("/api/v1")

	if srvs.Auth != nil {
		authHandler := handler.NewAuthHandler(srvs.Auth)
		v1.POST("/auth/register", authHandler.Register)
		v1.POST("/auth/login", authHandler.Login)
	}

	authed := v1.Group("", middleware.JWTAuth(srvs.Verifier))
	agentsHandler := handler.NewAgentsHandler(srvs.Agents, srvs.Sessions)
	authed.GET("/agents", agentsHandler.ListAgents)
	authed.GET("/sessions", agentsHandler.ListSessions)

	if srvs.Users != nil {
		userHandler := handler.NewUserHandler(srvs.Users)
		authed.DELETE("/users/me", userHandler.DeleteUser)
		authed.GET("/users", middleware.RequireRole(users.RoleAdmin), userHandler.ListUsers)
	}

	admin := v1.Group("/admin", middleware.APIKeyAuth(cfg.AdminAPIKey))
	adminHandler := handler.NewAdminHandler(srvs.Agents, srvs.Sessions, srvs.Hub, srvs.History)
	admin.GET("/agents", adminHandler.ListAgents)
	admin.GET("/sessions", adminHandler.ListSessions)
	admin.GET("/connections", adminHandler.ListConnections)
	admin.GET("/history", adminHandler.ListHistory)
}
