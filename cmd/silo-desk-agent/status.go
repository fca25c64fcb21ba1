package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/silo-desk/internal/agent"
	"github.com/EternisAI/silo-desk/internal/grpc/client"
	"github.com/EternisAI/silo-desk/internal/protocol"
)

type statusResponse struct {
	State         string            `json:"state"`
	AgentID       string            `json:"agent_id,omitempty"`
	ActiveSession string            `json:"active_session,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	Metrics       *protocol.Metrics `json:"metrics"`
}

func setupStatusRoutes(engine *gin.Engine, c *client.Client, rt *agent.Runtime) {
	engine.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.GET("/status", func(ctx *gin.Context) {
		resp := statusResponse{
			State:   c.State().String(),
			AgentID: c.Identity(),
			Metrics: rt.Metrics(),
		}
		if id, ok := rt.ActiveSession(); ok {
			resp.ActiveSession = id
		}
		if err := c.LastError(); err != nil {
			resp.LastError = err.Error()
		}

		code := http.StatusOK
		if !c.State().Online() {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, resp)
	})
}
