package handler

import (
	"net/http"

	"github.com/EternisAI/silo-desk/internal/api/http/dto"
	"github.com/gin-gonic/gin"
)

type ConnectionCounter interface {
	ConnectionCount() int
}

type HealthHandler struct {
	counter ConnectionCounter
}

func NewHealthHandler(counter ConnectionCounter) *HealthHandler {
	return &HealthHandler{counter: counter}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	resp := dto.HealthResponse{Status: "ok"}
	if h.counter != nil {
		resp.Connections = h.counter.ConnectionCount()
	}
	ctx.JSON(http.StatusOK, resp)
}
