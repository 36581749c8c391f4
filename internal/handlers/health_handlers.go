package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// DependencyChecker reports whether an external collaborator is reachable.
type DependencyChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler reports service health. When an executor checker is wired
// (EXECUTOR_URL configured) its reachability is included in the response;
// the simulated local executor has nothing to check.
type HealthHandler struct {
	executor DependencyChecker
}

func NewHealthHandler(executor DependencyChecker) *HealthHandler {
	return &HealthHandler{executor: executor}
}

type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Executor string `json:"executor,omitempty"`
}

// Health godoc
// @Summary      Health check
// @Description  Checks if the server is running and its execution service is reachable
// @Tags         health
// @Accept       json
// @Produce      json
// @Success      200  {object}  HealthResponse   "Returns health status"
// @Router       /health [get]
// @exclude
func (h *HealthHandler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:  "ok",
		Service: "walletpilot-api",
	}

	// An unreachable executor degrades the service but does not take it
	// down: evaluation and the permission surface still work.
	if h.executor != nil {
		if err := h.executor.HealthCheck(c.Request.Context()); err != nil {
			resp.Status = "degraded"
			resp.Executor = "unreachable"
			c.JSON(http.StatusOK, resp)
			return
		}
		resp.Executor = "ok"
	}
	c.JSON(http.StatusOK, resp)
}
