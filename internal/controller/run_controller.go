package controller

import (
	"github.com/gin-gonic/gin"

	"runnerd/internal/runner"
	"runnerd/pkg/utils/response"
)

// RunController handles execution HTTP endpoints.
type RunController struct {
	service runner.Service
}

// NewRunController creates a new RunController.
func NewRunController(service runner.Service) *RunController {
	return &RunController{service: service}
}

// RegisterRoutes attaches the controller's endpoints to the router.
func (h *RunController) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	v1 := r.Group("/v1")
	v1.POST("/run", h.Run)
	v1.GET("/readiness", h.CheckReadiness)
}

// Run executes one command and blocks until it finished or was torn down.
func (h *RunController) Run(c *gin.Context) {
	var req runner.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	resp, err := h.service.Run(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, resp)
}

// CheckReadiness reports whether an optional path exists under the build
// root. The scheduler polls this before dispatching work.
func (h *RunController) CheckReadiness(c *gin.Context) {
	ready, err := h.service.CheckReadiness(c.Request.Context(), c.Query("path"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ReadinessResponse{Ready: ready})
}

// Healthz is the liveness probe.
func (h *RunController) Healthz(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// ReadinessResponse defines the readiness query response payload.
type ReadinessResponse struct {
	Ready bool `json:"ready"`
}
