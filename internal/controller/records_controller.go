package controller

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"runnerd/internal/runner"
	"runnerd/pkg/utils/response"
)

// RecordStore is the query surface of the run record repository.
type RecordStore interface {
	GetRunRecord(ctx context.Context, taskID string) (runner.RunRecord, error)
	ListRecent(ctx context.Context, limit int) ([]runner.RunRecord, error)
}

// RecordsController exposes finished run records for diagnostics.
type RecordsController struct {
	store RecordStore
}

// NewRecordsController creates a new RecordsController.
func NewRecordsController(store RecordStore) *RecordsController {
	return &RecordsController{store: store}
}

// RegisterRoutes attaches the controller's endpoints to the router.
func (h *RecordsController) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.GET("/records", h.List)
	v1.GET("/records/:id", h.Get)
}

// Get returns one run record by task id.
func (h *RecordsController) Get(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		response.BadRequest(c, "Invalid task id")
		return
	}
	record, err := h.store.GetRunRecord(c.Request.Context(), taskID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, record)
}

// List returns recent run records, newest first.
func (h *RecordsController) List(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			response.BadRequest(c, "Invalid limit")
			return
		}
		limit = parsed
	}
	records, err := h.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, records)
}
