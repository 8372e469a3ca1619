package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pradumkr/StepLite/internal/app"
	"github.com/pradumkr/StepLite/internal/domain"
	"github.com/pradumkr/StepLite/internal/ports"
)

// Handler is the thin HTTP surface over the core API.
type Handler struct {
	workflows  *app.WorkflowService
	executions *app.ExecutionService
}

func NewHandler(workflows *app.WorkflowService, executions *app.ExecutionService) *Handler {
	return &Handler{workflows: workflows, executions: executions}
}

// Register wires all routes onto the router group.
func (h *Handler) Register(v1 *gin.RouterGroup) {
	v1.POST("/workflows", h.RegisterWorkflow)
	v1.GET("/workflows", h.ListWorkflows)
	v1.GET("/workflows/:name", h.GetWorkflow)

	v1.POST("/executions", h.StartExecution)
	v1.GET("/executions", h.ListExecutions)
	v1.GET("/executions/:id", h.GetExecution)
	v1.GET("/executions/:id/steps", h.ListSteps)
	v1.GET("/executions/:id/steps/:stepId", h.GetStep)
	v1.GET("/executions/:id/history", h.GetHistory)
	v1.POST("/executions/:id/cancel", h.CancelExecution)
}

func (h *Handler) RegisterWorkflow(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body is required"})
		return
	}

	view, err := h.workflows.RegisterWorkflow(c.Request.Context(), payload, c.ContentType())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) ListWorkflows(c *gin.Context) {
	views, err := h.workflows.ListWorkflows(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": views})
}

func (h *Handler) GetWorkflow(c *gin.Context) {
	view, err := h.workflows.GetWorkflow(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type startExecutionRequest struct {
	WorkflowName string          `json:"workflowName" binding:"required"`
	Version      string          `json:"version"`
	Input        domain.Document `json:"input"`
}

func (h *Handler) StartExecution(c *gin.Context) {
	var req startExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, existing, err := h.executions.StartExecution(c.Request.Context(), app.StartExecutionRequest{
		WorkflowName:   req.WorkflowName,
		Version:        req.Version,
		Input:          req.Input,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if existing {
		c.JSON(http.StatusOK, view)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) GetExecution(c *gin.Context) {
	view, err := h.executions.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) ListExecutions(c *gin.Context) {
	filter := ports.ExecutionFilter{
		WorkflowName: c.Query("workflow"),
		Limit:        intQuery(c, "limit", 100),
		Offset:       intQuery(c, "offset", 0),
	}
	for _, s := range c.QueryArray("status") {
		filter.Statuses = append(filter.Statuses, domain.ExecutionStatus(s))
	}
	if since := c.Query("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339, since); err == nil {
			filter.StartedAfter = &ts
		}
	}
	if until := c.Query("until"); until != "" {
		if ts, err := time.Parse(time.RFC3339, until); err == nil {
			filter.StartedUntil = &ts
		}
	}

	views, err := h.executions.ListExecutions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": views})
}

func (h *Handler) ListSteps(c *gin.Context) {
	views, err := h.executions.ListSteps(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": views})
}

func (h *Handler) GetStep(c *gin.Context) {
	stepID, err := uuid.Parse(c.Param("stepId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid step id"})
		return
	}
	view, err := h.executions.GetStep(c.Request.Context(), c.Param("id"), stepID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) GetHistory(c *gin.Context) {
	views, err := h.executions.ListHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": views})
}

func (h *Handler) CancelExecution(c *gin.Context) {
	view, err := h.executions.CancelExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrWorkflowNotFound),
		errors.Is(err, domain.ErrVersionNotFound),
		errors.Is(err, domain.ErrExecutionNotFound),
		errors.Is(err, domain.ErrStepNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrVersionExists),
		errors.Is(err, domain.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case domain.IsDefinitionError(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
