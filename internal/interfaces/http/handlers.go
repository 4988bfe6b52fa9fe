package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/procurehub/procflow/internal/engine"
	"github.com/procurehub/procflow/internal/report"
	"github.com/procurehub/procflow/internal/repository"
	"github.com/procurehub/procflow/internal/resolver"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	engine        *engine.Engine
	actionLogRepo *repository.ActionLogRepository
	exporter      *report.AuditExporter
	logger        Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	eng *engine.Engine,
	actionLogRepo *repository.ActionLogRepository,
	exporter *report.AuditExporter,
	logger Logger,
) *Handlers {
	return &Handlers{
		engine:        eng,
		actionLogRepo: actionLogRepo,
		exporter:      exporter,
		logger:        logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StartWorkflowRequest is the payload for POST /api/workflows
type StartWorkflowRequest struct {
	DefinitionCode string `json:"definition_code" binding:"required"`
	RefType        string `json:"ref_type" binding:"required"`
	RefID          string `json:"ref_id" binding:"required"`
	SubmitterID    string `json:"submitter_id" binding:"required"`
}

// ActionRequest is the payload for approve / send-back actions
type ActionRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
	Comment string `json:"comment"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// StartWorkflow handles POST /api/workflows
func (h *Handlers) StartWorkflow(c *gin.Context) {
	var req StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	instance, err := h.engine.StartWorkflow(c.Request.Context(), req.DefinitionCode, req.RefType, req.RefID, req.SubmitterID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: instance})
}

// Approve handles POST /api/steps/:id/approve
func (h *Handlers) Approve(c *gin.Context) {
	stepID, ok := h.pathID(c)
	if !ok {
		return
	}

	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	result, err := h.engine.Approve(c.Request.Context(), stepID, req.ActorID, req.Comment)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// SendBack handles POST /api/steps/:id/send-back
func (h *Handlers) SendBack(c *gin.Context) {
	stepID, ok := h.pathID(c)
	if !ok {
		return
	}

	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	result, err := h.engine.SendBack(c.Request.Context(), stepID, req.ActorID, req.Comment)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// ListActions handles GET /api/workflows/:id/actions
func (h *Handlers) ListActions(c *gin.Context) {
	instanceID, ok := h.pathID(c)
	if !ok {
		return
	}

	entries, err := h.actionLogRepo.ListByInstance(instanceID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: entries})
}

// ExportAudit handles GET /api/workflows/:id/audit.xlsx
func (h *Handlers) ExportAudit(c *gin.Context) {
	instanceID, ok := h.pathID(c)
	if !ok {
		return
	}

	f, err := h.exporter.Export(instanceID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%d.xlsx"`, instanceID))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err := f.Write(c.Writer); err != nil {
		h.logger.Error("Failed to stream audit export", "error", err, "workflow_instance_id", instanceID)
	}
}

func (h *Handlers) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid id"})
		return 0, false
	}
	return id, true
}

// respondError maps the engine error taxonomy onto HTTP statuses.
// Resolution failures surface as 500 because a workflow that cannot
// compute its next approvers is a configuration defect needing an
// operator, not something the caller can fix.
func (h *Handlers) respondError(c *gin.Context, err error) {
	var resErr *resolver.ResolutionError

	switch {
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, Response{Success: false, Error: err.Error()})
	case errors.Is(err, engine.ErrInvalidState):
		c.JSON(http.StatusConflict, Response{Success: false, Error: err.Error()})
	case errors.Is(err, engine.ErrForbidden):
		c.JSON(http.StatusForbidden, Response{Success: false, Error: err.Error()})
	case errors.As(err, &resErr):
		h.logger.Error("Approver resolution failed", "error", err)
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: err.Error()})
	default:
		h.logger.Error("Unhandled engine error", "error", err)
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "internal error"})
	}
}
