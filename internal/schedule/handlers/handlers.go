// Package handlers exposes the trigger HTTP API over gin.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/schedule/lifecycle"
	"github.com/orchid/orchid/internal/schedule/models"
	"github.com/orchid/orchid/internal/schedule/store"
)

// TriggerHandlers serves the /api/v1 trigger surface.
type TriggerHandlers struct {
	lifecycle *lifecycle.Service
	logger    *logger.Logger
}

// NewTriggerHandlers creates the handler set.
func NewTriggerHandlers(svc *lifecycle.Service, log *logger.Logger) *TriggerHandlers {
	return &TriggerHandlers{
		lifecycle: svc,
		logger:    log.WithFields(zap.String("component", "trigger-handlers")),
	}
}

// RegisterRoutes mounts the trigger API under /api/v1.
func (h *TriggerHandlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/definitions", h.createDefinition)
	api.GET("/definitions", h.listDefinitions)
	api.POST("/definitions/:id/trigger", h.triggerDefinition)
	api.POST("/ad-hoc-tasks", h.submitAdHocTask)
	api.POST("/traces/:trace_id/cancel", h.cancelTrace)
	api.POST("/traces/:trace_id/pause", h.pauseTrace)
	api.POST("/traces/:trace_id/resume", h.resumeTrace)
	api.PATCH("/traces/:trace_id/modify", h.modifyTrace)
	api.GET("/request-id-to-trace/:request_id", h.requestIDToTrace)
	api.GET("/health", h.health)
}

// ---------------------------------------------------------------------------
// Request / response bodies

type definitionRequest struct {
	Name           string                 `json:"name" binding:"required"`
	Content        map[string]interface{} `json:"content" binding:"required"`
	CronExpr       string                 `json:"cron_expr"`
	LoopConfig     *models.LoopConfig     `json:"loop_config"`
	IsActive       *bool                  `json:"is_active"`
	DefaultTimeout int                    `json:"default_timeout"`
}

type triggerRequest struct {
	InputParams map[string]interface{} `json:"input_params"`
	TriggerType string                 `json:"trigger_type"`
	RequestID   string                 `json:"request_id"`
}

type adHocTaskRequest struct {
	TaskName       string                 `json:"task_name" binding:"required"`
	TaskContent    map[string]interface{} `json:"task_content" binding:"required"`
	InputParams    map[string]interface{} `json:"input_params"`
	LoopConfig     *models.LoopConfig     `json:"loop_config"`
	IsTemporary    *bool                  `json:"is_temporary"`
	ScheduleType   string                 `json:"schedule_type"`
	ScheduleConfig map[string]interface{} `json:"schedule_config"`
	RequestID      string                 `json:"request_id"`
}

type traceResponse struct {
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type modifyRequest struct {
	InputParams    map[string]interface{} `json:"input_params"`
	ScheduleConfig map[string]interface{} `json:"schedule_config"`
}

type errorResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, errorResponse{Success: false, Message: message})
}

// ---------------------------------------------------------------------------
// Definitions

func (h *TriggerHandlers) createDefinition(c *gin.Context) {
	var req definitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	def, err := h.lifecycle.CreateDefinition(c.Request.Context(), lifecycle.CreateDefinitionRequest{
		Name:           req.Name,
		Content:        req.Content,
		CronExpr:       req.CronExpr,
		LoopConfig:     req.LoopConfig,
		IsActive:       isActive,
		DefaultTimeout: req.DefaultTimeout,
	})
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *TriggerHandlers) listDefinitions(c *gin.Context) {
	defs, err := h.lifecycle.ListDefinitions(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list definitions", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to list definitions")
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (h *TriggerHandlers) triggerDefinition(c *gin.Context) {
	// An empty body is fine for a bare trigger.
	var req triggerRequest
	_ = c.ShouldBindJSON(&req)
	if req.TriggerType == "" {
		req.TriggerType = "IMMEDIATE"
	}
	if req.InputParams == nil {
		req.InputParams = map[string]interface{}{}
	}

	traceID, err := h.lifecycle.TriggerDefinition(c.Request.Context(), c.Param("id"), req.InputParams, req.TriggerType, req.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, "definition not found")
			return
		}
		h.logger.Error("failed to trigger definition", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to trigger definition")
		return
	}

	c.JSON(http.StatusOK, traceResponse{TraceID: traceID, Status: "success", Message: "Task triggered"})
}

// ---------------------------------------------------------------------------
// Ad-hoc tasks

func (h *TriggerHandlers) submitAdHocTask(c *gin.Context) {
	var req adHocTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	isTemporary := true
	if req.IsTemporary != nil {
		isTemporary = *req.IsTemporary
	}
	if req.InputParams == nil {
		req.InputParams = map[string]interface{}{}
	}

	traceID, err := h.lifecycle.SubmitAdHocTask(c.Request.Context(), lifecycle.AdHocRequest{
		TaskName:       req.TaskName,
		TaskContent:    req.TaskContent,
		InputParams:    req.InputParams,
		LoopConfig:     req.LoopConfig,
		IsTemporary:    isTemporary,
		ScheduleType:   req.ScheduleType,
		ScheduleConfig: req.ScheduleConfig,
		RequestID:      req.RequestID,
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrUnknownScheduleType) {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	c.JSON(http.StatusOK, traceResponse{TraceID: traceID, Status: "success", Message: "Ad-hoc task submitted"})
}

// ---------------------------------------------------------------------------
// Trace controls

func (h *TriggerHandlers) cancelTrace(c *gin.Context) {
	result, err := h.lifecycle.CancelTrace(c.Request.Context(), c.Param("trace_id"))
	if err != nil {
		h.logger.Error("cancel failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "cancel failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *TriggerHandlers) pauseTrace(c *gin.Context) {
	result, err := h.lifecycle.PauseTrace(c.Request.Context(), c.Param("trace_id"))
	if err != nil {
		h.logger.Error("pause failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "pause failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

type resumeRequest struct {
	TaskID     string                 `json:"task_id"`
	Parameters map[string]interface{} `json:"parameters"`
}

func (h *TriggerHandlers) resumeTrace(c *gin.Context) {
	// Body is optional: a bare resume unblocks paused instances; a body
	// with task_id + parameters completes a NEED_INPUT pause.
	var req resumeRequest
	_ = c.ShouldBindJSON(&req)

	if req.TaskID != "" && len(req.Parameters) > 0 {
		result, err := h.lifecycle.ResumeWithParams(c.Request.Context(), c.Param("trace_id"), req.TaskID, req.Parameters)
		if err != nil {
			h.logger.Error("resume failed", zap.Error(err))
			fail(c, http.StatusInternalServerError, "resume failed")
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	result, err := h.lifecycle.ResumeTrace(c.Request.Context(), c.Param("trace_id"))
	if err != nil {
		h.logger.Error("resume failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "resume failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *TriggerHandlers) modifyTrace(c *gin.Context) {
	var req modifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.lifecycle.ModifyTrace(c.Request.Context(), c.Param("trace_id"), req.InputParams, req.ScheduleConfig)
	if err != nil {
		h.logger.Error("modify failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "modify failed")
		return
	}
	if !result.Success {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ---------------------------------------------------------------------------
// Misc

func (h *TriggerHandlers) requestIDToTrace(c *gin.Context) {
	traceID, err := h.lifecycle.LatestTraceForRequest(c.Request.Context(), c.Param("request_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, "request id not found")
			return
		}
		fail(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": c.Param("request_id"), "trace_id": traceID})
}

func (h *TriggerHandlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
