// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package handler provides HTTP request handlers.
package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eafonin/nessus-orchestrator/internal/models"
	apperrors "github.com/eafonin/nessus-orchestrator/internal/pkg/errors"
	"github.com/eafonin/nessus-orchestrator/internal/pkg/logger"
	"github.com/eafonin/nessus-orchestrator/internal/service"
)

// ScanHandler handles scan submission and task read HTTP requests.
type ScanHandler struct {
	orchestrator *service.Orchestrator
	logger       logger.Logger
}

// NewScanHandler creates a new scan handler instance.
func NewScanHandler(orchestrator *service.Orchestrator, logger logger.Logger) *ScanHandler {
	return &ScanHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// respondError maps an application error onto the HTTP response. Unknown
// errors become opaque 500s so internals never leak to clients.
func respondError(c *gin.Context, log logger.Logger, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.StatusCode >= http.StatusInternalServerError {
			log.Error("Request failed: %v", err)
			c.JSON(appErr.StatusCode, gin.H{"error": appErr.Message, "code": appErr.Code})
			return
		}
		c.JSON(appErr.StatusCode, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	log.Error("Request failed: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// CreateScan handles POST /api/v1/scan - Submit a new scan task.
func (h *ScanHandler) CreateScan(c *gin.Context) {
	var req models.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid scan request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}
	// Header form wins over the body field when both are present.
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	resp, err := h.orchestrator.SubmitScan(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Accepted scan task %s for pool %s", resp.TaskID, resp.Pool)
	c.JSON(http.StatusAccepted, resp)
}

// GetScan handles GET /api/v1/scan/:id - Get scan task status.
func (h *ScanHandler) GetScan(c *gin.Context) {
	resp, err := h.orchestrator.GetTaskStatus(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListScans handles GET /api/v1/scan - List scan tasks with filtering.
func (h *ScanHandler) ListScans(c *gin.Context) {
	var req models.TaskListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid list request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	resp, err := h.orchestrator.ListTasks(&req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
