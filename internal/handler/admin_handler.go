// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/eafonin/nessus-orchestrator/internal/pkg/logger"
	"github.com/eafonin/nessus-orchestrator/internal/service"
)

// AdminHandler serves scanner fleet, pool, queue, and dead-letter reads and
// the DLQ administrative actions.
type AdminHandler struct {
	orchestrator *service.Orchestrator
	logger       logger.Logger
}

// NewAdminHandler creates a new admin handler instance.
func NewAdminHandler(orchestrator *service.Orchestrator, logger logger.Logger) *AdminHandler {
	return &AdminHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// ListScanners handles GET /api/v1/scanners - Snapshot of every instance.
func (h *AdminHandler) ListScanners(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scanners": h.orchestrator.ListScanners()})
}

// ListPools handles GET /api/v1/pools - Capacity summary per pool.
func (h *AdminHandler) ListPools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": h.orchestrator.ListPools()})
}

// GetPoolStatus handles GET /api/v1/pools/:name - One pool's capacity.
func (h *AdminHandler) GetPoolStatus(c *gin.Context) {
	status, err := h.orchestrator.GetPoolStatus(c.Param("name"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetQueueStatus handles GET /api/v1/queue/:pool/status - Queue and DLQ depth.
func (h *AdminHandler) GetQueueStatus(c *gin.Context) {
	status, err := h.orchestrator.GetQueueStatus(c.Request.Context(), c.Param("pool"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ListDeadLetters handles GET /api/v1/queue/:pool/dlq - List dead-letter entries.
func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := h.orchestrator.ListDeadLetters(c.Request.Context(), c.Param("pool"), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

// RetryDeadLetter handles POST /api/v1/queue/:pool/dlq/:taskId/retry -
// Re-enqueue one dead-letter entry.
func (h *AdminHandler) RetryDeadLetter(c *gin.Context) {
	pool, taskID := c.Param("pool"), c.Param("taskId")
	if err := h.orchestrator.RetryDeadLetter(c.Request.Context(), pool, taskID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Re-enqueued dead-letter task %s for pool %s", taskID, pool)
	c.JSON(http.StatusOK, gin.H{"message": "Task re-enqueued"})
}

// PurgeDeadLetters handles DELETE /api/v1/queue/:pool/dlq - Drop every
// dead-letter entry for the pool.
func (h *AdminHandler) PurgeDeadLetters(c *gin.Context) {
	count, err := h.orchestrator.PurgeDeadLetters(c.Request.Context(), c.Param("pool"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": count})
}
