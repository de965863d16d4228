// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/eafonin/nessus-orchestrator/internal/pkg/logger"
	"github.com/eafonin/nessus-orchestrator/internal/results"
	"github.com/eafonin/nessus-orchestrator/internal/service"
)

// reservedResultParams are query keys with pipeline meaning; everything else
// is treated as a field filter.
var reservedResultParams = map[string]bool{
	"page":     true,
	"pageSize": true,
	"profile":  true,
	"fields":   true,
}

// ResultsHandler serves processed scan results and raw report downloads.
type ResultsHandler struct {
	orchestrator *service.Orchestrator
	logger       logger.Logger
}

// NewResultsHandler creates a new results handler instance.
func NewResultsHandler(orchestrator *service.Orchestrator, logger logger.Logger) *ResultsHandler {
	return &ResultsHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// GetResults handles GET /api/v1/scan/:id/results - Render the scan report
// as NDJSON through the results pipeline.
//
// Query parameters: page, pageSize, profile, fields (comma-separated), and
// any known vulnerability field name as a filter condition.
func (h *ResultsHandler) GetResults(c *gin.Context) {
	opts, err := parseResultOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	data, err := h.orchestrator.GetTaskResults(c.Param("id"), opts)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Data(http.StatusOK, "application/x-ndjson", data)
}

// DownloadReport handles GET /api/v1/scan/:id/report - Download the raw
// exported report.
func (h *ResultsHandler) DownloadReport(c *gin.Context) {
	taskID := c.Param("id")
	data, err := h.orchestrator.GetRawReport(taskID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.nessus", taskID))
	c.Data(http.StatusOK, "application/xml", data)
}

func parseResultOptions(c *gin.Context) (*results.Options, error) {
	opts := &results.Options{Profile: c.Query("profile")}

	if raw := c.Query("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("page must be an integer")
		}
		opts.Page = page
	}
	if raw := c.Query("pageSize"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("pageSize must be an integer")
		}
		opts.PageSize = size
	}
	if raw := c.Query("fields"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				opts.CustomFields = append(opts.CustomFields, f)
			}
		}
	}

	for key, values := range c.Request.URL.Query() {
		if reservedResultParams[key] || len(values) == 0 {
			continue
		}
		if opts.Filters == nil {
			opts.Filters = make(map[string]string)
		}
		opts.Filters[key] = values[0]
	}
	return opts, nil
}
