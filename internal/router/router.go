// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package router provides HTTP routing configuration for the scan
// orchestrator server.
package router

import (
	"github.com/eafonin/nessus-orchestrator/internal/handler"
	"github.com/eafonin/nessus-orchestrator/internal/middleware"
	"github.com/eafonin/nessus-orchestrator/internal/types"

	"github.com/gin-gonic/gin"
)

// Router manages HTTP request routing and handler registration.
type Router struct {
	scanHandler    *handler.ScanHandler
	resultsHandler *handler.ResultsHandler
	adminHandler   *handler.AdminHandler
}

// New creates a new Router instance with the provided handlers.
func New(
	scanHandler *handler.ScanHandler,
	resultsHandler *handler.ResultsHandler,
	adminHandler *handler.AdminHandler,
) *Router {
	return &Router{
		scanHandler:    scanHandler,
		resultsHandler: resultsHandler,
		adminHandler:   adminHandler,
	}
}

// Setup initializes the Gin engine with middleware and routes.
// Middleware order: request logging, panic recovery, CORS.
func (r *Router) Setup(cfg *types.Config) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.CORS.AllowedOrigins))

	// Disable trusted proxy feature for security
	engine.SetTrustedProxies(nil)

	r.registerRoutes(engine)

	return engine
}

// registerRoutes registers all API routes under /api/v1 prefix.
// Available endpoints:
//   - GET    /health                        - Health check
//   - POST   /scan                          - Submit a new scan task
//   - GET    /scan                          - List scan tasks with filtering
//   - GET    /scan/:id                      - Get scan task status
//   - GET    /scan/:id/results              - Render scan results as NDJSON
//   - GET    /scan/:id/report               - Download the raw exported report
//   - GET    /scanners                      - Snapshot of every scanner instance
//   - GET    /pools                         - Capacity summary per pool
//   - GET    /pools/:name                   - One pool's capacity
//   - GET    /queue/:pool/status            - Queue and DLQ depth
//   - GET    /queue/:pool/dlq               - List dead-letter entries
//   - POST   /queue/:pool/dlq/:taskId/retry - Re-enqueue a dead-letter entry
//   - DELETE /queue/:pool/dlq               - Purge the pool's dead-letter queue
func (r *Router) registerRoutes(engine *gin.Engine) {
	api := engine.Group("/api/v1")
	{
		api.GET("/health", r.healthCheck)

		// Scan endpoints
		api.POST("/scan", r.scanHandler.CreateScan)
		api.GET("/scan", r.scanHandler.ListScans)
		api.GET("/scan/:id", r.scanHandler.GetScan)
		api.GET("/scan/:id/results", r.resultsHandler.GetResults)
		api.GET("/scan/:id/report", r.resultsHandler.DownloadReport)

		// Fleet and pool endpoints
		api.GET("/scanners", r.adminHandler.ListScanners)
		api.GET("/pools", r.adminHandler.ListPools)
		api.GET("/pools/:name", r.adminHandler.GetPoolStatus)

		// Queue and dead-letter endpoints
		api.GET("/queue/:pool/status", r.adminHandler.GetQueueStatus)
		api.GET("/queue/:pool/dlq", r.adminHandler.ListDeadLetters)
		api.POST("/queue/:pool/dlq/:taskId/retry", r.adminHandler.RetryDeadLetter)
		api.DELETE("/queue/:pool/dlq", r.adminHandler.PurgeDeadLetters)
	}
}

// healthCheck is a simple health check endpoint.
func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}
