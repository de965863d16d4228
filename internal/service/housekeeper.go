// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"time"

	"github.com/eafonin/nessus-orchestrator/internal/models"
	"github.com/eafonin/nessus-orchestrator/internal/pkg/logger"
	"github.com/eafonin/nessus-orchestrator/internal/repository"
	"github.com/eafonin/nessus-orchestrator/internal/types"
)

// housekeepInterval is how often the retention sweep runs.
const housekeepInterval = 1 * time.Hour

// Housekeeper deletes terminal task records and their artifacts once they age
// past the per-state retention window. Queued and running tasks are never
// touched.
type Housekeeper struct {
	store  repository.TaskStore
	cfg    types.RetentionConfig
	logger logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeeper creates a housekeeper. Zero retention values get defaults
// (completed 7 days, failed and timed out 30 days).
func NewHousekeeper(store repository.TaskStore, cfg types.RetentionConfig, log logger.Logger) *Housekeeper {
	if cfg.CompletedDays <= 0 {
		cfg.CompletedDays = 7
	}
	if cfg.FailedDays <= 0 {
		cfg.FailedDays = 30
	}
	if cfg.TimeoutDays <= 0 {
		cfg.TimeoutDays = 30
	}
	return &Housekeeper{
		store:  store,
		cfg:    cfg,
		logger: log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs one sweep immediately, then hourly.
func (h *Housekeeper) Start() {
	go func() {
		defer close(h.doneCh)

		h.sweep()
		ticker := time.NewTicker(housekeepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.sweep()
			}
		}
	}()
	h.logger.Info("Housekeeper started: completed %dd, failed %dd, timeout %dd",
		h.cfg.CompletedDays, h.cfg.FailedDays, h.cfg.TimeoutDays)
}

// Stop halts the sweep loop.
func (h *Housekeeper) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *Housekeeper) sweep() {
	total := 0
	total += h.sweepState(models.TaskStateCompleted, h.cfg.CompletedDays)
	total += h.sweepState(models.TaskStateFailed, h.cfg.FailedDays)
	total += h.sweepState(models.TaskStateTimeout, h.cfg.TimeoutDays)
	if total > 0 {
		h.logger.Info("Housekeeper removed %d expired task(s)", total)
	}
}

func (h *Housekeeper) sweepState(state models.TaskState, days int) int {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	tasks, err := h.store.GetTerminalOlderThan(state, cutoff)
	if err != nil {
		h.logger.Error("Housekeeper failed to list %s tasks: %v", state, err)
		return 0
	}

	removed := 0
	for _, task := range tasks {
		if err := h.store.Delete(task.ID); err != nil {
			h.logger.Error("[%s] Housekeeper failed to delete task %s: %v", task.TraceID, task.ID, err)
			continue
		}
		removed++
	}
	return removed
}
