// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package service provides business logic for the scan orchestrator.
package service

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eafonin/nessus-orchestrator/internal/models"
	apperrors "github.com/eafonin/nessus-orchestrator/internal/pkg/errors"
	"github.com/eafonin/nessus-orchestrator/internal/pkg/logger"
	"github.com/eafonin/nessus-orchestrator/internal/repository"
)

// TaskManager is the single writer of task state. Every transition goes
// through it and is checked against the task state machine before it is
// persisted, so a crash can never leave a record with an impossible history.
type TaskManager struct {
	store  repository.TaskStore
	logger logger.Logger

	// Live progress per running task. Transient by design: progress is a
	// poll-time observation, not part of the durable record.
	mu       sync.RWMutex
	progress map[string]int
}

// NewTaskManager creates a task manager over the given store.
func NewTaskManager(store repository.TaskStore, log logger.Logger) *TaskManager {
	return &TaskManager{
		store:    store,
		logger:   log,
		progress: make(map[string]int),
	}
}

// Create persists a new task record in the queued state.
func (m *TaskManager) Create(task *models.Task) error {
	if task.State != models.TaskStateQueued {
		return apperrors.NewStateTransition(fmt.Sprintf("new task %s must start queued, got %s", task.ID, task.State))
	}
	if err := m.store.Create(task); err != nil {
		return apperrors.WrapInternal(err, "failed to persist task")
	}
	m.logger.Info("[%s] Task %s created (pool=%s, type=%s)", task.TraceID, task.ID, task.Pool, task.Type)
	return nil
}

// Get returns the task with live progress attached while running.
func (m *TaskManager) Get(id string) (*models.Task, error) {
	task, err := m.store.GetByID(id)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "failed to read task")
	}
	if task == nil {
		return nil, apperrors.ErrTaskNotFound
	}
	if task.State == models.TaskStateRunning {
		m.mu.RLock()
		task.Progress = m.progress[id]
		m.mu.RUnlock()
	} else {
		task.Progress = 0
	}
	return task, nil
}

// List returns tasks matching the filter, newest first.
func (m *TaskManager) List(req *models.TaskListRequest) ([]*models.Task, error) {
	tasks, err := m.store.List()
	if err != nil {
		return nil, apperrors.WrapInternal(err, "failed to list tasks")
	}

	out := make([]*models.Task, 0, len(tasks))
	for _, task := range tasks {
		if req.Status != "" && string(task.State) != req.Status {
			continue
		}
		if req.Pool != "" && task.Pool != req.Pool {
			continue
		}
		if req.Target != "" && !models.TargetsMatch(req.Target, task.Payload.Targets) {
			continue
		}
		out = append(out, task)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// Replace overwrites a terminal task record with a fresh queued one carrying
// the same identity. This is the administrative dead-letter retry path, the
// one sanctioned exit from a terminal state.
func (m *TaskManager) Replace(task *models.Task) error {
	existing, err := m.store.GetByID(task.ID)
	if err != nil {
		return apperrors.WrapInternal(err, "failed to read task")
	}
	if existing == nil {
		return apperrors.ErrTaskNotFound
	}
	if !existing.State.IsTerminal() {
		return apperrors.NewStateTransition(fmt.Sprintf("task %s is %s; only terminal tasks can be replaced", task.ID, existing.State))
	}
	if err := m.store.Update(task); err != nil {
		return apperrors.WrapInternal(err, "failed to replace task")
	}
	m.logger.Info("[%s] Task %s: %s -> %s (dead-letter retry)", task.TraceID, task.ID, existing.State, task.State)
	return nil
}

// MarkRunning moves a queued task to running and records the assigned
// instance. Called by the worker after capacity is reserved, never before.
func (m *TaskManager) MarkRunning(id, instanceID string) error {
	return m.transition(id, models.TaskStateRunning, func(task *models.Task) {
		now := time.Now().UTC()
		task.StartedAt = &now
		task.InstanceID = instanceID
		task.Message = "Scan running on instance " + instanceID
	})
}

// SetScannerScanID records the backend-assigned scan id after create.
func (m *TaskManager) SetScannerScanID(id string, scanID int) error {
	task, err := m.Get(id)
	if err != nil {
		return err
	}
	task.ScannerScanID = scanID
	if err := m.store.Update(task); err != nil {
		return apperrors.WrapInternal(err, "failed to update task")
	}
	return nil
}

// SetProgress records a poll-time progress observation for a running task.
func (m *TaskManager) SetProgress(id string, progress int) {
	m.mu.Lock()
	m.progress[id] = progress
	m.mu.Unlock()
}

// MarkCompleted moves a running task to completed with its validation block.
func (m *TaskManager) MarkCompleted(id string, validation *models.ValidationResult) error {
	return m.transition(id, models.TaskStateCompleted, func(task *models.Task) {
		now := time.Now().UTC()
		task.CompletedAt = &now
		task.Validation = validation
		task.Message = "Scan completed"
		if validation != nil && len(validation.Warnings) > 0 {
			task.Message = "Scan completed with warnings"
		}
	})
}

// MarkFailed moves a queued or running task to failed. Validation is attached
// when the failure verdict came from the result validator.
func (m *TaskManager) MarkFailed(id, reason string, validation *models.ValidationResult) error {
	return m.transition(id, models.TaskStateFailed, func(task *models.Task) {
		now := time.Now().UTC()
		task.CompletedAt = &now
		task.Validation = validation
		task.ErrorMessage = reason
		task.Message = "Scan failed"
	})
}

// MarkTimeout moves a running task to timeout after its absolute deadline.
func (m *TaskManager) MarkTimeout(id string) error {
	return m.transition(id, models.TaskStateTimeout, func(task *models.Task) {
		now := time.Now().UTC()
		task.CompletedAt = &now
		task.ErrorMessage = "scan exceeded its absolute deadline"
		task.Message = "Scan timed out"
	})
}

// FailOrphanedRunning marks every running task as failed. Called once on
// startup: a task that was running when the previous process died has no
// worker goroutine anymore and would otherwise stay running forever.
func (m *TaskManager) FailOrphanedRunning() error {
	tasks, err := m.store.GetByState(models.TaskStateRunning)
	if err != nil {
		return apperrors.WrapInternal(err, "failed to scan for orphaned tasks")
	}
	for _, task := range tasks {
		if err := m.MarkFailed(task.ID, "orchestrator restarted while the scan was running", nil); err != nil {
			m.logger.Error("[%s] Failed to mark orphaned task %s as failed: %v", task.TraceID, task.ID, err)
			continue
		}
		m.logger.Info("[%s] Marked orphaned running task %s as failed", task.TraceID, task.ID)
	}
	if len(tasks) > 0 {
		m.logger.Info("Recovered %d orphaned running task(s) on startup", len(tasks))
	}
	return nil
}

// AppendLog appends a line to the task's sidecar worker log. Best effort;
// the scan outcome never depends on the log write.
func (m *TaskManager) AppendLog(id, traceID, format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s", traceID, fmt.Sprintf(format, args...))
	if err := m.store.AppendWorkerLog(id, line); err != nil {
		m.logger.Error("[%s] Failed to append worker log for task %s: %v", traceID, id, err)
	}
}

// SaveArtifact persists the exported report for a task.
func (m *TaskManager) SaveArtifact(id string, data []byte) error {
	if err := m.store.SaveArtifact(id, data); err != nil {
		return apperrors.WrapInternal(err, "failed to save scan artifact")
	}
	return nil
}

// ReadArtifact returns the exported report for a completed task.
func (m *TaskManager) ReadArtifact(id string) ([]byte, error) {
	data, err := m.store.ReadArtifact(id)
	if err != nil {
		return nil, apperrors.WrapTaskNotFound(err)
	}
	return data, nil
}

// transition applies a guarded state change and persists the result.
func (m *TaskManager) transition(id string, next models.TaskState, apply func(*models.Task)) error {
	task, err := m.store.GetByID(id)
	if err != nil {
		return apperrors.WrapInternal(err, "failed to read task")
	}
	if task == nil {
		return apperrors.ErrTaskNotFound
	}
	if !task.State.CanTransitionTo(next) {
		return apperrors.NewStateTransition(fmt.Sprintf("task %s cannot move from %s to %s", id, task.State, next))
	}

	prev := task.State
	task.State = next
	apply(task)

	if err := m.store.Update(task); err != nil {
		return apperrors.WrapInternal(err, "failed to persist task transition")
	}

	if next.IsTerminal() {
		m.mu.Lock()
		delete(m.progress, id)
		m.mu.Unlock()
	}

	m.logger.Info("[%s] Task %s: %s -> %s%s", task.TraceID, id, prev, next, transitionDetail(task))
	return nil
}

func transitionDetail(task *models.Task) string {
	var parts []string
	if task.InstanceID != "" {
		parts = append(parts, "instance="+task.InstanceID)
	}
	if task.ErrorMessage != "" {
		parts = append(parts, "error="+task.ErrorMessage)
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
