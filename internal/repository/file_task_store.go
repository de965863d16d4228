// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/eafonin/nessus-orchestrator/internal/models"
)

const (
	taskRecordFile = "task.json"
	artifactFile   = "report.nessus"
	workerLogFile  = "worker.log"
)

// FileTaskStore implements TaskStore with per-task directories on disk:
//
//	<baseDir>/tasks/<taskID>/task.json      task record
//	<baseDir>/tasks/<taskID>/report.nessus  raw exported artifact
//	<baseDir>/tasks/<taskID>/worker.log     worker sidecar log
//
// Record writes are serialized per task; reads come from the in-memory
// cache and tolerate a partially written sidecar.
type FileTaskStore struct {
	baseDir string
	tasks   map[string]*models.Task
	mu      sync.RWMutex
}

// NewFileTaskStore creates a file-backed task store and loads existing
// records from disk.
func NewFileTaskStore(baseDir string) (*FileTaskStore, error) {
	store := &FileTaskStore{
		baseDir: baseDir,
		tasks:   make(map[string]*models.Task),
	}
	if err := store.loadTasks(); err != nil {
		return nil, fmt.Errorf("failed to load existing tasks: %w", err)
	}
	return store, nil
}

func (r *FileTaskStore) taskDir(taskID string) string {
	return filepath.Join(r.baseDir, "tasks", taskID)
}

// loadTasks loads all task records from disk into the memory cache.
func (r *FileTaskStore) loadTasks() error {
	tasksDir := filepath.Join(r.baseDir, "tasks")
	if _, err := os.Stat(tasksDir); os.IsNotExist(err) {
		return nil
	}

	dirs, err := os.ReadDir(tasksDir)
	if err != nil {
		return fmt.Errorf("failed to read tasks directory: %w", err)
	}

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(tasksDir, dir.Name(), taskRecordFile))
		if err != nil {
			// Partially written or foreign directory; skip it.
			continue
		}
		var task models.Task
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		r.tasks[task.ID] = &task
	}
	return nil
}

// saveTaskRecord writes the task record via a temp file + rename so readers
// never observe a torn record.
func (r *FileTaskStore) saveTaskRecord(task *models.Task) error {
	dir := r.taskDir(task.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	tmp := filepath.Join(dir, taskRecordFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write task record: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, taskRecordFile)); err != nil {
		return fmt.Errorf("failed to publish task record: %w", err)
	}
	return nil
}

// Create adds a new task record.
func (r *FileTaskStore) Create(task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}
	if err := r.saveTaskRecord(task); err != nil {
		return err
	}
	r.tasks[task.ID] = task
	return nil
}

// GetByID retrieves a task by id, nil if absent.
func (r *FileTaskStore) GetByID(id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneTask(r.tasks[id]), nil
}

// List retrieves all task records sorted by creation time descending.
func (r *FileTaskStore) List() ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Update persists an existing task record.
func (r *FileTaskStore) Update(task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; !exists {
		return fmt.Errorf("task with ID %s does not exist", task.ID)
	}
	if err := r.saveTaskRecord(task); err != nil {
		return err
	}
	r.tasks[task.ID] = task
	return nil
}

// Delete removes the task directory (record, artifact, sidecar logs).
func (r *FileTaskStore) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[id]; !exists {
		return fmt.Errorf("task with ID %s does not exist", id)
	}
	if err := os.RemoveAll(r.taskDir(id)); err != nil {
		return fmt.Errorf("failed to delete task directory: %w", err)
	}
	delete(r.tasks, id)
	return nil
}

// GetByState retrieves all tasks in the given state.
func (r *FileTaskStore) GetByState(state models.TaskState) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Task
	for _, task := range r.tasks {
		if task.State == state {
			out = append(out, cloneTask(task))
		}
	}
	return out, nil
}

// GetTerminalOlderThan retrieves terminal tasks completed before cutoff.
func (r *FileTaskStore) GetTerminalOlderThan(state models.TaskState, cutoff time.Time) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Task
	for _, task := range r.tasks {
		if task.State == state && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			out = append(out, cloneTask(task))
		}
	}
	return out, nil
}

// SaveArtifact writes the raw exported report for a task. The artifact is
// written once on completion and never mutated.
func (r *FileTaskStore) SaveArtifact(taskID string, data []byte) error {
	dir := r.taskDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, artifactFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

// ReadArtifact returns the raw exported report for a task.
func (r *FileTaskStore) ReadArtifact(taskID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(r.taskDir(taskID), artifactFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact for task %s: %w", taskID, err)
	}
	return data, nil
}

// AppendWorkerLog appends a line to the task's sidecar worker log. Sidecar
// writes are best-effort; readers tolerate a partially written file.
func (r *FileTaskStore) AppendWorkerLog(taskID, line string) error {
	dir := r.taskDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, workerLogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open worker log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), line); err != nil {
		return fmt.Errorf("failed to append worker log: %w", err)
	}
	return nil
}
