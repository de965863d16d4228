// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package repository provides the durable storage layer for scan tasks.
package repository

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eafonin/nessus-orchestrator/internal/models"
)

// TaskStore defines the interface for task record storage. The task manager
// is the sole writer of the status field; everything else reads.
type TaskStore interface {
	// Create adds a new task record.
	Create(task *models.Task) error

	// GetByID retrieves a task by its unique identifier.
	// Returns nil if the task does not exist. Reads hand out copies;
	// changes become visible only through Update.
	GetByID(id string) (*models.Task, error)

	// List retrieves all task records.
	List() ([]*models.Task, error)

	// Update persists an existing task record.
	Update(task *models.Task) error

	// Delete removes a task record, its artifact, and its sidecar logs.
	Delete(id string) error

	// GetByState retrieves all tasks in the given state.
	GetByState(state models.TaskState) ([]*models.Task, error)

	// GetTerminalOlderThan retrieves terminal tasks in the given state whose
	// completion predates the cutoff. Used by the housekeeper.
	GetTerminalOlderThan(state models.TaskState, cutoff time.Time) ([]*models.Task, error)

	// SaveArtifact writes the raw exported report for a task, once.
	SaveArtifact(taskID string, data []byte) error

	// ReadArtifact returns the raw exported report for a task.
	ReadArtifact(taskID string) ([]byte, error)

	// AppendWorkerLog appends a line to the task's sidecar worker log.
	AppendWorkerLog(taskID, line string) error
}

// InMemoryTaskStore implements TaskStore with in-memory storage.
// Thread-safe for concurrent access. Used by tests.
type InMemoryTaskStore struct {
	tasks     map[string]*models.Task
	artifacts map[string][]byte
	logs      map[string][]string
	mu        sync.RWMutex
}

// NewInMemoryTaskStore creates a new in-memory task store.
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		tasks:     make(map[string]*models.Task),
		artifacts: make(map[string][]byte),
		logs:      make(map[string][]string),
	}
}

// cloneTask returns a shallow copy so readers never share a record with a
// writer mid-transition. Nested blocks are replaced wholesale on update,
// never mutated in place, so sharing them across copies is safe.
func cloneTask(task *models.Task) *models.Task {
	if task == nil {
		return nil
	}
	cp := *task
	return &cp
}

// Create adds a new task record.
func (r *InMemoryTaskStore) Create(task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}
	r.tasks[task.ID] = task
	return nil
}

// GetByID retrieves a task by id, nil if absent.
func (r *InMemoryTaskStore) GetByID(id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneTask(r.tasks[id]), nil
}

// List retrieves all task records sorted by creation time descending.
func (r *InMemoryTaskStore) List() ([]*models.Task, error) {
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
func (r *InMemoryTaskStore) Update(task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; !exists {
		return fmt.Errorf("task with ID %s does not exist", task.ID)
	}
	r.tasks[task.ID] = task
	return nil
}

// Delete removes a task and its artifacts.
func (r *InMemoryTaskStore) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[id]; !exists {
		return fmt.Errorf("task with ID %s does not exist", id)
	}
	delete(r.tasks, id)
	delete(r.artifacts, id)
	delete(r.logs, id)
	return nil
}

// GetByState retrieves all tasks in the given state.
func (r *InMemoryTaskStore) GetByState(state models.TaskState) ([]*models.Task, error) {
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
func (r *InMemoryTaskStore) GetTerminalOlderThan(state models.TaskState, cutoff time.Time) ([]*models.Task, error) {
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

// SaveArtifact stores the raw exported report for a task.
func (r *InMemoryTaskStore) SaveArtifact(taskID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[taskID] = data
	return nil
}

// ReadArtifact returns the raw exported report for a task.
func (r *InMemoryTaskStore) ReadArtifact(taskID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, ok := r.artifacts[taskID]
	if !ok {
		return nil, fmt.Errorf("no artifact for task %s", taskID)
	}
	return data, nil
}

// AppendWorkerLog appends a sidecar log line for a task.
func (r *InMemoryTaskStore) AppendWorkerLog(taskID, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[taskID] = append(r.logs[taskID], line)
	return nil
}
