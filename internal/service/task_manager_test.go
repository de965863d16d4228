// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"errors"
	"testing"

	"github.com/eafonin/nessus-orchestrator/internal/models"
	apperrors "github.com/eafonin/nessus-orchestrator/internal/pkg/errors"
	"github.com/eafonin/nessus-orchestrator/internal/repository"
)

// mockLogger implements logger.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Info(format string, args ...interface{})  {}
func (m *mockLogger) Error(format string, args ...interface{}) {}
func (m *mockLogger) Debug(format string, args ...interface{}) {}

func newTestManager() *TaskManager {
	return NewTaskManager(repository.NewInMemoryTaskStore(), &mockLogger{})
}

func queuedTask(id, pool string) *models.Task {
	return models.NewTask(id, "trace-"+id, pool, models.ScanTypeUntrusted, &models.ScanPayload{
		Targets: "10.0.0.0/24",
		Name:    "scan-" + id,
	})
}

func TestLifecycleHappyPath(t *testing.T) {
	m := newTestManager()
	task := queuedTask("t1", "default")

	if err := m.Create(task); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.MarkRunning("t1", "nessus-01"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if err := m.SetScannerScanID("t1", 42); err != nil {
		t.Fatalf("SetScannerScanID failed: %v", err)
	}
	if err := m.MarkCompleted("t1", &models.ValidationResult{IsValid: true}); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	got, err := m.Get("t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != models.TaskStateCompleted {
		t.Errorf("Expected completed, got %s", got.State)
	}
	if got.InstanceID != "nessus-01" || got.ScannerScanID != 42 {
		t.Errorf("Expected instance annotation, got %s/%d", got.InstanceID, got.ScannerScanID)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("Expected start and completion timestamps")
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	m := newTestManager()
	if err := m.Create(queuedTask("t1", "default")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// queued -> completed and queued -> timeout are not edges.
	if err := m.MarkCompleted("t1", nil); err == nil {
		t.Error("Expected queued -> completed to be rejected")
	}
	if err := m.MarkTimeout("t1"); err == nil {
		t.Error("Expected queued -> timeout to be rejected")
	}

	if err := m.MarkRunning("t1", "nessus-01"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if err := m.MarkFailed("t1", "boom", nil); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	// Terminal states accept nothing.
	if err := m.MarkRunning("t1", "nessus-02"); err == nil {
		t.Error("Expected failed -> running to be rejected")
	}

	got, _ := m.Get("t1")
	if got.ErrorMessage == "" {
		t.Error("Failed task must carry a non-empty error message")
	}
}

func TestGetUnknownTask(t *testing.T) {
	m := newTestManager()
	_, err := m.Get("nope")
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != "TASK_NOT_FOUND" {
		t.Errorf("Expected TASK_NOT_FOUND, got %v", err)
	}
}

func TestProgressTransient(t *testing.T) {
	m := newTestManager()
	if err := m.Create(queuedTask("t1", "default")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.MarkRunning("t1", "nessus-01"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	m.SetProgress("t1", 55)
	got, _ := m.Get("t1")
	if got.Progress != 55 {
		t.Errorf("Expected progress 55 while running, got %d", got.Progress)
	}

	if err := m.MarkCompleted("t1", nil); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	got, _ = m.Get("t1")
	if got.Progress != 0 {
		t.Errorf("Progress must be dropped at terminal transition, got %d", got.Progress)
	}
}

func TestFailOrphanedRunning(t *testing.T) {
	m := newTestManager()
	for _, id := range []string{"t1", "t2", "t3"} {
		if err := m.Create(queuedTask(id, "default")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if err := m.MarkRunning("t1", "nessus-01"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if err := m.MarkRunning("t2", "nessus-01"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	if err := m.FailOrphanedRunning(); err != nil {
		t.Fatalf("FailOrphanedRunning failed: %v", err)
	}

	for id, want := range map[string]models.TaskState{
		"t1": models.TaskStateFailed,
		"t2": models.TaskStateFailed,
		"t3": models.TaskStateQueued, // Queued tasks are untouched
	} {
		got, _ := m.Get(id)
		if got.State != want {
			t.Errorf("Task %s: expected %s, got %s", id, want, got.State)
		}
	}
}

func TestListFilters(t *testing.T) {
	m := newTestManager()

	dmz := queuedTask("t1", "dmz")
	dmz.Payload.Targets = "10.0.0.0/24"
	internal := queuedTask("t2", "internal")
	internal.Payload.Targets = "192.168.1.0/24"
	for _, task := range []*models.Task{dmz, internal} {
		if err := m.Create(task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if err := m.MarkRunning("t2", "nessus-01"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	tests := []struct {
		name string
		req  models.TaskListRequest
		want []string
	}{
		{"by pool", models.TaskListRequest{Pool: "dmz"}, []string{"t1"}},
		{"by status", models.TaskListRequest{Status: "running"}, []string{"t2"}},
		{"by target ip in cidr", models.TaskListRequest{Target: "192.168.1.77"}, []string{"t2"}},
		{"by target no match", models.TaskListRequest{Target: "172.16.0.1"}, nil},
		{"no filter", models.TaskListRequest{}, []string{"t1", "t2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.List(&tt.req)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d tasks, got %d", len(tt.want), len(got))
			}
			found := map[string]bool{}
			for _, task := range got {
				found[task.ID] = true
			}
			for _, id := range tt.want {
				if !found[id] {
					t.Errorf("Expected task %s in result", id)
				}
			}
		})
	}
}

func TestReplaceOnlyTerminal(t *testing.T) {
	m := newTestManager()
	if err := m.Create(queuedTask("t1", "default")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	fresh := queuedTask("t1", "default")
	if err := m.Replace(fresh); err == nil {
		t.Error("Expected replace of a queued task to be rejected")
	}

	if err := m.MarkRunning("t1", "nessus-01"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if err := m.MarkFailed("t1", "boom", nil); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	if err := m.Replace(fresh); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	got, _ := m.Get("t1")
	if got.State != models.TaskStateQueued {
		t.Errorf("Expected queued after replace, got %s", got.State)
	}
}
