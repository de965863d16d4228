// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

import "testing"

func TestTaskStateTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskState
		allowed  bool
	}{
		{TaskStateQueued, TaskStateRunning, true},
		{TaskStateQueued, TaskStateFailed, true},
		{TaskStateQueued, TaskStateCompleted, false},
		{TaskStateQueued, TaskStateTimeout, false},
		{TaskStateRunning, TaskStateCompleted, true},
		{TaskStateRunning, TaskStateFailed, true},
		{TaskStateRunning, TaskStateTimeout, true},
		{TaskStateRunning, TaskStateQueued, false},
		{TaskStateCompleted, TaskStateRunning, false},
		{TaskStateFailed, TaskStateQueued, false},
		{TaskStateTimeout, TaskStateRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestTaskStateIsTerminal(t *testing.T) {
	for state, want := range map[TaskState]bool{
		TaskStateQueued:    false,
		TaskStateRunning:   false,
		TaskStateCompleted: true,
		TaskStateFailed:    true,
		TaskStateTimeout:   true,
	} {
		if got := state.IsTerminal(); got != want {
			t.Errorf("IsTerminal(%s) = %v, want %v", state, got, want)
		}
	}
}

func TestTroubleshootingOnlyForFailedAuth(t *testing.T) {
	task := NewTask("t1", "trace", "default", ScanTypeAuthenticated, &ScanPayload{Targets: "10.0.0.1"})
	if hints := task.Troubleshooting(); hints != nil {
		t.Errorf("Expected no hints without validation, got %v", hints)
	}

	task.Validation = &ValidationResult{AuthenticationStatus: AuthStatusFailed}
	hints := task.Troubleshooting()
	if len(hints) == 0 {
		t.Fatal("Expected troubleshooting hints for failed authentication")
	}

	untrusted := NewTask("t2", "trace", "default", ScanTypeUntrusted, &ScanPayload{Targets: "10.0.0.1"})
	untrusted.Validation = &ValidationResult{AuthenticationStatus: AuthStatusFailed}
	if hints := untrusted.Troubleshooting(); hints != nil {
		t.Errorf("Expected no hints for untrusted scan, got %v", hints)
	}
}
