// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package models defines data structures for the scan orchestrator.
package models

import (
	"time"
)

// TaskState represents the current state of a scan task.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"    // Task in queue, waiting for a worker
	TaskStateRunning   TaskState = "running"   // Task is executing against a scanner instance
	TaskStateCompleted TaskState = "completed" // Scan finished and validated
	TaskStateFailed    TaskState = "failed"    // Scan failed with error
	TaskStateTimeout   TaskState = "timeout"   // Scan exceeded its absolute deadline
)

// IsTerminal reports whether the state is one of the terminal states.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateTimeout
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
//
//	queued  -> running, failed
//	running -> completed, failed, timeout
func (s TaskState) CanTransitionTo(next TaskState) bool {
	switch s {
	case TaskStateQueued:
		return next == TaskStateRunning || next == TaskStateFailed
	case TaskStateRunning:
		return next == TaskStateCompleted || next == TaskStateFailed || next == TaskStateTimeout
	default:
		return false
	}
}

// ScanType classifies the credential posture of a scan.
type ScanType string

const (
	ScanTypeUntrusted               ScanType = "untrusted"
	ScanTypeAuthenticated           ScanType = "authenticated"
	ScanTypeAuthenticatedPrivileged ScanType = "authenticated_privileged"
)

// IsAuthenticated reports whether the scan type expects working credentials.
func (t ScanType) IsAuthenticated() bool {
	return t == ScanTypeAuthenticated || t == ScanTypeAuthenticatedPrivileged
}

// Valid reports whether t is a recognized scan type.
func (t ScanType) Valid() bool {
	return t == ScanTypeUntrusted || t == ScanTypeAuthenticated || t == ScanTypeAuthenticatedPrivileged
}

// AuthenticationStatus is the derived credential outcome of a finished scan.
type AuthenticationStatus string

const (
	AuthStatusSuccess       AuthenticationStatus = "success"
	AuthStatusFailed        AuthenticationStatus = "failed"
	AuthStatusPartial       AuthenticationStatus = "partial"
	AuthStatusNotApplicable AuthenticationStatus = "not_applicable"
	AuthStatusUnknown       AuthenticationStatus = "unknown"
)

// ValidationResult is the validator's verdict on an exported report.
type ValidationResult struct {
	IsValid              bool                 `json:"isValid"`
	AuthenticationStatus AuthenticationStatus `json:"authenticationStatus"`
	Warnings             []string             `json:"warnings,omitempty"`
	Statistics           map[string]int       `json:"statistics,omitempty"`
}

// Task represents one scan intent and its progression through the lifecycle.
// Created and exclusively mutated through the task manager; credentials never
// appear here beyond the username recorded inside the payload's scan config.
type Task struct {
	ID      string   `json:"id"`      // Pool/instance-hinted unique identifier
	TraceID string   `json:"traceId"` // Propagated across all log lines of this task
	Pool    string   `json:"pool"`    // Owning pool name
	Type    ScanType `json:"scanType"`

	State   TaskState `json:"status"`
	Message string    `json:"message"` // Human-readable status message

	// Scan request payload, credentials stripped to username.
	Payload *ScanPayload `json:"payload"`

	// Assigned at dequeue, never before.
	InstanceID string `json:"instanceId,omitempty"`
	// Scanner-assigned scan id, set after create.
	ScannerScanID int `json:"scannerScanId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Populated only at terminal transitions out of running.
	Validation *ValidationResult `json:"validation,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`

	// Transient, meaningful only while running; not part of the durable record.
	Progress int `json:"-"`
}

// ScanPayload is the persisted portion of a scan request. The password is
// deliberately absent: it travels only in the in-memory request and in the
// adapter's configured identity.
type ScanPayload struct {
	Targets       string   `json:"targets"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Username      string   `json:"username,omitempty"`
	AuthMethod    string   `json:"authMethod,omitempty"`
	SchemaProfile string   `json:"schemaProfile,omitempty"`
	CustomFields  []string `json:"customFields,omitempty"`

	// Pinned instance id; empty means load-based selection at dequeue.
	Instance string `json:"instance,omitempty"`
}

// NewTask creates a task in the queued state.
func NewTask(id, traceID, pool string, scanType ScanType, payload *ScanPayload) *Task {
	return &Task{
		ID:        id,
		TraceID:   traceID,
		Pool:      pool,
		Type:      scanType,
		State:     TaskStateQueued,
		Message:   "Task created and queued",
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Troubleshooting returns concrete checks for an authenticated scan whose
// credential validation failed, empty otherwise.
func (t *Task) Troubleshooting() []string {
	if !t.Type.IsAuthenticated() || t.Validation == nil || t.Validation.AuthenticationStatus != AuthStatusFailed {
		return nil
	}
	return []string{
		"Verify the scan credentials (username/password) are correct and not expired",
		"Confirm the targets are reachable from the scanner instance (ping, port 22/445)",
		"Check that no firewall blocks the authentication ports between scanner and targets",
		"Ensure the account has sufficient permissions for credentialed checks (admin/root or equivalent)",
	}
}
