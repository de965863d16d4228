// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

import "time"

// ScanRequest represents the request body for submitting a scan.
type ScanRequest struct {
	Targets     string `json:"targets" binding:"required"` // Comma-separated IPs, ranges, CIDRs, hostnames
	Name        string `json:"name" binding:"required"`    // Scan name
	Description string `json:"description"`                // Optional description
	Pool        string `json:"pool"`                       // Target pool (default: "default")
	ScanType    string `json:"scanType"`                   // untrusted | authenticated | authenticated_privileged

	// Optional credentials for authenticated scan types. The password never
	// reaches the persisted task record, logs, or the idempotency fingerprint.
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	AuthMethod string `json:"authMethod,omitempty"` // e.g. "ssh", "smb"

	// Result shaping. A non-default named profile and customFields together
	// is a request error.
	SchemaProfile string   `json:"schemaProfile,omitempty"`
	CustomFields  []string `json:"customFields,omitempty"`

	// Optional instance pinning hint; normally selection is load-based.
	Instance string `json:"instance,omitempty"`

	// Client-supplied key for at-most-once submission semantics.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// SubmitResponse is the synchronous answer to a scan submission.
type SubmitResponse struct {
	TaskID          string `json:"taskId"`
	Pool            string `json:"pool"`
	InstanceHint    string `json:"instanceHint,omitempty"`
	QueuePosition   int    `json:"queuePosition"`
	EstimatedWaitS  int    `json:"estimatedWaitSeconds"`
	IdempotentReuse bool   `json:"idempotent,omitempty"` // True when an existing task was returned
}

// TaskStatusResponse is the answer to a status read.
type TaskStatusResponse struct {
	TaskID               string               `json:"taskId"`
	State                TaskState            `json:"status"`
	Message              string               `json:"message,omitempty"`
	Progress             *int                 `json:"progress,omitempty"` // Only while running
	Pool                 string               `json:"pool"`
	InstanceID           string               `json:"instanceId,omitempty"`
	ScannerScanID        int                  `json:"scannerScanId,omitempty"`
	CreatedAt            time.Time            `json:"createdAt"`
	StartedAt            *time.Time           `json:"startedAt,omitempty"`
	CompletedAt          *time.Time           `json:"completedAt,omitempty"`
	AuthenticationStatus AuthenticationStatus `json:"authenticationStatus,omitempty"`
	Warnings             []string             `json:"warnings,omitempty"`
	Summary              map[string]int       `json:"summary,omitempty"`
	ErrorMessage         string               `json:"errorMessage,omitempty"`
	Troubleshooting      []string             `json:"troubleshooting,omitempty"`
}

// TaskListRequest represents query parameters for listing tasks.
type TaskListRequest struct {
	Status string `form:"status"` // Filter by task state (optional)
	Pool   string `form:"pool"`   // Filter by pool (optional)
	Target string `form:"target"` // CIDR-aware target containment filter (optional)
	Limit  int    `form:"limit,default=50"`
}

// TaskListResponse represents the response for task list queries.
type TaskListResponse struct {
	Total int     `json:"total"`
	Tasks []*Task `json:"tasks"`
}

// PoolStatusResponse summarizes one pool's capacity.
type PoolStatusResponse struct {
	Pool        string  `json:"pool"`
	Capacity    int     `json:"capacity"`
	Active      int     `json:"active"`
	Utilization float64 `json:"utilization"`
}

// QueueStatusResponse summarizes one pool's queue.
type QueueStatusResponse struct {
	Pool     string        `json:"pool"`
	Depth    int64         `json:"depth"`
	DLQDepth int64         `json:"dlqDepth"`
	NextPeek []*QueueEntry `json:"nextPeek,omitempty"`
}
