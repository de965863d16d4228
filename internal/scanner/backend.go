// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package scanner defines the backend adapter contract the worker drives and
// the Nessus implementation of it.
package scanner

import (
	"context"
	"errors"
	"fmt"

	"github.com/eafonin/nessus-orchestrator/internal/models"
	"github.com/eafonin/nessus-orchestrator/internal/types"
)

// CreateRequest is the backend-agnostic scan creation payload. Credentials
// are generated just in time for the create call and dropped afterwards.
type CreateRequest struct {
	Name        string
	Description string
	Targets     string
	ScanType    models.ScanType
	Username    string
	Password    string
	AuthMethod  string
}

// StatusInfo is one poll observation from the backend.
type StatusInfo struct {
	Status   string // Backend-specific status string
	Progress int    // 0-100, best effort
}

// ScannerBackend is the opaque adapter driving one scan against one backend
// instance. The adapter owns its transport session; every operation may fail
// with a retryable or fatal error (see IsRetryable).
type ScannerBackend interface {
	// Authenticate establishes the transport session. Idempotent.
	Authenticate(ctx context.Context) error

	// Create registers a scan and returns the scanner-assigned scan id.
	Create(ctx context.Context, req *CreateRequest) (int, error)

	// Launch starts the scan and returns the launch UUID.
	Launch(ctx context.Context, scanID int) (string, error)

	// Status reports the backend's view of the scan.
	Status(ctx context.Context, scanID int) (*StatusInfo, error)

	// Export downloads the scan report in the given format.
	Export(ctx context.Context, scanID int, format string) ([]byte, error)

	// Stop halts a running scan. Best-effort; a 409 counts as success.
	Stop(ctx context.Context, scanID int) error

	// Delete removes the scan from the backend. Optional cleanup.
	Delete(ctx context.Context, scanID int) error

	// Close releases the transport session.
	Close() error
}

// BackendFactory builds an adapter for one configured instance. The worker
// calls it at dequeue time with the instance selected by the registry.
type BackendFactory func(cfg types.InstanceConfig) ScannerBackend

// retryableError marks an error worth retrying with backoff (network
// timeouts, 5xx responses, store hiccups).
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps an error as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Retryablef formats a transient error.
func Retryablef(format string, args ...interface{}) error {
	return &retryableError{err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether an error was marked transient.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// CoreStatus is the worker's view of a backend scan state.
type CoreStatus int

const (
	CoreStatusQueued    CoreStatus = iota // Backend still starting the scan
	CoreStatusRunning                     // Scan in progress
	CoreStatusCompleted                   // Scan finished; exit poll
	CoreStatusFailed                      // Scan canceled/stopped/aborted; exit poll
	CoreStatusUnknown                     // Unrecognized backend status
)

// MapBackendStatus maps a backend-specific status string to the core status.
func MapBackendStatus(status string) CoreStatus {
	switch status {
	case "pending", "empty":
		return CoreStatusQueued
	case "running", "paused":
		return CoreStatusRunning
	case "completed":
		return CoreStatusCompleted
	case "canceled", "cancelled", "stopped", "aborted":
		return CoreStatusFailed
	default:
		return CoreStatusUnknown
	}
}
