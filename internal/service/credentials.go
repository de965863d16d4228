// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import "sync"

// CredentialVault holds scan credentials in memory between submission and the
// backend create call. Secrets never touch the task record, the queue, or the
// idempotency store; a process restart loses them, and the worker fails the
// affected authenticated tasks with an explicit resubmit hint.
type CredentialVault struct {
	mu      sync.Mutex
	secrets map[string]string
}

// NewCredentialVault creates an empty vault.
func NewCredentialVault() *CredentialVault {
	return &CredentialVault{secrets: make(map[string]string)}
}

// Put stores the secret for a task.
func (v *CredentialVault) Put(taskID, secret string) {
	v.mu.Lock()
	v.secrets[taskID] = secret
	v.mu.Unlock()
}

// Get returns the secret for a task without removing it; the entry must
// survive capacity re-enqueues.
func (v *CredentialVault) Get(taskID string) (string, bool) {
	v.mu.Lock()
	secret, ok := v.secrets[taskID]
	v.mu.Unlock()
	return secret, ok
}

// Drop removes the secret for a task. Called after the backend create call
// and on every terminal transition.
func (v *CredentialVault) Drop(taskID string) {
	v.mu.Lock()
	delete(v.secrets, taskID)
	v.mu.Unlock()
}
