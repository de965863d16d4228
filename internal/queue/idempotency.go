// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eafonin/nessus-orchestrator/internal/models"
)

// DefaultIdempotencyTTL bounds idempotency record growth.
const DefaultIdempotencyTTL = 48 * time.Hour

// ReserveOutcome is the result of an idempotency key reservation.
type ReserveOutcome int

const (
	// Inserted means the key was free and is now bound to the new task.
	Inserted ReserveOutcome = iota
	// Existing means the key is already bound to a task with an identical
	// request fingerprint; the stored task id should be returned.
	Existing
	// Conflict means the key is bound to a semantically different request.
	Conflict
)

// idempotencyRecord is the stored value for one key.
type idempotencyRecord struct {
	TaskID      string    `json:"taskId"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IdempotencyStore maps client-supplied keys to (task id, request
// fingerprint) with a bounded TTL. Reservation is an atomic
// insert-if-absent so two racing submissions cannot both create a task.
type IdempotencyStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewIdempotencyStore creates a store with the given TTL (default 48h).
func NewIdempotencyStore(rdb *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyStore{rdb: rdb, ttl: ttl}
}

func idemKey(key string) string { return fmt.Sprintf("%s:idem:%s", keyPrefix, key) }

// Fingerprint computes the deterministic hash of a scan request covering
// every field whose change makes two scans semantically distinct.
// Credentials contribute identity (username, method) but never the secret.
// Canonical form: JSON with sorted keys, absent optionals rendered as null.
func Fingerprint(req *models.ScanRequest) string {
	var credentials any
	if req.Username != "" {
		credentials = map[string]any{
			"username": req.Username,
			"method":   req.AuthMethod,
		}
	}
	var customFields any
	if len(req.CustomFields) > 0 {
		customFields = req.CustomFields
	}
	canonical := map[string]any{
		"targets":       req.Targets,
		"name":          req.Name,
		"description":   req.Description,
		"pool":          req.Pool,
		"scan_type":     req.ScanType,
		"profile":       req.SchemaProfile,
		"custom_fields": customFields,
		"instance":      req.Instance,
		"credentials":   credentials,
	}
	// encoding/json writes map keys in sorted order, booleans lowercased,
	// numbers verbatim, nil as null — exactly the canonical form.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reserve atomically binds the key to the task id if absent. If the key
// exists with the same fingerprint the stored task id is returned with
// Existing; a different fingerprint yields Conflict.
func (s *IdempotencyStore) Reserve(ctx context.Context, key, taskID, fingerprint string) (ReserveOutcome, string, error) {
	record := idempotencyRecord{
		TaskID:      taskID,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return Conflict, "", fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	inserted, err := s.rdb.SetNX(ctx, idemKey(key), data, s.ttl).Result()
	if err != nil {
		return Conflict, "", fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if inserted {
		return Inserted, taskID, nil
	}

	raw, err := s.rdb.Get(ctx, idemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; retry the insert once.
		inserted, err = s.rdb.SetNX(ctx, idemKey(key), data, s.ttl).Result()
		if err != nil {
			return Conflict, "", fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if inserted {
			return Inserted, taskID, nil
		}
		raw, err = s.rdb.Get(ctx, idemKey(key)).Result()
	}
	if err != nil {
		return Conflict, "", fmt.Errorf("failed to read idempotency record: %w", err)
	}

	var existing idempotencyRecord
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return Conflict, "", fmt.Errorf("failed to unmarshal idempotency record: %w", err)
	}
	if existing.Fingerprint == fingerprint {
		return Existing, existing.TaskID, nil
	}
	return Conflict, existing.TaskID, nil
}

// Release drops the binding for a key. Called when a submission fails after
// reserving, so a retry with the same key is not pointed at a task that never
// materialized.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, idemKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
