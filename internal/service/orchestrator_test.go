// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eafonin/nessus-orchestrator/internal/models"
	"github.com/eafonin/nessus-orchestrator/internal/queue"
	"github.com/eafonin/nessus-orchestrator/internal/registry"
	"github.com/eafonin/nessus-orchestrator/internal/repository"
	"github.com/eafonin/nessus-orchestrator/internal/types"
)

// failingCreateStore fails a set number of Create calls, then behaves
// normally.
type failingCreateStore struct {
	repository.TaskStore
	createFailures int
}

func (s *failingCreateStore) Create(task *models.Task) error {
	if s.createFailures > 0 {
		s.createFailures--
		return fmt.Errorf("store unavailable")
	}
	return s.TaskStore.Create(task)
}

type orchestratorFixture struct {
	orch    *Orchestrator
	manager *TaskManager
	idem    *queue.IdempotencyStore
}

func newOrchestratorFixture(t *testing.T, store repository.TaskStore) *orchestratorFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.New(rdb, 100*time.Millisecond)
	idem := queue.NewIdempotencyStore(rdb, time.Hour)

	reg := registry.New(types.BreakerConfig{FailureThreshold: 5, CooldownSeconds: 300, SuccessThreshold: 1}, &mockLogger{})
	if err := reg.Load(map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"nessus-01": {URL: "https://nessus-01:8834", MaxConcurrentScans: 5, Enabled: true},
			"nessus-02": {URL: "https://nessus-02:8834", MaxConcurrentScans: 5, Enabled: true},
		}},
	}); err != nil {
		t.Fatalf("Registry load failed: %v", err)
	}

	manager := NewTaskManager(store, &mockLogger{})
	orch := NewOrchestrator(manager, q, idem, reg, NewCredentialVault(), &mockLogger{})
	return &orchestratorFixture{orch: orch, manager: manager, idem: idem}
}

func submission() *models.ScanRequest {
	return &models.ScanRequest{
		Targets: "10.0.0.0/24",
		Name:    "weekly-scan",
	}
}

// A submission that fails after reserving its idempotency key must not leave
// the key bound to a task that never existed.
func TestSubmitScanReleasesKeyWhenCreateFails(t *testing.T) {
	store := &failingCreateStore{TaskStore: repository.NewInMemoryTaskStore(), createFailures: 1}
	f := newOrchestratorFixture(t, store)
	ctx := context.Background()

	req := submission()
	req.IdempotencyKey = "key-1"
	if _, err := f.orch.SubmitScan(ctx, req); err == nil {
		t.Fatal("Expected the first submission to fail")
	}

	retry := submission()
	retry.IdempotencyKey = "key-1"
	resp, err := f.orch.SubmitScan(ctx, retry)
	if err != nil {
		t.Fatalf("Retry after a failed submission must succeed: %v", err)
	}
	if resp.IdempotentReuse {
		t.Error("Retry after a failed submission must create a new task, not reuse one")
	}
	if _, err := f.manager.Get(resp.TaskID); err != nil {
		t.Errorf("The returned task id must resolve to an existing task: %v", err)
	}
}

// A key bound to a task id with no record behind it is rebound instead of
// answered with a phantom.
func TestSubmitScanRebindsKeyBoundToMissingTask(t *testing.T) {
	f := newOrchestratorFixture(t, repository.NewInMemoryTaskStore())
	ctx := context.Background()

	req := submission()
	req.Pool = "default"
	req.ScanType = string(models.ScanTypeUntrusted)
	req.IdempotencyKey = "key-1"

	outcome, _, err := f.idem.Reserve(ctx, "key-1", "ghost-task", queue.Fingerprint(req))
	if err != nil || outcome != queue.Inserted {
		t.Fatalf("Reserve failed: %v (%v)", outcome, err)
	}

	resp, err := f.orch.SubmitScan(ctx, req)
	if err != nil {
		t.Fatalf("SubmitScan failed: %v", err)
	}
	if resp.IdempotentReuse {
		t.Error("A stale binding must not be reported as an idempotent reuse")
	}
	if resp.TaskID == "ghost-task" {
		t.Error("The stale task id must not be returned")
	}
	if _, err := f.manager.Get(resp.TaskID); err != nil {
		t.Errorf("The returned task id must resolve to an existing task: %v", err)
	}
}

func TestSubmitScanPinnedInstance(t *testing.T) {
	f := newOrchestratorFixture(t, repository.NewInMemoryTaskStore())
	ctx := context.Background()

	req := submission()
	req.Instance = "nessus-02"
	resp, err := f.orch.SubmitScan(ctx, req)
	if err != nil {
		t.Fatalf("SubmitScan failed: %v", err)
	}
	if resp.InstanceHint != "nessus-02" {
		t.Errorf("Expected the pin echoed in the response, got %q", resp.InstanceHint)
	}
	task, err := f.manager.Get(resp.TaskID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.Payload.Instance != "nessus-02" {
		t.Errorf("Expected the pin recorded in the payload, got %q", task.Payload.Instance)
	}
}

func TestSubmitScanRejectsUnknownPinnedInstance(t *testing.T) {
	f := newOrchestratorFixture(t, repository.NewInMemoryTaskStore())

	req := submission()
	req.Instance = "nessus-99"
	if _, err := f.orch.SubmitScan(context.Background(), req); err == nil {
		t.Error("Expected a pin to an unknown instance to be rejected")
	}
}
