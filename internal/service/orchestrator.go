// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eafonin/nessus-orchestrator/internal/models"
	apperrors "github.com/eafonin/nessus-orchestrator/internal/pkg/errors"
	"github.com/eafonin/nessus-orchestrator/internal/pkg/logger"
	"github.com/eafonin/nessus-orchestrator/internal/pkg/validator"
	"github.com/eafonin/nessus-orchestrator/internal/queue"
	"github.com/eafonin/nessus-orchestrator/internal/registry"
	"github.com/eafonin/nessus-orchestrator/internal/results"
)

// DefaultPool is used when a submission names no pool.
const DefaultPool = "default"

// avgScanSeconds feeds the wait estimate on submission. Deliberately coarse;
// the estimate is a hint, not a promise.
const avgScanSeconds = 600

// Orchestrator is the API-facing service: it validates submissions, applies
// idempotency, enqueues tasks, and answers status, results, and admin reads.
type Orchestrator struct {
	tasks    *TaskManager
	queue    *queue.Queue
	idem     *queue.IdempotencyStore
	registry *registry.Registry
	vault    *CredentialVault
	pipeline *results.Pipeline
	logger   logger.Logger
}

// NewOrchestrator creates the orchestrator service. The vault is shared with
// the worker; it is the only place scan passwords live between submission and
// the backend create call.
func NewOrchestrator(tasks *TaskManager, q *queue.Queue, idem *queue.IdempotencyStore, reg *registry.Registry, vault *CredentialVault, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		tasks:    tasks,
		queue:    q,
		idem:     idem,
		registry: reg,
		vault:    vault,
		pipeline: results.NewPipeline(),
		logger:   log,
	}
}

// SubmitScan validates a scan request, applies idempotency when a key is
// present, persists the task, and enqueues it. The synchronous answer carries
// the task id and a queue position hint.
func (o *Orchestrator) SubmitScan(ctx context.Context, req *models.ScanRequest) (*models.SubmitResponse, error) {
	if err := o.validateRequest(req); err != nil {
		return nil, err
	}
	if req.Pool == "" {
		req.Pool = DefaultPool
	}
	if req.ScanType == "" {
		req.ScanType = string(models.ScanTypeUntrusted)
	}
	if !o.registry.HasPool(req.Pool) {
		return nil, apperrors.ErrPoolNotFound
	}
	if req.Instance != "" {
		cfg, err := o.registry.InstanceConfig(req.Pool, req.Instance)
		if err != nil {
			return nil, apperrors.NewInvalidInput(fmt.Sprintf("pool %s has no instance %s", req.Pool, req.Instance))
		}
		if !cfg.Enabled {
			return nil, apperrors.NewInvalidInput("instance is disabled: " + req.Instance)
		}
	}

	traceID := uuid.NewString()
	taskID := fmt.Sprintf("%s-%s", req.Pool, uuid.NewString())

	if req.IdempotencyKey != "" {
		outcome, boundID, err := o.idem.Reserve(ctx, req.IdempotencyKey, taskID, queue.Fingerprint(req))
		if err != nil {
			return nil, apperrors.WrapInternal(err, "idempotency reservation failed")
		}
		switch outcome {
		case queue.Existing:
			if _, gerr := o.tasks.Get(boundID); gerr == nil {
				o.logger.Info("[%s] Idempotent resubmission for key, returning task %s", traceID, boundID)
				return o.submitResponse(ctx, boundID, req.Pool, true)
			}
			// The bound task never materialized: an earlier submission
			// reserved the key and then failed before create or enqueue.
			// Rebind the key to this submission instead of answering with a
			// task id that resolves to nothing.
			o.releaseIdempotencyKey(ctx, req.IdempotencyKey, traceID)
			if _, _, err := o.idem.Reserve(ctx, req.IdempotencyKey, taskID, queue.Fingerprint(req)); err != nil {
				return nil, apperrors.WrapInternal(err, "idempotency reservation failed")
			}
		case queue.Conflict:
			return nil, apperrors.NewConflict("idempotency key is already bound to a different request")
		}
	}

	payload := &models.ScanPayload{
		Targets:       req.Targets,
		Name:          req.Name,
		Description:   req.Description,
		Username:      req.Username,
		AuthMethod:    req.AuthMethod,
		SchemaProfile: req.SchemaProfile,
		CustomFields:  req.CustomFields,
		Instance:      req.Instance,
	}
	task := models.NewTask(taskID, traceID, req.Pool, models.ScanType(req.ScanType), payload)
	if err := o.tasks.Create(task); err != nil {
		o.releaseIdempotencyKey(ctx, req.IdempotencyKey, traceID)
		return nil, err
	}
	if req.Password != "" {
		o.vault.Put(taskID, req.Password)
	}

	entry := &models.QueueEntry{
		TaskID:     taskID,
		Pool:       req.Pool,
		TraceID:    traceID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := o.queue.Enqueue(ctx, entry); err != nil {
		// The record exists but never reached the queue; fail it so the
		// client sees a consistent terminal state instead of a stuck task,
		// and free the key so a retry can start over.
		if ferr := o.tasks.MarkFailed(taskID, "failed to enqueue task", nil); ferr != nil {
			o.logger.Error("[%s] Failed to fail unenqueued task %s: %v", traceID, taskID, ferr)
		}
		o.releaseIdempotencyKey(ctx, req.IdempotencyKey, traceID)
		return nil, apperrors.WrapInternal(err, "failed to enqueue task")
	}

	resp, err := o.submitResponse(ctx, taskID, req.Pool, false)
	if err != nil {
		return nil, err
	}
	resp.InstanceHint = req.Instance
	return resp, nil
}

// releaseIdempotencyKey drops a reserved key after a failed submission so a
// retry with the same key can start fresh. Best effort; the TTL is the
// backstop.
func (o *Orchestrator) releaseIdempotencyKey(ctx context.Context, key, traceID string) {
	if key == "" {
		return
	}
	if err := o.idem.Release(ctx, key); err != nil {
		o.logger.Error("[%s] Failed to release idempotency key: %v", traceID, err)
	}
}

func (o *Orchestrator) submitResponse(ctx context.Context, taskID, pool string, reused bool) (*models.SubmitResponse, error) {
	depth, err := o.queue.Depth(ctx, pool)
	if err != nil {
		depth = 0
	}
	capacity, _, err := o.registry.PoolStatus(pool)
	if err != nil || capacity < 1 {
		capacity = 1
	}
	return &models.SubmitResponse{
		TaskID:          taskID,
		Pool:            pool,
		QueuePosition:   int(depth),
		EstimatedWaitS:  int(depth) * avgScanSeconds / capacity,
		IdempotentReuse: reused,
	}, nil
}

func (o *Orchestrator) validateRequest(req *models.ScanRequest) error {
	if err := validator.ValidateTargets(req.Targets); err != nil {
		return apperrors.WrapInvalidInput(err, err.Error())
	}
	if err := validator.ValidateScanName(req.Name); err != nil {
		return apperrors.WrapInvalidInput(err, err.Error())
	}
	if err := validator.ValidateDescription(req.Description); err != nil {
		return apperrors.WrapInvalidInput(err, err.Error())
	}
	if req.Pool != "" {
		if err := validator.ValidatePoolName(req.Pool); err != nil {
			return apperrors.WrapInvalidInput(err, err.Error())
		}
	}
	if req.ScanType != "" && !models.ScanType(req.ScanType).Valid() {
		return apperrors.NewInvalidInput("scanType must be untrusted, authenticated, or authenticated_privileged")
	}
	if models.ScanType(req.ScanType).IsAuthenticated() && (req.Username == "" || req.Password == "") {
		return apperrors.NewInvalidInput("authenticated scan types require username and password")
	}
	if err := validator.ValidateCredentials(req.Username, req.Password); err != nil {
		return apperrors.WrapInvalidInput(err, err.Error())
	}
	if err := validator.ValidateCustomFields(req.CustomFields); err != nil {
		return apperrors.WrapInvalidInput(err, err.Error())
	}
	if len(req.CustomFields) > 0 && req.SchemaProfile != "" && req.SchemaProfile != string(results.ProfileBrief) {
		return apperrors.NewInvalidInput("customFields cannot be combined with a named schema profile")
	}
	return nil
}

// GetTaskStatus returns the status view of one task, with troubleshooting
// hints when an authenticated scan's credentials did not work.
func (o *Orchestrator) GetTaskStatus(id string) (*models.TaskStatusResponse, error) {
	task, err := o.tasks.Get(id)
	if err != nil {
		return nil, err
	}

	resp := &models.TaskStatusResponse{
		TaskID:          task.ID,
		State:           task.State,
		Message:         task.Message,
		Pool:            task.Pool,
		InstanceID:      task.InstanceID,
		ScannerScanID:   task.ScannerScanID,
		CreatedAt:       task.CreatedAt,
		StartedAt:       task.StartedAt,
		CompletedAt:     task.CompletedAt,
		ErrorMessage:    task.ErrorMessage,
		Troubleshooting: task.Troubleshooting(),
	}
	if task.State == models.TaskStateRunning {
		progress := task.Progress
		resp.Progress = &progress
	}
	if task.Validation != nil {
		resp.AuthenticationStatus = task.Validation.AuthenticationStatus
		resp.Warnings = task.Validation.Warnings
		resp.Summary = task.Validation.Statistics
	}
	return resp, nil
}

// GetTaskResults renders the task's exported report through the results
// pipeline. Only completed tasks have results.
func (o *Orchestrator) GetTaskResults(id string, opts *results.Options) ([]byte, error) {
	task, err := o.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	if task.State != models.TaskStateCompleted {
		return nil, apperrors.NewConflict(fmt.Sprintf("task is %s; results exist only for completed tasks", task.State))
	}

	artifact, err := o.tasks.ReadArtifact(id)
	if err != nil {
		return nil, err
	}

	// Submission-time shaping is the default; explicit query options win.
	if opts.Profile == "" && len(opts.CustomFields) == 0 && task.Payload != nil {
		opts.Profile = task.Payload.SchemaProfile
		opts.CustomFields = task.Payload.CustomFields
	}
	return o.pipeline.Render(artifact, opts)
}

// GetRawReport returns the unprocessed exported artifact.
func (o *Orchestrator) GetRawReport(id string) ([]byte, error) {
	task, err := o.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	if task.State != models.TaskStateCompleted {
		return nil, apperrors.NewConflict(fmt.Sprintf("task is %s; the report exists only for completed tasks", task.State))
	}
	return o.tasks.ReadArtifact(id)
}

// ListTasks returns tasks matching the filter.
func (o *Orchestrator) ListTasks(req *models.TaskListRequest) (*models.TaskListResponse, error) {
	if req.Status != "" {
		switch models.TaskState(req.Status) {
		case models.TaskStateQueued, models.TaskStateRunning, models.TaskStateCompleted, models.TaskStateFailed, models.TaskStateTimeout:
		default:
			return nil, apperrors.NewInvalidInput("unknown status filter: " + req.Status)
		}
	}
	if req.Target != "" {
		if err := validator.ValidateTargets(req.Target); err != nil {
			return nil, apperrors.WrapInvalidInput(err, err.Error())
		}
	}
	tasks, err := o.tasks.List(req)
	if err != nil {
		return nil, err
	}
	return &models.TaskListResponse{Total: len(tasks), Tasks: tasks}, nil
}

// ListScanners returns a snapshot of every configured instance.
func (o *Orchestrator) ListScanners() []registry.InstanceView {
	return o.registry.Snapshot()
}

// ListPools returns capacity summaries for every pool.
func (o *Orchestrator) ListPools() []*models.PoolStatusResponse {
	pools := o.registry.Pools()
	out := make([]*models.PoolStatusResponse, 0, len(pools))
	for _, pool := range pools {
		status, err := o.GetPoolStatus(pool)
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	return out
}

// GetPoolStatus returns the capacity summary of one pool.
func (o *Orchestrator) GetPoolStatus(pool string) (*models.PoolStatusResponse, error) {
	capacity, active, err := o.registry.PoolStatus(pool)
	if err != nil {
		return nil, apperrors.ErrPoolNotFound
	}
	utilization := 0.0
	if capacity > 0 {
		utilization = float64(active) / float64(capacity)
	}
	return &models.PoolStatusResponse{
		Pool:        pool,
		Capacity:    capacity,
		Active:      active,
		Utilization: utilization,
	}, nil
}

// GetQueueStatus returns queue and DLQ depth for one pool with a head peek.
func (o *Orchestrator) GetQueueStatus(ctx context.Context, pool string) (*models.QueueStatusResponse, error) {
	if !o.registry.HasPool(pool) {
		return nil, apperrors.ErrPoolNotFound
	}
	depth, err := o.queue.Depth(ctx, pool)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "failed to read queue depth")
	}
	dlqDepth, err := o.queue.DLQDepth(ctx, pool)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "failed to read DLQ depth")
	}
	peek, err := o.queue.Peek(ctx, pool, 5)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "failed to peek queue")
	}
	return &models.QueueStatusResponse{
		Pool:     pool,
		Depth:    depth,
		DLQDepth: dlqDepth,
		NextPeek: peek,
	}, nil
}

// ListDeadLetters returns dead-letter entries for a pool.
func (o *Orchestrator) ListDeadLetters(ctx context.Context, pool string, limit int64) ([]*models.DeadLetterEntry, error) {
	if !o.registry.HasPool(pool) {
		return nil, apperrors.ErrPoolNotFound
	}
	entries, err := o.queue.DLQList(ctx, pool, limit)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "failed to list dead-letter entries")
	}
	return entries, nil
}

// RetryDeadLetter re-enqueues one dead-letter entry and resets its task to
// queued by recreating the record when it went terminal.
func (o *Orchestrator) RetryDeadLetter(ctx context.Context, pool, taskID string) error {
	if !o.registry.HasPool(pool) {
		return apperrors.ErrPoolNotFound
	}

	task, err := o.tasks.Get(taskID)
	if err != nil {
		return err
	}
	// A dead-lettered task is terminal; retrying means a fresh queued record
	// with the same identity and payload.
	if task.State.IsTerminal() {
		fresh := models.NewTask(task.ID, task.TraceID, task.Pool, task.Type, task.Payload)
		fresh.Message = "Task re-queued from dead-letter queue"
		if err := o.tasks.Replace(fresh); err != nil {
			return err
		}
	}

	if err := o.queue.DLQRetry(ctx, pool, taskID); err != nil {
		if errors.Is(err, queue.ErrDLQEntryNotFound) {
			return apperrors.WrapTaskNotFound(err)
		}
		return apperrors.WrapInternal(err, "failed to retry dead-letter entry")
	}
	o.logger.Info("[%s] Dead-letter entry for task %s re-enqueued", task.TraceID, taskID)
	return nil
}

// PurgeDeadLetters drops every dead-letter entry for a pool.
func (o *Orchestrator) PurgeDeadLetters(ctx context.Context, pool string) (int64, error) {
	if !o.registry.HasPool(pool) {
		return 0, apperrors.ErrPoolNotFound
	}
	count, err := o.queue.DLQPurge(ctx, pool)
	if err != nil {
		return 0, apperrors.WrapInternal(err, "failed to purge dead-letter queue")
	}
	o.logger.Info("Purged %d dead-letter entr(ies) for pool %s", count, pool)
	return count, nil
}
