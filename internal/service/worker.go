// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eafonin/nessus-orchestrator/internal/models"
	"github.com/eafonin/nessus-orchestrator/internal/pkg/logger"
	"github.com/eafonin/nessus-orchestrator/internal/queue"
	"github.com/eafonin/nessus-orchestrator/internal/registry"
	"github.com/eafonin/nessus-orchestrator/internal/results"
	"github.com/eafonin/nessus-orchestrator/internal/scanner"
	"github.com/eafonin/nessus-orchestrator/internal/types"
)

const (
	// requeueDelay paces capacity and breaker re-enqueues so a saturated pool
	// does not spin the dispatch loop.
	requeueDelay = 5 * time.Second

	// maxSelectAttempts bounds the select/reserve race retry before the entry
	// goes back to the queue tail.
	maxSelectAttempts = 3

	// maxPollFailures is the consecutive status poll failure budget before the
	// scan is declared lost.
	maxPollFailures = 5

	// stepRetryElapsed bounds transient retries of one adapter step.
	stepRetryElapsed = 2 * time.Minute

	exportFormat = "nessus"
)

// Worker dequeues tasks from its subscribed pools and drives each scan
// through the backend adapter lifecycle. A shared semaphore caps in-flight
// scans across all pools; per-pool dispatch goroutines block on the queue.
type Worker struct {
	queue     *queue.Queue
	registry  *registry.Registry
	tasks     *TaskManager
	validator *results.Validator
	factory   scanner.BackendFactory
	vault     *CredentialVault
	cfg       types.WorkerConfig
	logger    logger.Logger

	slots  chan struct{} // Shared in-flight scan cap
	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker. Subscriptions and concurrency come from cfg;
// zero values get defaults (5 in-flight, 30s poll, 24h deadline).
func NewWorker(q *queue.Queue, reg *registry.Registry, tasks *TaskManager, factory scanner.BackendFactory, vault *CredentialVault, cfg types.WorkerConfig, log logger.Logger) *Worker {
	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = 5
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 30
	}
	if cfg.ScanDeadlineSeconds <= 0 {
		cfg.ScanDeadlineSeconds = 86400
	}
	return &Worker{
		queue:     q,
		registry:  reg,
		tasks:     tasks,
		validator: results.NewValidator(),
		factory:   factory,
		vault:     vault,
		cfg:       cfg,
		logger:    log,
		slots:     make(chan struct{}, cfg.MaxConcurrentScans),
		stopCh:    make(chan struct{}),
	}
}

// Start recovers orphaned tasks and launches one dispatch goroutine per
// subscribed pool.
func (w *Worker) Start() error {
	if err := w.tasks.FailOrphanedRunning(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	for _, pool := range w.cfg.Subscriptions {
		w.wg.Add(1)
		go w.dispatch(ctx, pool)
	}
	w.logger.Info("Worker started: %d pool(s), %d max in-flight scans", len(w.cfg.Subscriptions), w.cfg.MaxConcurrentScans)
	return nil
}

// Stop halts dispatching and waits for in-flight scans to finish or park.
// In-flight backend scans keep running server-side; on the next start they
// are recovered as failed by the orphan sweep.
func (w *Worker) Stop() {
	close(w.stopCh)
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// dispatch is the per-pool loop: acquire a slot first, then block on the
// queue. Acquiring before dequeuing means an entry is never popped without a
// slot to run it in.
func (w *Worker) dispatch(ctx context.Context, pool string) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case w.slots <- struct{}{}:
		}

		entry, err := w.queue.Dequeue(ctx, pool)
		if err != nil {
			<-w.slots
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Dequeue from pool %s failed: %v", pool, err)
			w.pause(requeueDelay)
			continue
		}
		if entry == nil {
			<-w.slots
			continue
		}

		w.wg.Add(1)
		go func(entry *models.QueueEntry) {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			w.run(ctx, entry)
		}(entry)
	}
}

// run drives one dequeued entry to a terminal state or back to the queue.
func (w *Worker) run(ctx context.Context, entry *models.QueueEntry) {
	task, err := w.tasks.Get(entry.TaskID)
	if err != nil {
		w.logger.Error("[%s] Dequeued entry for unknown task %s, dropping: %v", entry.TraceID, entry.TaskID, err)
		return
	}
	if task.State != models.TaskStateQueued {
		w.logger.Error("[%s] Dequeued task %s in state %s, dropping", entry.TraceID, entry.TaskID, task.State)
		return
	}

	// Placement before commitment: the task stays queued until an instance is
	// reserved and its breaker admits the scan.
	pinned := ""
	if task.Payload != nil {
		pinned = task.Payload.Instance
	}
	instanceID, done, ok := w.place(ctx, entry, pinned)
	if !ok {
		return
	}
	defer w.registry.Release(entry.Pool, instanceID)

	if err := w.tasks.MarkRunning(entry.TaskID, instanceID); err != nil {
		w.logger.Error("[%s] Failed to mark task %s running: %v", entry.TraceID, entry.TaskID, err)
		// The task is still queued; put the entry back so it is not stranded
		// with no queue entry and no DLQ record.
		done(true)
		w.requeue(ctx, entry, "could not persist the running transition")
		return
	}

	cfg, err := w.registry.InstanceConfig(entry.Pool, instanceID)
	if err != nil {
		w.failTask(ctx, entry, nil, "instance disappeared during reload: "+err.Error())
		done(false)
		return
	}

	backend := w.factory(cfg)
	defer backend.Close()

	w.execute(ctx, entry, task, backend, done)
}

// place selects, reserves, and breaker-admits an instance. On capacity or
// breaker exhaustion the entry goes back to the queue tail, paced, and the
// task remains queued.
func (w *Worker) place(ctx context.Context, entry *models.QueueEntry, pinned string) (string, func(success bool), bool) {
	if pinned != "" {
		return w.placePinned(ctx, entry, pinned)
	}
	for attempt := 0; attempt < maxSelectAttempts; attempt++ {
		instanceID, err := w.registry.Select(entry.Pool)
		if errors.Is(err, registry.ErrUnknownPool) {
			w.failTask(ctx, entry, nil, "pool removed from configuration: "+entry.Pool)
			return "", nil, false
		}
		if errors.Is(err, registry.ErrNoCapacity) {
			w.requeue(ctx, entry, "no instance with free capacity")
			return "", nil, false
		}
		if err != nil {
			w.requeue(ctx, entry, err.Error())
			return "", nil, false
		}

		if err := w.registry.Reserve(entry.Pool, instanceID); err != nil {
			// Lost the reservation race; another worker took the slot.
			continue
		}

		done, err := w.registry.Allow(entry.Pool, instanceID)
		if err != nil {
			w.registry.Release(entry.Pool, instanceID)
			continue
		}
		return instanceID, done, true
	}
	w.requeue(ctx, entry, "lost instance reservation races")
	return "", nil, false
}

// placePinned reserves exactly the requested instance. A pinned submission
// never falls back to load-based selection: a busy or breaker-open instance
// re-enqueues the entry, a vanished or disabled one fails the task.
func (w *Worker) placePinned(ctx context.Context, entry *models.QueueEntry, pinned string) (string, func(success bool), bool) {
	cfg, err := w.registry.InstanceConfig(entry.Pool, pinned)
	if err != nil {
		w.failTask(ctx, entry, nil, "pinned instance no longer exists: "+pinned)
		return "", nil, false
	}
	if !cfg.Enabled {
		w.failTask(ctx, entry, nil, "pinned instance is disabled: "+pinned)
		return "", nil, false
	}

	if err := w.registry.Reserve(entry.Pool, pinned); err != nil {
		w.requeue(ctx, entry, "pinned instance at capacity")
		return "", nil, false
	}
	done, err := w.registry.Allow(entry.Pool, pinned)
	if err != nil {
		w.registry.Release(entry.Pool, pinned)
		w.requeue(ctx, entry, "pinned instance breaker open")
		return "", nil, false
	}
	return pinned, done, true
}

// execute runs the adapter lifecycle for a task already marked running.
func (w *Worker) execute(ctx context.Context, entry *models.QueueEntry, task *models.Task, backend scanner.ScannerBackend, done func(bool)) {
	taskID, traceID := entry.TaskID, entry.TraceID
	w.tasks.AppendLog(taskID, traceID, "scan dispatched to instance %s", task.InstanceID)

	if err := w.retryStep(ctx, func() error { return backend.Authenticate(ctx) }); err != nil {
		w.failTask(ctx, entry, nil, "scanner authentication failed: "+err.Error())
		done(false)
		return
	}

	password, hasPassword := w.vault.Get(entry.TaskID)
	if task.Type.IsAuthenticated() && !hasPassword {
		w.failTask(ctx, entry, nil, "scan credentials are no longer available in memory; resubmit the scan")
		done(true)
		return
	}

	var scanID int
	createReq := &scanner.CreateRequest{
		Name:        task.Payload.Name,
		Description: task.Payload.Description,
		Targets:     task.Payload.Targets,
		ScanType:    task.Type,
		Username:    task.Payload.Username,
		Password:    password,
		AuthMethod:  task.Payload.AuthMethod,
	}
	err := w.retryStep(ctx, func() error {
		id, err := backend.Create(ctx, createReq)
		if err == nil {
			scanID = id
		}
		return err
	})
	createReq.Password = ""
	w.vault.Drop(entry.TaskID)
	if err != nil {
		w.failTask(ctx, entry, nil, "scan creation failed: "+err.Error())
		done(false)
		return
	}
	if err := w.tasks.SetScannerScanID(taskID, scanID); err != nil {
		w.logger.Error("[%s] Failed to record scanner scan id for task %s: %v", traceID, taskID, err)
	}
	w.tasks.AppendLog(taskID, traceID, "scan created on backend, scan id %d", scanID)

	if err := w.retryStep(ctx, func() error {
		_, err := backend.Launch(ctx, scanID)
		return err
	}); err != nil {
		w.failTask(ctx, entry, nil, "scan launch failed: "+err.Error())
		done(false)
		return
	}
	w.tasks.AppendLog(taskID, traceID, "scan launched")

	outcome := w.poll(ctx, entry, scanID, backend)
	switch outcome {
	case pollCompleted:
		// Continue to export below.
	case pollTimeout:
		w.stopBackendScan(backend, scanID, taskID, traceID)
		if err := w.tasks.MarkTimeout(taskID); err != nil {
			w.logger.Error("[%s] Failed to mark task %s timed out: %v", traceID, taskID, err)
		}
		w.deadLetter(ctx, entry, "scan exceeded its absolute deadline")
		// The backend answered every poll; the deadline is a scan property,
		// not an instance fault.
		done(true)
		return
	case pollScanFailed:
		w.failTask(ctx, entry, nil, "scan was stopped or aborted by the backend")
		done(true)
		return
	case pollLost:
		w.failTask(ctx, entry, nil, "lost contact with the scanner instance during the scan")
		done(false)
		return
	case pollCanceled:
		// Shutdown; the orphan sweep picks the task up on restart.
		done(true)
		return
	}

	var artifact []byte
	if err := w.retryStep(ctx, func() error {
		data, err := backend.Export(ctx, scanID, exportFormat)
		if err == nil {
			artifact = data
		}
		return err
	}); err != nil {
		w.failTask(ctx, entry, nil, "report export failed: "+err.Error())
		done(false)
		return
	}
	w.tasks.AppendLog(taskID, traceID, "report exported, %d bytes", len(artifact))

	validation := w.validator.Validate(artifact, task.Type)
	if err := w.tasks.SaveArtifact(taskID, artifact); err != nil {
		w.failTask(ctx, entry, validation, "failed to persist scan artifact: "+err.Error())
		done(false)
		return
	}

	if !validation.IsValid {
		reason := "scan result failed validation"
		if validation.AuthenticationStatus == models.AuthStatusFailed {
			reason = "credentialed checks did not run on the targets"
		}
		w.failTask(ctx, entry, validation, reason)
		// The instance did its job; bad credentials are the request's fault.
		done(true)
		return
	}

	if err := w.tasks.MarkCompleted(taskID, validation); err != nil {
		w.logger.Error("[%s] Failed to mark task %s completed: %v", traceID, taskID, err)
		done(true)
		return
	}
	w.tasks.AppendLog(taskID, traceID, "scan completed, authentication %s", validation.AuthenticationStatus)
	done(true)
}

type pollOutcome int

const (
	pollCompleted pollOutcome = iota
	pollTimeout
	pollScanFailed
	pollLost
	pollCanceled
)

// poll watches the backend scan until it reaches a terminal backend status,
// the absolute deadline passes, or the poll failure budget is spent.
func (w *Worker) poll(ctx context.Context, entry *models.QueueEntry, scanID int, backend scanner.ScannerBackend) pollOutcome {
	interval := time.Duration(w.cfg.PollIntervalSeconds) * time.Second
	deadline := time.Now().Add(time.Duration(w.cfg.ScanDeadlineSeconds) * time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return pollCanceled
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return pollTimeout
		}

		info, err := backend.Status(ctx, scanID)
		if err != nil {
			failures++
			w.tasks.AppendLog(entry.TaskID, entry.TraceID, "status poll failed (%d/%d): %v", failures, maxPollFailures, err)
			if failures >= maxPollFailures {
				return pollLost
			}
			continue
		}
		failures = 0
		w.tasks.SetProgress(entry.TaskID, info.Progress)

		switch scanner.MapBackendStatus(info.Status) {
		case scanner.CoreStatusCompleted:
			return pollCompleted
		case scanner.CoreStatusFailed:
			return pollScanFailed
		case scanner.CoreStatusUnknown:
			w.tasks.AppendLog(entry.TaskID, entry.TraceID, "unrecognized backend status %q, still polling", info.Status)
		}
	}
}

// retryStep retries one adapter step with exponential backoff while the error
// stays transient.
func (w *Worker) retryStep(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = stepRetryElapsed
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !scanner.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// requeue puts the entry back at the queue tail, paced, leaving the task
// queued. Attempts counts placements, not failures.
func (w *Worker) requeue(ctx context.Context, entry *models.QueueEntry, reason string) {
	w.logger.Debug("[%s] Re-enqueueing task %s: %s (attempt %d)", entry.TraceID, entry.TaskID, reason, entry.Attempts+1)
	w.pause(requeueDelay)

	entry.Attempts++
	if err := w.queue.Enqueue(ctx, entry); err != nil {
		w.logger.Error("[%s] Failed to re-enqueue task %s: %v", entry.TraceID, entry.TaskID, err)
	}
}

// failTask marks the task failed and moves its entry to the DLQ.
func (w *Worker) failTask(ctx context.Context, entry *models.QueueEntry, validation *models.ValidationResult, reason string) {
	w.vault.Drop(entry.TaskID)
	w.tasks.AppendLog(entry.TaskID, entry.TraceID, "scan failed: %s", reason)
	if err := w.tasks.MarkFailed(entry.TaskID, reason, validation); err != nil {
		w.logger.Error("[%s] Failed to mark task %s failed: %v", entry.TraceID, entry.TaskID, err)
	}
	w.deadLetter(ctx, entry, reason)
}

func (w *Worker) deadLetter(ctx context.Context, entry *models.QueueEntry, reason string) {
	if err := w.queue.DeadLetter(ctx, entry, reason); err != nil {
		w.logger.Error("[%s] Failed to dead-letter task %s: %v", entry.TraceID, entry.TaskID, err)
	}
}

// stopBackendScan best-effort stops and removes a deadline-exceeded scan so
// the instance slot is actually freed server-side.
func (w *Worker) stopBackendScan(backend scanner.ScannerBackend, scanID int, taskID, traceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := backend.Stop(ctx, scanID); err != nil {
		w.logger.Error("[%s] Failed to stop backend scan %d for task %s: %v", traceID, scanID, taskID, err)
		return
	}
	if err := backend.Delete(ctx, scanID); err != nil {
		w.logger.Debug("[%s] Failed to delete backend scan %d for task %s: %v", traceID, scanID, taskID, err)
	}
}

// pause sleeps unless the worker is stopping.
func (w *Worker) pause(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}
