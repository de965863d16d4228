// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package queue provides the Redis-backed per-pool task queue, dead-letter
// queue, and idempotency store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eafonin/nessus-orchestrator/internal/models"
)

const keyPrefix = "nessusd"

// DefaultPopTimeout bounds dispatch latency of the blocking dequeue.
const DefaultPopTimeout = 5 * time.Second

// ErrDLQEntryNotFound is returned when a DLQ lookup misses.
var ErrDLQEntryNotFound = errors.New("dead-letter entry not found")

// dlqRetryScript atomically moves a dead-letter entry back to the tail of the
// main queue. Doing it in one script prevents the entry from being observed
// in both structures, or in neither, by a concurrent inspector.
//
// KEYS: [1] dlq zset, [2] dlq entries hash, [3] main queue list
// ARGV: [1] task id, [2] re-enqueued entry JSON
//
// Returns 1 on success, 0 when the entry is not in the DLQ.
var dlqRetryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[2])
return 1
`)

// Queue is the per-pool FIFO queue plus DLQ over a Redis store. Enqueue
// appends to the tail, the blocking dequeue pops the head atomically, and
// the DLQ is a sorted set scored by wall-clock failure time.
type Queue struct {
	rdb        *redis.Client
	popTimeout time.Duration
}

// New creates a queue over the given Redis client.
func New(rdb *redis.Client, popTimeout time.Duration) *Queue {
	if popTimeout <= 0 {
		popTimeout = DefaultPopTimeout
	}
	return &Queue{rdb: rdb, popTimeout: popTimeout}
}

func queueKey(pool string) string      { return fmt.Sprintf("%s:queue:%s", keyPrefix, pool) }
func dlqKey(pool string) string        { return fmt.Sprintf("%s:dlq:%s", keyPrefix, pool) }
func dlqEntriesKey(pool string) string { return fmt.Sprintf("%s:dlq:%s:entries", keyPrefix, pool) }

// Enqueue appends an entry to the tail of the pool's queue.
func (q *Queue) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	if err := q.rdb.RPush(ctx, queueKey(entry.Pool), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", entry.TaskID, err)
	}
	return nil
}

// Dequeue blocks up to the configured pop timeout for a head entry and
// removes it atomically. Returns nil when the timeout expires with an empty
// queue. The removal is the acknowledgment: each entry is observed by at
// most one worker.
func (q *Queue) Dequeue(ctx context.Context, pool string) (*models.QueueEntry, error) {
	res, err := q.rdb.BLPop(ctx, q.popTimeout, queueKey(pool)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from pool %s: %w", pool, err)
	}
	// BLPOP returns [key, value].
	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(res[1]), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue entry: %w", err)
	}
	return &entry, nil
}

// Depth returns the number of entries waiting in the pool's queue.
func (q *Queue) Depth(ctx context.Context, pool string) (int64, error) {
	return q.rdb.LLen(ctx, queueKey(pool)).Result()
}

// Peek returns up to n head entries without removing them.
func (q *Queue) Peek(ctx context.Context, pool string, n int64) ([]*models.QueueEntry, error) {
	raw, err := q.rdb.LRange(ctx, queueKey(pool), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to peek pool %s: %w", pool, err)
	}
	entries := make([]*models.QueueEntry, 0, len(raw))
	for _, item := range raw {
		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queue entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// DeadLetter moves an entry to the pool's DLQ, annotated with the failure
// reason and scored by failure time.
func (q *Queue) DeadLetter(ctx context.Context, entry *models.QueueEntry, reason string) error {
	dl := &models.DeadLetterEntry{
		QueueEntry:    *entry,
		FailureReason: reason,
		FailedAt:      time.Now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, dlqKey(entry.Pool), redis.Z{
		Score:  float64(dl.FailedAt.UnixMilli()),
		Member: entry.TaskID,
	})
	pipe.HSet(ctx, dlqEntriesKey(entry.Pool), entry.TaskID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter task %s: %w", entry.TaskID, err)
	}
	return nil
}

// DLQDepth returns the number of dead-letter entries for the pool.
func (q *Queue) DLQDepth(ctx context.Context, pool string) (int64, error) {
	return q.rdb.ZCard(ctx, dlqKey(pool)).Result()
}

// DLQList returns up to limit dead-letter entries ordered by failure time.
func (q *Queue) DLQList(ctx context.Context, pool string, limit int64) ([]*models.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.rdb.ZRange(ctx, dlqKey(pool), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ for pool %s: %w", pool, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := q.rdb.HMGet(ctx, dlqEntriesKey(pool), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch DLQ entries for pool %s: %w", pool, err)
	}
	entries := make([]*models.DeadLetterEntry, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			continue
		}
		var entry models.DeadLetterEntry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead-letter entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// DLQGet returns the dead-letter entry for one task.
func (q *Queue) DLQGet(ctx context.Context, pool, taskID string) (*models.DeadLetterEntry, error) {
	raw, err := q.rdb.HGet(ctx, dlqEntriesKey(pool), taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDLQEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ entry %s: %w", taskID, err)
	}
	var entry models.DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead-letter entry: %w", err)
	}
	return &entry, nil
}

// DLQRetry moves a dead-letter entry back to the tail of the main queue,
// clearing its failure annotations. This is a deliberate administrative
// action; nothing retries from the DLQ automatically.
func (q *Queue) DLQRetry(ctx context.Context, pool, taskID string) error {
	dl, err := q.DLQGet(ctx, pool, taskID)
	if err != nil {
		return err
	}
	entry := dl.QueueEntry
	entry.EnqueuedAt = time.Now().UTC()
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}

	moved, err := dlqRetryScript.Run(ctx, q.rdb,
		[]string{dlqKey(pool), dlqEntriesKey(pool), queueKey(pool)},
		taskID, data).Int()
	if err != nil {
		return fmt.Errorf("failed to retry DLQ entry %s: %w", taskID, err)
	}
	if moved == 0 {
		return ErrDLQEntryNotFound
	}
	return nil
}

// DLQPurge removes every dead-letter entry for the pool and returns the
// number purged.
func (q *Queue) DLQPurge(ctx context.Context, pool string) (int64, error) {
	count, err := q.rdb.ZCard(ctx, dlqKey(pool)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count DLQ for pool %s: %w", pool, err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, dlqKey(pool))
	pipe.Del(ctx, dlqEntriesKey(pool))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to purge DLQ for pool %s: %w", pool, err)
	}
	return count, nil
}
