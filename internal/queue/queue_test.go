// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eafonin/nessus-orchestrator/internal/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, 100*time.Millisecond)
}

func entry(taskID, pool string) *models.QueueEntry {
	return &models.QueueEntry{
		TaskID:     taskID,
		Pool:       pool,
		TraceID:    "trace-" + taskID,
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, entry("t1", "default")))
	require.NoError(t, q.Enqueue(ctx, entry("t2", "default")))
	require.NoError(t, q.Enqueue(ctx, entry("t3", "default")))

	depth, err := q.Depth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	for _, want := range []string{"t1", "t2", "t3"} {
		got, err := q.Dequeue(ctx, "default")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.TaskID)
	}

	depth, err = q.Depth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q := newTestQueue(t)

	got, err := q.Dequeue(context.Background(), "default")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestQueuesArePerPool(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, entry("t1", "dmz")))

	got, err := q.Dequeue(ctx, "internal")
	require.NoError(t, err)
	assert.Nil(t, got, "entry must not leak across pools")

	got, err = q.Dequeue(ctx, "dmz")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.TaskID)
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, entry("t1", "default")))
	require.NoError(t, q.Enqueue(ctx, entry("t2", "default")))

	peeked, err := q.Peek(ctx, "default", 5)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, "t1", peeked[0].TaskID)

	depth, err := q.Depth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestDeadLetterAndList(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	e := entry("t1", "default")
	require.NoError(t, q.DeadLetter(ctx, e, "scanner authentication failed"))

	depth, err := q.DLQDepth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	entries, err := q.DLQList(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TaskID)
	assert.Equal(t, "scanner authentication failed", entries[0].FailureReason)
	assert.False(t, entries[0].FailedAt.IsZero())

	got, err := q.DLQGet(ctx, "default", "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)

	_, err = q.DLQGet(ctx, "default", "missing")
	assert.ErrorIs(t, err, ErrDLQEntryNotFound)
}

func TestDLQRetryMovesToQueueTail(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, entry("queued", "default")))
	require.NoError(t, q.DeadLetter(ctx, entry("failed", "default"), "boom"))

	require.NoError(t, q.DLQRetry(ctx, "default", "failed"))

	depth, err := q.DLQDepth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	// The retried entry lands behind the already queued one.
	first, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "queued", first.TaskID)

	second, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "failed", second.TaskID)

	// Retrying an absent entry reports not found.
	assert.ErrorIs(t, q.DLQRetry(ctx, "default", "failed"), ErrDLQEntryNotFound)
}

func TestDLQPurge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.DeadLetter(ctx, entry("t1", "default"), "a"))
	require.NoError(t, q.DeadLetter(ctx, entry("t2", "default"), "b"))

	purged, err := q.DLQPurge(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	depth, err := q.DLQDepth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}
