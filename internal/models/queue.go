// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

import "time"

// QueueEntry is the serialized task descriptor held in a pool's FIFO queue.
// The dequeue itself is the acknowledgment: an entry is observed by at most
// one worker.
type QueueEntry struct {
	TaskID     string    `json:"taskId"`
	Pool       string    `json:"pool"`
	TraceID    string    `json:"traceId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"` // Capacity re-enqueues bump this; not a failure count
}

// DeadLetterEntry is a QueueEntry annotated with its failure, ordered in the
// DLQ by failure timestamp.
type DeadLetterEntry struct {
	QueueEntry
	FailureReason string    `json:"failureReason"`
	FailedAt      time.Time `json:"failedAt"`
}
