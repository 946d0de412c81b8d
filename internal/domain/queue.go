// internal/domain/queue.go
package domain

import (
	"context"
	"time"
)

// AssignResult reports how a single assignment attempt ended.
type AssignResult int

const (
	AssignOK AssignResult = iota
	AssignClaimed
	AssignAtCapacity
	// AssignStale means the backlog entry was consumed by an earlier pass.
	AssignStale
)

// ReclaimResult reports what happened to an expired assignment.
type ReclaimResult int

const (
	// ReclaimNone means the assignment was acknowledged concurrently.
	ReclaimNone ReclaimResult = iota
	ReclaimRequeued
	ReclaimDeadLettered
)

// AckResult reports the effect of an acknowledgement.
type AckResult int

const (
	// AckNoop means the ack matched no live assignment.
	AckNoop AckResult = iota
	AckApplied
	AckRequeued
)

// Queue is the coordination-store surface shared by the tap, the dispatcher and the gateway.
type Queue interface {
	// Append adds a task to the backlog.
	Append(ctx context.Context, task *Task) (string, error)
	// ReadBacklog returns up to count entries in log order.
	ReadBacklog(ctx context.Context, count int) ([]*BacklogEntry, error)
	// ReadBacklogAfter returns up to count entries positioned after the given one.
	ReadBacklogAfter(ctx context.Context, after string, count int) ([]*BacklogEntry, error)
	// Assign atomically claims the task, appends it to the worker's log,
	// records it as pending and removes the backlog entry.
	Assign(ctx context.Context, entry *BacklogEntry, workerID string, now time.Time) (AssignResult, error)
	// AdvanceCursor increments the round-robin cursor by n and returns the new value.
	AdvanceCursor(ctx context.Context, n int) (int64, error)
	Cursor(ctx context.Context) (int64, error)

	// PendingWorkers lists every worker that has outstanding assignments.
	PendingWorkers(ctx context.Context) ([]string, error)
	// Expired lists task ids assigned to workerID at or before cutoff.
	Expired(ctx context.Context, workerID string, cutoff time.Time, limit int) ([]string, error)
	// Reclaim removes an expired assignment and requeues or dead-letters it.
	Reclaim(ctx context.Context, taskID, workerID string, now time.Time) (ReclaimResult, int, error)

	// EnsureDelivery prepares the worker's private log for reading.
	EnsureDelivery(ctx context.Context, workerID string) error
	// ReadDeliveries reads assignments never read from the worker's private log,
	// blocking up to block for new ones.
	ReadDeliveries(ctx context.Context, workerID string, count int, block time.Duration) ([]*Assignment, error)
	// PendingDeliveries returns entries read earlier but never acknowledged,
	// positioned after the given delivery id ("" starts from the beginning).
	PendingDeliveries(ctx context.Context, workerID, after string, count int) ([]*Assignment, error)
	// IsLive reports whether the assignment still belongs to the worker.
	IsLive(ctx context.Context, workerID, taskID string) (bool, error)
	// DiscardDelivery acknowledges a stale log entry without touching queue state.
	DiscardDelivery(ctx context.Context, workerID, deliveryID string) error
	// Ack applies a worker acknowledgement.
	Ack(ctx context.Context, workerID, taskID string, status AckStatus, note string, now time.Time) (AckResult, error)

	Outcome(ctx context.Context, taskID string) (*Outcome, error)
	DeadLetters(ctx context.Context, count int) ([]*DeadLetter, error)
	Inflight(ctx context.Context, workerID string) (int, error)
	Stats(ctx context.Context) (*QueueStats, error)
}

// QueueStats is an operator snapshot of the coordination store.
type QueueStats struct {
	Backlog     int64 `json:"backlog"`
	DeadLetters int64 `json:"dead_letters"`
	Cursor      int64 `json:"cursor"`
	Pending     int64 `json:"pending_workers"`
}
