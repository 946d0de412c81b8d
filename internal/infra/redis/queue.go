package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"verifier-dispatch/internal/domain"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// QueueOptions tunes the assignment lifecycle.
type QueueOptions struct {
	ClaimTTL        time.Duration
	MaxRetries      int
	EnforceCapacity bool
	DefaultCapacity int
}

// Queue implements domain.Queue on Redis streams, sorted sets and hashes.
type Queue struct {
	rdb    *goredis.Client
	keys   Keys
	opts   QueueOptions
	logger *slog.Logger
	tracer trace.Tracer
}

var _ domain.Queue = (*Queue)(nil)

// NewQueue creates a Queue over an established client.
func NewQueue(rdb *goredis.Client, keys Keys, opts QueueOptions, logger *slog.Logger) *Queue {
	if opts.DefaultCapacity <= 0 {
		opts.DefaultCapacity = 1
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 15 * time.Minute
	}
	return &Queue{
		rdb:    rdb,
		keys:   keys,
		opts:   opts,
		logger: logger.With("component", "redis-queue"),
		tracer: otel.Tracer("verifier-dispatch-redis"),
	}
}

// Append adds a task to the backlog and returns its log position.
func (q *Queue) Append(ctx context.Context, task *domain.Task) (string, error) {
	ctx, span := q.tracer.Start(ctx, "store.redis.Append")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("task.source", string(task.Source)))

	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	id, err := q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.keys.Backlog,
		Values: map[string]interface{}{
			"task_id":     task.ID,
			"payload":     string(task.Payload),
			"source":      string(task.Source),
			"retry_count": task.RetryCount,
			"enqueued_at": task.EnqueuedAt.UnixMilli(),
		},
	}).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to append to backlog")
		return "", fmt.Errorf("failed to append task %s to backlog: %w", task.ID, err)
	}
	return id, nil
}

// ReadBacklog returns up to count entries from the head of the backlog.
func (q *Queue) ReadBacklog(ctx context.Context, count int) ([]*domain.BacklogEntry, error) {
	msgs, err := q.rdb.XRangeN(ctx, q.keys.Backlog, "-", "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog: %w", err)
	}
	return backlogEntries(msgs), nil
}

// ReadBacklogAfter returns up to count entries strictly after position.
func (q *Queue) ReadBacklogAfter(ctx context.Context, after string, count int) ([]*domain.BacklogEntry, error) {
	// The start bound is inclusive, so read one more and drop the position itself.
	msgs, err := q.rdb.XRangeN(ctx, q.keys.Backlog, after, "+", int64(count)+1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog after %s: %w", after, err)
	}
	if len(msgs) > 0 && msgs[0].ID == after {
		msgs = msgs[1:]
	}
	if len(msgs) > count {
		msgs = msgs[:count]
	}
	return backlogEntries(msgs), nil
}

func backlogEntries(msgs []goredis.XMessage) []*domain.BacklogEntry {
	entries := make([]*domain.BacklogEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, &domain.BacklogEntry{
			Position: msg.ID,
			Task: domain.Task{
				ID:         field(msg.Values, "task_id"),
				Payload:    json.RawMessage(field(msg.Values, "payload")),
				Source:     domain.Source(field(msg.Values, "source")),
				RetryCount: intField(msg.Values, "retry_count"),
				EnqueuedAt: msField(msg.Values, "enqueued_at"),
			},
		})
	}
	return entries
}

// Assign runs the claim-and-assign script for one backlog entry.
func (q *Queue) Assign(ctx context.Context, entry *domain.BacklogEntry, workerID string, now time.Time) (domain.AssignResult, error) {
	ctx, span := q.tracer.Start(ctx, "store.redis.Assign")
	defer span.End()
	task := entry.Task
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("worker.id", workerID))

	enforce := "0"
	if q.opts.EnforceCapacity {
		enforce = "1"
	}
	keys := []string{
		q.keys.Claim(task.ID),
		q.keys.AssignLog(workerID),
		q.keys.Pending(workerID),
		q.keys.Assignment(task.ID),
		q.keys.Inflight(),
		q.keys.Capacity(),
		q.keys.Backlog,
		q.keys.PendingIndex(),
	}
	res, err := assignScript.Run(ctx, q.rdb, keys,
		task.ID,
		workerID,
		q.opts.ClaimTTL.Milliseconds(),
		now.UnixMilli(),
		entry.Position,
		string(task.Payload),
		task.RetryCount,
		enforce,
		q.opts.DefaultCapacity,
		string(task.Source),
		task.EnqueuedAt.UnixMilli(),
	).Int()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assign script failed")
		return 0, fmt.Errorf("failed to assign task %s to %s: %w", task.ID, workerID, err)
	}

	switch res {
	case 1:
		return domain.AssignOK, nil
	case 0:
		return domain.AssignClaimed, nil
	case -2:
		return domain.AssignStale, nil
	default:
		return domain.AssignAtCapacity, nil
	}
}

// AdvanceCursor moves the round-robin cursor forward by n.
func (q *Queue) AdvanceCursor(ctx context.Context, n int) (int64, error) {
	v, err := q.rdb.IncrBy(ctx, q.keys.Cursor(), int64(n)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance cursor: %w", err)
	}
	return v, nil
}

// Cursor returns the current round-robin cursor.
func (q *Queue) Cursor(ctx context.Context) (int64, error) {
	v, err := q.rdb.Get(ctx, q.keys.Cursor()).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return v, nil
}

// PendingWorkers lists workers with outstanding assignments, connected or not.
func (q *Queue) PendingWorkers(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.SMembers(ctx, q.keys.PendingIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending workers: %w", err)
	}
	return ids, nil
}

// Expired returns task ids the worker has held since cutoff or earlier.
func (q *Queue) Expired(ctx context.Context, workerID string, cutoff time.Time, limit int) ([]string, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.keys.Pending(workerID), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending for %s: %w", workerID, err)
	}
	return ids, nil
}

// Reclaim requeues or dead-letters an expired assignment and returns the new retry count.
func (q *Queue) Reclaim(ctx context.Context, taskID, workerID string, now time.Time) (domain.ReclaimResult, int, error) {
	ctx, span := q.tracer.Start(ctx, "store.redis.Reclaim")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID), attribute.String("worker.id", workerID))

	keys := []string{
		q.keys.Pending(workerID),
		q.keys.Claim(taskID),
		q.keys.Inflight(),
		q.keys.Assignment(taskID),
		q.keys.Backlog,
		q.keys.DeadLetter,
		q.keys.PendingIndex(),
		q.keys.AssignLog(workerID),
	}
	res, err := reclaimScript.Run(ctx, q.rdb, keys,
		taskID, workerID, q.opts.MaxRetries, now.UnixMilli(), "visibility_timeout", DeliveryGroup,
	).Int64Slice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reclaim script failed")
		return domain.ReclaimNone, 0, fmt.Errorf("failed to reclaim task %s from %s: %w", taskID, workerID, err)
	}
	if len(res) != 2 {
		return domain.ReclaimNone, 0, fmt.Errorf("unexpected reclaim reply: %v", res)
	}
	return domain.ReclaimResult(res[0]), int(res[1]), nil
}

// EnsureDelivery creates the consumer group on the worker's private log.
func (q *Queue) EnsureDelivery(ctx context.Context, workerID string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.keys.AssignLog(workerID), DeliveryGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create delivery group for %s: %w", workerID, err)
	}
	return nil
}

// ReadDeliveries reads entries of the worker's private log that no session
// has read yet, blocking up to block when there are none.
func (q *Queue) ReadDeliveries(ctx context.Context, workerID string, count int, block time.Duration) ([]*domain.Assignment, error) {
	return q.readGroup(ctx, workerID, ">", count, block)
}

// PendingDeliveries returns read but unacknowledged entries after the given
// delivery id. Sessions of one worker share the consumer, so a reconnecting
// session sees the entries its predecessor read.
func (q *Queue) PendingDeliveries(ctx context.Context, workerID, after string, count int) ([]*domain.Assignment, error) {
	if after == "" {
		after = "0"
	}
	return q.readGroup(ctx, workerID, after, count, -1)
}

func (q *Queue) readGroup(ctx context.Context, workerID, start string, count int, block time.Duration) ([]*domain.Assignment, error) {
	streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    DeliveryGroup,
		Consumer: workerID,
		Streams:  []string{q.keys.AssignLog(workerID), start},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deliveries for %s: %w", workerID, err)
	}

	var out []*domain.Assignment
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			out = append(out, &domain.Assignment{
				TaskID:     field(msg.Values, "task_id"),
				WorkerID:   workerID,
				Payload:    json.RawMessage(field(msg.Values, "payload")),
				AssignedAt: msField(msg.Values, "assigned_at"),
				RetryCount: intField(msg.Values, "retry_count"),
				DeliveryID: msg.ID,
			})
		}
	}
	return out, nil
}

// IsLive reports whether taskID is still pending for workerID.
func (q *Queue) IsLive(ctx context.Context, workerID, taskID string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, q.keys.Pending(workerID), taskID).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check assignment %s: %w", taskID, err)
	}
	return true, nil
}

// DiscardDelivery drops a log entry whose assignment no longer exists.
func (q *Queue) DiscardDelivery(ctx context.Context, workerID, deliveryID string) error {
	stream := q.keys.AssignLog(workerID)
	_, err := q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.XAck(ctx, stream, DeliveryGroup, deliveryID)
		pipe.XDel(ctx, stream, deliveryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to discard delivery %s: %w", deliveryID, err)
	}
	return nil
}

// Ack applies the ack-and-release script and publishes the outcome event.
func (q *Queue) Ack(ctx context.Context, workerID, taskID string, status domain.AckStatus, note string, now time.Time) (domain.AckResult, error) {
	ctx, span := q.tracer.Start(ctx, "store.redis.Ack")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("worker.id", workerID),
		attribute.String("ack.status", string(status)),
	)

	keys := []string{
		q.keys.Assignment(taskID),
		q.keys.Pending(workerID),
		q.keys.Claim(taskID),
		q.keys.Inflight(),
		q.keys.Outcome(taskID),
		q.keys.AssignLog(workerID),
		q.keys.Backlog,
		q.keys.PendingIndex(),
	}
	res, err := ackScript.Run(ctx, q.rdb, keys,
		taskID, workerID, string(status), note, now.UnixMilli(), DeliveryGroup,
	).Int()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ack script failed")
		return domain.AckNoop, fmt.Errorf("failed to ack task %s: %w", taskID, err)
	}

	result := domain.AckResult(res)
	if result == domain.AckApplied {
		event, _ := json.Marshal(&domain.Outcome{
			TaskID:   taskID,
			WorkerID: workerID,
			Status:   status,
			Note:     note,
			AckedAt:  time.UnixMilli(now.UnixMilli()),
		})
		// The outcome marker is already durable, a lost event is recovered by polling it.
		if err := q.rdb.Publish(ctx, q.keys.Outcomes, event).Err(); err != nil {
			q.logger.Warn("failed to publish outcome event", "task_id", taskID, "error", err)
		}
	}
	return result, nil
}

// Outcome reads the outcome marker of a task.
func (q *Queue) Outcome(ctx context.Context, taskID string) (*domain.Outcome, error) {
	vals, err := q.rdb.HGetAll(ctx, q.keys.Outcome(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read outcome %s: %w", taskID, err)
	}
	if len(vals) == 0 {
		return nil, domain.ErrNotFound
	}
	acked, _ := strconv.ParseInt(vals["acked_at"], 10, 64)
	return &domain.Outcome{
		TaskID:   taskID,
		WorkerID: vals["worker_id"],
		Status:   domain.AckStatus(vals["status"]),
		Note:     vals["note"],
		AckedAt:  time.UnixMilli(acked),
	}, nil
}

// DeadLetters returns up to count dead-letter records, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, count int) ([]*domain.DeadLetter, error) {
	msgs, err := q.rdb.XRangeN(ctx, q.keys.DeadLetter, "-", "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	out := make([]*domain.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, &domain.DeadLetter{
			TaskID:       field(msg.Values, "task_id"),
			LastWorkerID: field(msg.Values, "last_worker_id"),
			Reason:       field(msg.Values, "reason"),
			RetryCount:   intField(msg.Values, "retry_count"),
			RecordedAt:   msField(msg.Values, "recorded_at"),
			Payload:      json.RawMessage(field(msg.Values, "payload")),
		})
	}
	return out, nil
}

// Inflight returns the outstanding assignment count of a worker.
func (q *Queue) Inflight(ctx context.Context, workerID string) (int, error) {
	n, err := q.rdb.HGet(ctx, q.keys.Inflight(), workerID).Int()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read inflight for %s: %w", workerID, err)
	}
	return n, nil
}

// Stats returns an operator snapshot.
func (q *Queue) Stats(ctx context.Context) (*domain.QueueStats, error) {
	var backlog, dead, pending *goredis.IntCmd
	var cursor *goredis.StringCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		backlog = pipe.XLen(ctx, q.keys.Backlog)
		dead = pipe.XLen(ctx, q.keys.DeadLetter)
		pending = pipe.SCard(ctx, q.keys.PendingIndex())
		cursor = pipe.Get(ctx, q.keys.Cursor())
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	c, _ := cursor.Int64()
	return &domain.QueueStats{
		Backlog:     backlog.Val(),
		DeadLetters: dead.Val(),
		Cursor:      c,
		Pending:     pending.Val(),
	}, nil
}

func field(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func intField(values map[string]interface{}, key string) int {
	n, _ := strconv.Atoi(field(values, key))
	return n
}

func msField(values map[string]interface{}, key string) time.Time {
	ms, err := strconv.ParseInt(field(values, key), 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
