package redis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"verifier-dispatch/internal/domain"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts QueueOptions) (*Queue, *miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keys := NewKeys("test", "test:backlog", "test:deadletter", "test:outcomes")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewQueue(rdb, keys, opts, logger), mr, rdb
}

func appendTask(t *testing.T, q *Queue, id string) {
	t.Helper()
	_, err := q.Append(context.Background(), &domain.Task{
		ID:      id,
		Payload: json.RawMessage(`{"ann_id":"` + id + `"}`),
		Source:  domain.SourceTap,
	})
	require.NoError(t, err)
}

func headEntry(t *testing.T, q *Queue) *domain.BacklogEntry {
	t.Helper()
	entries, err := q.ReadBacklog(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func TestAppendAndReadBacklog(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	appendTask(t, q, "t1")
	appendTask(t, q, "t2")

	entries, err := q.ReadBacklog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "t1", entries[0].Task.ID)
	assert.Equal(t, "t2", entries[1].Task.ID)
	assert.JSONEq(t, `{"ann_id":"t1"}`, string(entries[0].Task.Payload))
	assert.Equal(t, domain.SourceTap, entries[0].Task.Source)
	assert.Equal(t, 0, entries[0].Task.RetryCount)
	assert.False(t, entries[0].Task.EnqueuedAt.IsZero())
	assert.NotEmpty(t, entries[0].Position)
}

func TestAssignIsExclusive(t *testing.T) {
	q, mr, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()
	now := time.Now()

	appendTask(t, q, "t1")
	entry := headEntry(t, q)

	res, err := q.Assign(ctx, entry, "A", now)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignOK, res)

	res, err = q.Assign(ctx, entry, "B", now)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignStale, res, "the entry was consumed by the first assign")

	backlog, err := q.ReadBacklog(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, backlog)

	live, err := q.IsLive(ctx, "A", "t1")
	require.NoError(t, err)
	assert.True(t, live)
	live, err = q.IsLive(ctx, "B", "t1")
	require.NoError(t, err)
	assert.False(t, live)

	inflight, err := q.Inflight(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, inflight)

	workers, err := q.PendingWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, workers)

	owner, err := mr.Get("test:claim:t1")
	require.NoError(t, err)
	assert.Equal(t, "A", owner)
}

func TestAssignLeavesDuplicateOfClaimedTask(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	appendTask(t, q, "t1")
	appendTask(t, q, "t1")
	entries, err := q.ReadBacklog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	res, err := q.Assign(ctx, entries[0], "A", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.AssignOK, res)

	res, err = q.Assign(ctx, entries[1], "B", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AssignClaimed, res)

	backlog, err := q.ReadBacklog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, backlog, 1, "the duplicate stays until the claim clears")
	assert.Equal(t, entries[1].Position, backlog[0].Position)
}

func TestAssignStaleEntryAfterAck(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	appendTask(t, q, "t1")
	stale := headEntry(t, q)

	_, err := q.Assign(ctx, stale, "A", time.Now())
	require.NoError(t, err)
	ack, err := q.Ack(ctx, "A", "t1", domain.AckVerified, "", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.AckApplied, ack)

	res, err := q.Assign(ctx, stale, "B", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AssignStale, res)

	inflight, err := q.Inflight(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, 0, inflight)
	live, err := q.IsLive(ctx, "B", "t1")
	require.NoError(t, err)
	assert.False(t, live)
	require.NoError(t, q.EnsureDelivery(ctx, "B"))
	got, err := q.ReadDeliveries(ctx, "B", 10, -1)
	require.NoError(t, err)
	assert.Empty(t, got, "nothing reaches the second worker's log")
}

func TestAssignStaleEntryAfterReclaim(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{MaxRetries: 3})
	ctx := context.Background()

	appendTask(t, q, "t1")
	stale := headEntry(t, q)

	_, err := q.Assign(ctx, stale, "A", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	res, retry, err := q.Reclaim(ctx, "t1", "A", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.ReclaimRequeued, res)
	require.Equal(t, 1, retry)

	assigned, err := q.Assign(ctx, stale, "B", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AssignStale, assigned)

	requeued := headEntry(t, q)
	assert.NotEqual(t, stale.Position, requeued.Position)
	assert.Equal(t, 1, requeued.Task.RetryCount, "the retry count survives")

	assigned, err = q.Assign(ctx, requeued, "B", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.AssignOK, assigned)
	backlog, err := q.ReadBacklog(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestReadBacklogAfter(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		appendTask(t, q, id)
	}
	head, err := q.ReadBacklog(ctx, 2)
	require.NoError(t, err)
	require.Len(t, head, 2)

	next, err := q.ReadBacklogAfter(ctx, head[1].Position, 10)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, "t3", next[0].Task.ID)
	assert.Equal(t, "t4", next[1].Task.ID)

	one, err := q.ReadBacklogAfter(ctx, head[0].Position, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "t2", one[0].Task.ID)

	end, err := q.ReadBacklogAfter(ctx, next[1].Position, 10)
	require.NoError(t, err)
	assert.Empty(t, end)
}

func TestAssignRespectsCapacity(t *testing.T) {
	q, _, rdb := newTestQueue(t, QueueOptions{EnforceCapacity: true, DefaultCapacity: 1})
	ctx := context.Background()
	now := time.Now()

	appendTask(t, q, "t1")
	appendTask(t, q, "t2")

	res, err := q.Assign(ctx, headEntry(t, q), "A", now)
	require.NoError(t, err)
	require.Equal(t, domain.AssignOK, res)

	second := headEntry(t, q)
	res, err = q.Assign(ctx, second, "A", now)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignAtCapacity, res)

	backlog, err := q.ReadBacklog(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, backlog, 1, "a refused entry stays in the backlog")

	// A worker advertising a larger capacity gets the second task.
	require.NoError(t, rdb.HSet(ctx, q.keys.Capacity(), "A", 2).Err())
	res, err = q.Assign(ctx, second, "A", now)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignOK, res)
}

func TestAssignIgnoresCapacityWhenNotEnforced(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{EnforceCapacity: false, DefaultCapacity: 1})
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		appendTask(t, q, id)
		res, err := q.Assign(ctx, headEntry(t, q), "A", time.Now())
		require.NoError(t, err)
		require.Equal(t, domain.AssignOK, res)
	}

	inflight, err := q.Inflight(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 3, inflight)
}

func TestAckRecordsOutcomeOnce(t *testing.T) {
	q, mr, rdb := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, "test:outcomes")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	appendTask(t, q, "t1")
	_, err = q.Assign(ctx, headEntry(t, q), "A", time.Now())
	require.NoError(t, err)

	res, err := q.Ack(ctx, "B", "t1", domain.AckVerified, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AckNoop, res, "an ack from a worker that does not own the task is ignored")

	res, err = q.Ack(ctx, "A", "t1", domain.AckVerified, "looks right", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AckApplied, res)

	res, err = q.Ack(ctx, "A", "t1", domain.AckVerified, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AckNoop, res, "a repeated ack is a no-op")

	outcome, err := q.Outcome(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "A", outcome.WorkerID)
	assert.Equal(t, domain.AckVerified, outcome.Status)
	assert.Equal(t, "looks right", outcome.Note)

	msgCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(msgCtx)
	require.NoError(t, err)
	var event domain.Outcome
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, "t1", event.TaskID)
	assert.Equal(t, domain.AckVerified, event.Status)

	inflight, err := q.Inflight(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, inflight)

	workers, err := q.PendingWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
	assert.False(t, mr.Exists("test:claim:t1"))
	assert.False(t, mr.Exists("test:assignment:t1"))
}

func TestAckReleasedRequeuesWithoutRetry(t *testing.T) {
	q, mr, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	appendTask(t, q, "t1")
	_, err := q.Assign(ctx, headEntry(t, q), "A", time.Now())
	require.NoError(t, err)

	res, err := q.Ack(ctx, "A", "t1", domain.AckReleased, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AckRequeued, res)

	entry := headEntry(t, q)
	assert.Equal(t, "t1", entry.Task.ID)
	assert.Equal(t, domain.SourceRequeue, entry.Task.Source)
	assert.Equal(t, 0, entry.Task.RetryCount)

	_, err = q.Outcome(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, mr.Exists("test:claim:t1"))

	// The requeued entry is assignable again.
	res2, err := q.Assign(ctx, entry, "B", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AssignOK, res2)
}

func TestReclaimRequeuesThenDeadLetters(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{MaxRetries: 1})
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	appendTask(t, q, "t1")
	_, err := q.Assign(ctx, headEntry(t, q), "A", start)
	require.NoError(t, err)

	expired, err := q.Expired(ctx, "A", start.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, expired)

	notYet, err := q.Expired(ctx, "A", start.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, notYet)

	res, retry, err := q.Reclaim(ctx, "t1", "A", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.ReclaimRequeued, res)
	assert.Equal(t, 1, retry)

	entry := headEntry(t, q)
	assert.Equal(t, 1, entry.Task.RetryCount)
	assert.Equal(t, domain.SourceRequeue, entry.Task.Source)

	inflight, err := q.Inflight(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, inflight)

	_, err = q.Assign(ctx, entry, "B", start)
	require.NoError(t, err)

	res, retry, err = q.Reclaim(ctx, "t1", "B", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.ReclaimDeadLettered, res)
	assert.Equal(t, 2, retry)

	backlog, err := q.ReadBacklog(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, backlog)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "t1", dead[0].TaskID)
	assert.Equal(t, "B", dead[0].LastWorkerID)
	assert.Equal(t, 2, dead[0].RetryCount)
	assert.Equal(t, "visibility_timeout", dead[0].Reason)
	assert.JSONEq(t, `{"ann_id":"t1"}`, string(dead[0].Payload))

	res, _, err = q.Reclaim(ctx, "t1", "B", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.ReclaimNone, res, "a second reclaim finds nothing")
}

func TestAckAfterReclaimIsNoop(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{MaxRetries: 3})
	ctx := context.Background()

	appendTask(t, q, "t1")
	_, err := q.Assign(ctx, headEntry(t, q), "A", time.Now())
	require.NoError(t, err)
	_, _, err = q.Reclaim(ctx, "t1", "A", time.Now())
	require.NoError(t, err)

	res, err := q.Ack(ctx, "A", "t1", domain.AckVerified, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AckNoop, res)

	_, err = q.Outcome(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeliveriesFollowAssignments(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{MaxRetries: 3})
	ctx := context.Background()

	require.NoError(t, q.EnsureDelivery(ctx, "A"))
	require.NoError(t, q.EnsureDelivery(ctx, "A"), "creating the group twice is fine")

	appendTask(t, q, "t1")
	appendTask(t, q, "t2")
	now := time.Now()
	_, err := q.Assign(ctx, headEntry(t, q), "A", now)
	require.NoError(t, err)
	_, err = q.Assign(ctx, headEntry(t, q), "A", now)
	require.NoError(t, err)

	fresh, err := q.ReadDeliveries(ctx, "A", 10, -1)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	assert.Equal(t, "t1", fresh[0].TaskID)
	assert.Equal(t, "A", fresh[0].WorkerID)
	assert.Equal(t, now.UnixMilli(), fresh[0].AssignedAt.UnixMilli())
	assert.NotEmpty(t, fresh[0].DeliveryID)

	none, err := q.ReadDeliveries(ctx, "A", 10, -1)
	require.NoError(t, err)
	assert.Empty(t, none)

	// Nothing was acknowledged yet, so a reconnect replays both.
	replay, err := q.PendingDeliveries(ctx, "A", "", 10)
	require.NoError(t, err)
	assert.Len(t, replay, 2)

	_, err = q.Ack(ctx, "A", "t1", domain.AckRejected, "", time.Now())
	require.NoError(t, err)
	_, _, err = q.Reclaim(ctx, "t2", "A", time.Now())
	require.NoError(t, err)

	replay, err = q.PendingDeliveries(ctx, "A", "", 10)
	require.NoError(t, err)
	assert.Empty(t, replay, "acked and reclaimed deliveries are not replayed")
}

func TestDiscardDelivery(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	require.NoError(t, q.EnsureDelivery(ctx, "A"))
	appendTask(t, q, "t1")
	_, err := q.Assign(ctx, headEntry(t, q), "A", time.Now())
	require.NoError(t, err)

	got, err := q.ReadDeliveries(ctx, "A", 10, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, q.DiscardDelivery(ctx, "A", got[0].DeliveryID))

	replay, err := q.PendingDeliveries(ctx, "A", "", 10)
	require.NoError(t, err)
	assert.Empty(t, replay)
}

func TestCursorAndStats(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	c, err := q.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c)

	c, err = q.AdvanceCursor(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c)

	appendTask(t, q, "t1")
	appendTask(t, q, "t2")
	_, err = q.Assign(ctx, headEntry(t, q), "A", time.Now())
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Backlog)
	assert.Equal(t, int64(0), stats.DeadLetters)
	assert.Equal(t, int64(3), stats.Cursor)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestPendingDeliveriesPages(t *testing.T) {
	q, _, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	require.NoError(t, q.EnsureDelivery(ctx, "A"))
	for _, id := range []string{"t1", "t2", "t3"} {
		appendTask(t, q, id)
		_, err := q.Assign(ctx, headEntry(t, q), "A", time.Now())
		require.NoError(t, err)
	}
	read, err := q.ReadDeliveries(ctx, "A", 10, -1)
	require.NoError(t, err)
	require.Len(t, read, 3)

	rest, err := q.PendingDeliveries(ctx, "A", read[0].DeliveryID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "t2", rest[0].TaskID)
	assert.Equal(t, "t3", rest[1].TaskID)

	none, err := q.PendingDeliveries(ctx, "A", read[2].DeliveryID, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
