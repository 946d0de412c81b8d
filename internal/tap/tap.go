// Package tap mirrors upstream task events into the backlog.
package tap

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"verifier-dispatch/internal/domain"
	redisinfra "verifier-dispatch/internal/infra/redis"
	"verifier-dispatch/internal/metrics"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var errNotObject = errors.New("payload is not a JSON object")

// Appender is the slice of domain.Queue the tap writes to.
type Appender interface {
	Append(ctx context.Context, task *domain.Task) (string, error)
}

// Tap subscribes to the upstream channel and appends one backlog entry per message.
// It does not deduplicate, validate beyond JSON shape, or apply backpressure.
type Tap struct {
	rdb     *goredis.Client
	channel string
	backlog Appender
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a new ingestion tap.
func New(rdb *goredis.Client, channel string, backlog Appender, logger *slog.Logger) *Tap {
	return &Tap{
		rdb:     rdb,
		channel: channel,
		backlog: backlog,
		logger:  logger.With("component", "tap"),
		now:     time.Now,
	}
}

// Run blocks until ctx is done, reconnecting the subscription on store loss.
// ready is called once the subscription is confirmed and may be nil.
func (t *Tap) Run(ctx context.Context, ready func()) error {
	t.logger.Info("starting ingestion tap", "channel", t.channel)
	err := redisinfra.Subscribe(ctx, t.rdb, t.channel, t.logger, ready, func(msg *goredis.Message) {
		t.Mirror(ctx, []byte(msg.Payload))
	})
	t.logger.Info("ingestion tap stopped")
	return err
}

// Mirror wraps one upstream payload as a task and appends it to the backlog.
// Malformed payloads are logged and counted, never fatal.
func (t *Tap) Mirror(ctx context.Context, raw []byte) {
	metrics.TapReceived.Inc()

	task, err := t.wrap(raw)
	if err != nil {
		metrics.TapErrors.Inc()
		t.logger.Warn("skipping malformed upstream message", "error", err, "size", len(raw))
		return
	}

	pos, err := t.backlog.Append(ctx, task)
	if err != nil {
		metrics.TapErrors.Inc()
		t.logger.Error("failed to mirror upstream message", "task_id", task.ID, "error", err)
		return
	}
	metrics.TapMirrored.Inc()
	t.logger.Debug("mirrored upstream message", "task_id", task.ID, "entry_id", pos)
}

func (t *Tap) wrap(raw []byte) (*domain.Task, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errNotObject
	}

	return &domain.Task{
		ID:         taskID(obj),
		Payload:    json.RawMessage(raw),
		EnqueuedAt: t.now(),
		Source:     domain.SourceTap,
	}, nil
}

// taskID prefers the payload's own identifier so redelivered events keep their id.
func taskID(obj map[string]json.RawMessage) string {
	for _, key := range []string{"ann_id", "id"} {
		v, ok := obj[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil && n != "" {
			return n.String()
		}
	}
	return uuid.NewString()
}
