// internal/presence/registry.go
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"verifier-dispatch/internal/domain"
	redisinfra "verifier-dispatch/internal/infra/redis"

	goredis "github.com/redis/go-redis/v9"
)

// Registry tracks reachable workers with heartbeat keys that expire after ttl.
// A worker whose key expired is absent from ListActive without any sweep.
type Registry struct {
	rdb     *goredis.Client
	keys    redisinfra.Keys
	channel string
	ttl     time.Duration
	logger  *slog.Logger
}

var _ domain.Presence = (*Registry)(nil)

// NewRegistry creates a new presence registry publishing changes on channel.
func NewRegistry(rdb *goredis.Client, keys redisinfra.Keys, channel string, ttl time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		rdb:     rdb,
		keys:    keys,
		channel: channel,
		ttl:     ttl,
		logger:  logger.With("component", "presence"),
	}
}

// deregisterScript drops the worker only if the session still owns it.
//
// KEYS: sessions, active set, heartbeat
// ARGV: worker, session
var deregisterScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`)

// Register marks the worker online, records its capacity and makes
// sessionID the owner of its presence.
func (r *Registry) Register(ctx context.Context, workerID, sessionID string, maxConcurrency int) error {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, r.keys.ActiveSet(), workerID)
		pipe.Set(ctx, r.keys.Heartbeat(workerID), time.Now().UnixMilli(), r.ttl)
		pipe.HSet(ctx, r.keys.Capacity(), workerID, maxConcurrency)
		pipe.HSet(ctx, r.keys.Sessions(), workerID, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register worker %s: %w", workerID, err)
	}

	r.logger.Info("worker registered", "worker_id", workerID, "session_id", sessionID, "max_concurrency", maxConcurrency, "ttl", r.ttl)
	return r.Signal(ctx, "join:"+workerID)
}

// Heartbeat refreshes the worker's TTL. A worker whose key already expired
// comes back online, owned by sessionID.
func (r *Registry) Heartbeat(ctx context.Context, workerID, sessionID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.keys.Heartbeat(workerID), time.Now().UnixMilli(), r.ttl)
		pipe.SAdd(ctx, r.keys.ActiveSet(), workerID)
		pipe.HSetNX(ctx, r.keys.Sessions(), workerID, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh heartbeat for %s: %w", workerID, err)
	}
	r.logger.Debug("heartbeat refreshed", "worker_id", workerID)
	return nil
}

// Deregister removes the worker from the active set unless a newer session
// registered it since.
func (r *Registry) Deregister(ctx context.Context, workerID, sessionID string) error {
	keys := []string{r.keys.Sessions(), r.keys.ActiveSet(), r.keys.Heartbeat(workerID)}
	removed, err := deregisterScript.Run(ctx, r.rdb, keys, workerID, sessionID).Int()
	if err != nil {
		return fmt.Errorf("failed to deregister worker %s: %w", workerID, err)
	}
	if removed == 0 {
		r.logger.Info("presence owned by a newer session, kept", "worker_id", workerID, "session_id", sessionID)
		return nil
	}
	r.logger.Info("worker deregistered", "worker_id", workerID, "session_id", sessionID)
	return r.Signal(ctx, "leave:"+workerID)
}

// ListActive returns the sorted ids of workers with a live heartbeat key.
// Members whose key expired are dropped from the set on the way.
func (r *Registry) ListActive(ctx context.Context) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, r.keys.ActiveSet()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}
	if len(members) == 0 {
		return []string{}, nil
	}

	checks := make([]*goredis.IntCmd, len(members))
	_, err = r.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range members {
			checks[i] = pipe.Exists(ctx, r.keys.Heartbeat(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check heartbeats: %w", err)
	}

	active := make([]string, 0, len(members))
	var stale []interface{}
	for i, id := range members {
		if checks[i].Val() > 0 {
			active = append(active, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := r.rdb.SRem(ctx, r.keys.ActiveSet(), stale...).Err(); err != nil {
			r.logger.Warn("failed to drop expired workers", "error", err)
		} else {
			r.logger.Info("expired workers dropped", "count", len(stale))
		}
	}

	sort.Strings(active)
	return active, nil
}

// LastHeartbeat returns when the worker last refreshed its key.
func (r *Registry) LastHeartbeat(ctx context.Context, workerID string) (time.Time, error) {
	v, err := r.rdb.Get(ctx, r.keys.Heartbeat(workerID)).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, domain.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read heartbeat for %s: %w", workerID, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed heartbeat for %s: %w", workerID, err)
	}
	return time.UnixMilli(ms), nil
}

// Signal publishes a rebalance hint.
func (r *Registry) Signal(ctx context.Context, reason string) error {
	if err := r.rdb.Publish(ctx, r.channel, reason).Err(); err != nil {
		return fmt.Errorf("failed to publish rebalance signal: %w", err)
	}
	return nil
}

// WatchChanges calls onChange for every rebalance signal until ctx is done.
// This is a blocking call and should be run in a goroutine.
func (r *Registry) WatchChanges(ctx context.Context, ready func(), onChange func(reason string)) error {
	return redisinfra.Subscribe(ctx, r.rdb, r.channel, r.logger, ready, func(msg *goredis.Message) {
		onChange(msg.Payload)
	})
}
