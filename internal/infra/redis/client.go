package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient connects to the coordination store and verifies it is reachable.
// The ping is retried with backoff until timeout elapses.
func NewClient(ctx context.Context, addr, password string, db int, timeout time.Duration) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:                  addr,
		Password:              password,
		DB:                    db,
		ContextTimeoutEnabled: true,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	ping := func() error {
		return rdb.Ping(ctx).Err()
	}
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect to %s failed: %w", addr, err)
	}
	return rdb, nil
}
