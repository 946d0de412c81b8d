package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
)

// Subscribe delivers every message published on channel to handle until ctx
// is done. A lost subscription is re-established with exponential backoff;
// ready, when not nil, is called each time the subscription is confirmed.
func Subscribe(ctx context.Context, rdb *goredis.Client, channel string, logger *slog.Logger, ready func(), handle func(*goredis.Message)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		ps := rdb.Subscribe(ctx, channel)
		defer ps.Close()
		// Blocked pubsub reads ignore ctx, closing the subscription unblocks them.
		stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
		defer stop()

		if _, err := ps.Receive(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		b.Reset()
		logger.Info("subscribed", "channel", channel)
		if ready != nil {
			ready()
		}

		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			handle(msg)
		}
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("subscription lost, reconnecting", "channel", channel, "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
