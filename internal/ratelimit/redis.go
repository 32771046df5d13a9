package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis counts requests per key in fixed windows shared by every gate
// instance using the same server.
type Redis struct {
	rdb    *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewRedis(rdb *redis.Client, prefix string, limit int, window time.Duration) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, limit: int64(limit), window: window}
}

func (l *Redis) Allow(ctx context.Context, id string) (bool, error) {
	limited, err := l.IsRateLimited(ctx, id)
	return !limited, err
}

// IsRateLimited increments the current window for id and reports whether
// the limit has been passed. The window key is created with its expiry and
// incremented in one transaction, so it can never outlive the window.
func (l *Redis) IsRateLimited(ctx context.Context, id string) (bool, error) {
	k := l.prefix + ":rate:" + id
	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, k, 0, l.window)
		incr = pipe.Incr(ctx, k)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", id, err)
	}
	return incr.Val() > l.limit, nil
}
