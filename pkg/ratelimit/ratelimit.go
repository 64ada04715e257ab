package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps queries per minute per caller, backed by Redis.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultQPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultQPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow charges n queries against the caller's window. A consensus
// call costs one query per targeted provider, so callers charge the
// fan-out width up front.
func (l *Limiter) Allow(ctx context.Context, callerID string, n int) (bool, error) {
	key := fmt.Sprintf("ratelimit:caller:%s", callerID)
	res, err := l.store.AllowN(ctx, key, n)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, callerID string) (*extratelimit.Result, error) {
	key := fmt.Sprintf("ratelimit:caller:%s", callerID)
	return l.store.Status(ctx, key)
}
