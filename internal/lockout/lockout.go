// Package lockout limits how often an organisation may guess pairing or
// registration codes, and how often one client may request new codes.
//
// Keys:
// claim_fail:<org>    -> integer count (TTL = lockout window)
// claim_lockout:<org> -> "1" (TTL = lockout duration)
package lockout

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard tracks failed claims in redis
type Guard struct {
	rdb         *redis.Client
	maxFailures int
	lockout     time.Duration
}

// New creates a Guard that locks a key for lockout after maxFailures misses
func New(rdb *redis.Client, maxFailures int, lockout time.Duration) *Guard {
	return &Guard{rdb: rdb, maxFailures: maxFailures, lockout: lockout}
}

// NewClient opens the redis connection used by the guard
func NewClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
}

// Locked reports whether key is locked and for how much longer
func (g *Guard) Locked(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, err := g.rdb.TTL(ctx, lockKey(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, err
	}
	if ttl > 0 {
		return true, ttl, nil
	}
	return false, 0, nil
}

// RegisterFailure counts a miss and locks key once the limit is reached.
// An existing lock keeps its remaining TTL.
func (g *Guard) RegisterFailure(ctx context.Context, key string) error {
	failKey := failKey(key)
	count, err := g.rdb.Incr(ctx, failKey).Result()
	if err != nil {
		return err
	}
	if count == 1 {
		if err := g.rdb.Expire(ctx, failKey, g.lockout).Err(); err != nil {
			return err
		}
	}
	if int(count) < g.maxFailures {
		return nil
	}
	return g.rdb.SetNX(ctx, lockKey(key), "1", g.lockout).Err()
}

// Clear forgets previous failures after a successful claim
func (g *Guard) Clear(ctx context.Context, key string) error {
	return g.rdb.Del(ctx, failKey(key)).Err()
}

// Ping checks the connection
func (g *Guard) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

func failKey(key string) string { return "claim_fail:" + key }
func lockKey(key string) string { return "claim_lockout:" + key }

// Noop never locks. It is used when no redis is configured.
type Noop struct{}

func (Noop) Locked(context.Context, string) (bool, time.Duration, error) { return false, 0, nil }
func (Noop) RegisterFailure(context.Context, string) error             { return nil }
func (Noop) Clear(context.Context, string) error                       { return nil }
