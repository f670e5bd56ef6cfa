package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard grants at most one holder per key until ttl elapses.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisGuard implements Guard with SET NX so that every replica running the
// scheduler agrees on a single winner.
type RedisGuard struct {
	client redis.Cmdable
	holder string
}

// NewRedisGuard constructs a guard on client. The holder value recorded in
// Redis is the host name, for operators inspecting the key.
func NewRedisGuard(client redis.Cmdable) *RedisGuard {
	holder, err := os.Hostname()
	if err != nil || holder == "" {
		holder = "vidgen"
	}
	return &RedisGuard{client: client, holder: holder}
}

// Acquire reports whether this caller won key.
func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, key, g.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}
