package defense

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindowStore backs the fixed-window counters with Redis so several
// backend instances can share limits. The first increment of a window sets
// the key's TTL to the window length; Redis expiry then plays the janitor's
// role, so Sweep is a no-op.
type RedisWindowStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures a RedisWindowStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisWindowStore connects to Redis and verifies the connection.
func NewRedisWindowStore(ctx context.Context, opts RedisOptions) (*RedisWindowStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return &RedisWindowStore{client: client, prefix: "cvchat:rl:"}, nil
}

func (s *RedisWindowStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	rkey := s.prefix + key
	count, err := s.client.Incr(ctx, rkey).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", rkey, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, rkey, window).Err(); err != nil {
			return count, fmt.Errorf("setting window expiry on %s: %w", rkey, err)
		}
	}
	return count, nil
}

// Sweep is a no-op: window keys carry their own TTL.
func (s *RedisWindowStore) Sweep() int { return 0 }

// Close releases the Redis connection.
func (s *RedisWindowStore) Close() error { return s.client.Close() }
