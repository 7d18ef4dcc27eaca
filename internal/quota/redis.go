package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
)

// counterTTL keeps a day's counter around past its day in any timezone.
const counterTTL = 48 * time.Hour

// RedisCounters stores counters as INCR keys that expire after two days.
type RedisCounters struct {
	client *redis.Client
	prefix string
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisCounters wraps client.
func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client, prefix: "usage"}
}

func (c *RedisCounters) key(accountID, day string, q models.QuotaType) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.prefix, accountID, day, q)
}

// Count returns the counter value, zero when the key is absent.
func (c *RedisCounters) Count(ctx context.Context, accountID, day string, q models.QuotaType) (int64, error) {
	n, err := c.client.Get(ctx, c.key(accountID, day, q)).Int64()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return n, nil
}

// Increment bumps the counter and refreshes its expiry in one transaction.
func (c *RedisCounters) Increment(ctx context.Context, accountID, day string, q models.QuotaType) (int64, error) {
	key := c.key(accountID, day, q)

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, counterTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}
	return incr.Val(), nil
}
