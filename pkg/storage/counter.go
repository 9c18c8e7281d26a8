package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisCounters implements CounterStore on plain Redis integers and a small
// per-user metadata hash. The counter is a cache of the notification-feed
// tail; the feed remains authoritative when they diverge.
type RedisCounters struct {
	rdb redis.UniversalClient
}

// NewRedisCounters creates the counter store.
func NewRedisCounters(rdb redis.UniversalClient) *RedisCounters {
	return &RedisCounters{rdb: rdb}
}

func (c *RedisCounters) Incr(ctx context.Context, userID string, delta int64) (int64, error) {
	value, err := c.rdb.IncrBy(ctx, fmt.Sprintf(keyNotificationCount, userID), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment unread counter for %s: %w", userID, err)
	}
	return value, nil
}

func (c *RedisCounters) Get(ctx context.Context, userID string) (int64, error) {
	raw, err := c.rdb.Get(ctx, fmt.Sprintf(keyNotificationCount, userID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read unread counter for %s: %w", userID, err)
	}
	value, _ := strconv.ParseInt(raw, 10, 64)
	return value, nil
}

func (c *RedisCounters) Set(ctx context.Context, userID string, value int64) error {
	if err := c.rdb.Set(ctx, fmt.Sprintf(keyNotificationCount, userID), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set unread counter for %s: %w", userID, err)
	}
	return nil
}

func (c *RedisCounters) SetLastRead(ctx context.Context, userID string, millis int64) error {
	key := fmt.Sprintf(keyNotificationMeta, userID)
	if err := c.rdb.HSet(ctx, key, "lastRead", strconv.FormatInt(millis, 10)).Err(); err != nil {
		return fmt.Errorf("failed to persist last-read for %s: %w", userID, err)
	}
	return nil
}

func (c *RedisCounters) LastRead(ctx context.Context, userID string) (int64, error) {
	raw, err := c.rdb.HGet(ctx, fmt.Sprintf(keyNotificationMeta, userID), "lastRead").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read last-read for %s: %w", userID, err)
	}
	millis, _ := strconv.ParseInt(raw, 10, 64)
	return millis, nil
}
