package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/types"
)

// RedisQueue implements QueueStore on Redis sorted sets: one set per
// bucket, member = routed-activity JSON, score = publish millis.
type RedisQueue struct {
	rdb redis.UniversalClient
}

// NewRedisQueue creates a RedisQueue over the given client.
func NewRedisQueue(rdb redis.UniversalClient) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, bucketed map[int][]types.RoutedActivity) error {
	pipe := q.rdb.Pipeline()
	for bucket, entries := range bucketed {
		members := make([]redis.Z, 0, len(entries))
		for _, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to encode routed activity: %w", err)
			}
			members = append(members, redis.Z{
				Score:  float64(entry.Activity.Published),
				Member: data,
			})
		}
		if len(members) > 0 {
			pipe.ZAdd(ctx, bucketKey(bucket), members...)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue routed activities: %w", err)
	}
	return nil
}

func (q *RedisQueue) PeekBatch(ctx context.Context, bucket, limit int) ([]types.RoutedActivity, int, int64, error) {
	key := bucketKey(bucket)

	pipe := q.rdb.Pipeline()
	rangeCmd := pipe.ZRange(ctx, key, 0, int64(limit)-1)
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to peek bucket %d: %w", bucket, err)
	}

	raw := rangeCmd.Val()
	items := make([]types.RoutedActivity, 0, len(raw))
	for _, member := range raw {
		var entry types.RoutedActivity
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			// A corrupt entry must not wedge the bucket; it is dropped by
			// the following DeleteBatch.
			log.WithBucket(bucket).Error().Err(err).Msg("dropping undecodable routed activity")
			continue
		}
		items = append(items, entry)
	}
	return items, len(raw), countCmd.Val(), nil
}

func (q *RedisQueue) DeleteBatch(ctx context.Context, bucket, count int) error {
	if count <= 0 {
		return nil
	}
	if err := q.rdb.ZRemRangeByRank(ctx, bucketKey(bucket), 0, int64(count)-1).Err(); err != nil {
		return fmt.Errorf("failed to delete processed batch from bucket %d: %w", bucket, err)
	}
	return nil
}
