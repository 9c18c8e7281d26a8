package buckets

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/coralhq/coral/pkg/log"
)

// Number assigns key to a bucket in [0, n) using a stable hash, so every
// process shards the same key to the same bucket.
func Number(key string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// DrainFunc drains one batch from a bucket. It returns done=true when the
// bucket is empty or should not be retried within this sweep.
type DrainFunc func(ctx context.Context, bucket int) (done bool, err error)

// releaseScript deletes a lock only when the caller still owns it, so a
// drain that outlived its TTL cannot release another worker's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker acquires per-bucket collection locks in Redis.
type Locker struct {
	rdb redis.UniversalClient
}

// NewLocker creates a Locker over the given Redis client.
func NewLocker(rdb redis.UniversalClient) *Locker {
	return &Locker{rdb: rdb}
}

// Acquire attempts to take the lock at key for ttl. On success it returns a
// release function; on contention ok is false. A crashed holder's lock
// expires by TTL.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error) {
	owner := uuid.NewString()
	ok, err = l.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release = func() {
		// Best effort; an expired lock releases itself.
		if err := releaseScript.Run(context.Background(), l.rdb, []string{key}, owner).Err(); err != nil && err != redis.Nil {
			log.WithComponent("buckets").Warn().Err(err).Str("lock", key).Msg("failed to release collection lock")
		}
	}
	return release, true, nil
}

// CollectAll sweeps buckets 0..n-1 in randomised order, draining each one
// this process can lock. At most maxConcurrent drains run in parallel; a
// bucket's drain is re-invoked until it reports done. Lock TTL must cover
// the expected drain time of one batch.
func CollectAll(ctx context.Context, locker *Locker, prefix string, n, maxConcurrent int, lockTTL time.Duration, drain DrainFunc) error {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	order := rand.Perm(n)
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	logger := log.WithComponent("buckets")

	var wg sync.WaitGroup
	for _, bucket := range order {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(bucket int) {
			defer wg.Done()
			defer sem.Release(1)

			lockKey := fmt.Sprintf("%s:%d", prefix, bucket)
			release, ok, err := locker.Acquire(ctx, lockKey, lockTTL)
			if err != nil {
				logger.Error().Err(err).Int("bucket", bucket).Msg("failed to acquire collection lock")
				return
			}
			if !ok {
				// Another worker owns this bucket.
				return
			}
			defer release()

			for {
				done, err := drain(ctx, bucket)
				if err != nil {
					logger.Error().Err(err).Int("bucket", bucket).Msg("bucket drain failed, will retry next cycle")
					return
				}
				if done {
					return
				}
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}(bucket)
	}
	wg.Wait()
	return ctx.Err()
}
