package buckets

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestNumberIsStableAndBounded(t *testing.T) {
	n := 16
	seen := make(map[int]bool)
	keys := []string{"u:cam:alice#activity", "u:cam:bob#notification", "g:cam:devs#activity", "c:cam:doc#message"}
	for _, key := range keys {
		first := Number(key, n)
		assert.Equal(t, first, Number(key, n), "bucket assignment must be deterministic")
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, n)
		seen[first] = true
	}
	assert.Equal(t, 0, Number("anything", 0))
}

func TestLockerMutualExclusion(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb)
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx, "lock:test:0", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.Acquire(ctx, "lock:test:0", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while lock is held")

	release()

	_, ok, err = locker.Acquire(ctx, "lock:test:0", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be re-acquirable after release")
}

func TestLockerExpiresByTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewLocker(rdb)
	ctx := context.Background()

	_, ok, err := locker.Acquire(ctx, "lock:test:1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.Acquire(ctx, "lock:test:1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be seizable by another worker")
}

func TestCollectAllDrainsEveryBucketOnce(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb)

	const n = 8
	var mu sync.Mutex
	drained := make(map[int]int)

	err := CollectAll(context.Background(), locker, "lock:collect", n, 3, time.Minute,
		func(_ context.Context, bucket int) (bool, error) {
			mu.Lock()
			drained[bucket]++
			mu.Unlock()
			return true, nil
		})
	require.NoError(t, err)

	require.Len(t, drained, n)
	for bucket, count := range drained {
		assert.Equal(t, 1, count, "bucket %d drained more than once", bucket)
	}
}

func TestCollectAllReinvokesUntilDone(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb)

	var calls int32
	err := CollectAll(context.Background(), locker, "lock:collect", 1, 1, time.Minute,
		func(_ context.Context, _ int) (bool, error) {
			return atomic.AddInt32(&calls, 1) >= 3, nil
		})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCollectAllSkipsHeldBuckets(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb)
	ctx := context.Background()

	// Simulate another worker holding bucket 0.
	_, ok, err := locker.Acquire(ctx, "lock:collect:0", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	var drained int32
	err = CollectAll(ctx, locker, "lock:collect", 1, 1, time.Minute,
		func(_ context.Context, _ int) (bool, error) {
			atomic.AddInt32(&drained, 1)
			return true, nil
		})
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&drained))
}

func TestCollectAllBoundsConcurrency(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb)

	const maxConcurrent = 2
	var current, peak int32
	err := CollectAll(context.Background(), locker, "lock:collect", 8, maxConcurrent, time.Minute,
		func(_ context.Context, _ int) (bool, error) {
			cur := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return true, nil
		})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(maxConcurrent))
}
