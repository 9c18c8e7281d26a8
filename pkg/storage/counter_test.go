package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterIncrGetSet(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewRedisCounters(rdb)
	ctx := context.Background()

	// Missing counter reads as zero.
	value, err := c.Get(ctx, "u:cam:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)

	value, err = c.Incr(ctx, "u:cam:alice", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)

	value, err = c.Incr(ctx, "u:cam:alice", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), value)

	require.NoError(t, c.Set(ctx, "u:cam:alice", 0))
	value, err = c.Get(ctx, "u:cam:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)
}

func TestCountersAreIsolatedPerUser(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewRedisCounters(rdb)
	ctx := context.Background()

	_, err := c.Incr(ctx, "u:cam:alice", 4)
	require.NoError(t, err)

	value, err := c.Get(ctx, "u:cam:bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)
}

func TestLastReadRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewRedisCounters(rdb)
	ctx := context.Background()

	millis, err := c.LastRead(ctx, "u:cam:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), millis)

	require.NoError(t, c.SetLastRead(ctx, "u:cam:alice", 1_700_000_123_456))
	millis, err = c.LastRead(ctx, "u:cam:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_123_456), millis)
}
