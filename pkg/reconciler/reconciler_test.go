package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/events"
	"github.com/coralhq/coral/pkg/storage"
	"github.com/coralhq/coral/pkg/types"
)

// memFeeds is an in-memory FeedStore; only BatchGet matters here.
type memFeeds struct {
	feeds map[string][]types.Activity
}

var _ storage.FeedStore = (*memFeeds)(nil)

func newMemFeeds() *memFeeds {
	return &memFeeds{feeds: make(map[string][]types.Activity)}
}

func (m *memFeeds) Append(_ context.Context, feedID string, activities []types.Activity) error {
	m.feeds[feedID] = append(m.feeds[feedID], activities...)
	return nil
}

func (m *memFeeds) Page(_ context.Context, feedID, _ string, limit int) ([]types.Activity, string, error) {
	all := m.feeds[feedID]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, "", nil
}

func (m *memFeeds) BatchGet(_ context.Context, feedIDs []string, sinceMillis int64) (map[string][]types.Activity, error) {
	out := make(map[string][]types.Activity)
	for _, feedID := range feedIDs {
		for _, a := range m.feeds[feedID] {
			if sinceMillis <= 0 || a.Published >= sinceMillis {
				out[feedID] = append(out[feedID], a)
			}
		}
	}
	return out, nil
}

func (m *memFeeds) Delete(_ context.Context, _ string, _ []string) error { return nil }
func (m *memFeeds) Clear(_ context.Context, feedID string) error {
	delete(m.feeds, feedID)
	return nil
}

type fixture struct {
	counters *storage.RedisCounters
	feeds    *memFeeds
	broker   *events.Broker
	rec      *Reconciler
	updated  <-chan events.UpdatedUser
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	broker := events.NewBroker()
	t.Cleanup(broker.Stop)
	// Subscribe before the reconciler so corrections are observable.
	updated := broker.SubscribeUpdatedUser("test", 16)

	counters := storage.NewRedisCounters(rdb)
	feeds := newMemFeeds()
	rec := New(Config{
		Counters: counters,
		Feeds:    feeds,
		Broker:   broker,
		Clock:    clock.NewFake(time.UnixMilli(1_700_000_000_000)),
		Interval: 10 * time.Millisecond,
	})
	return &fixture{counters: counters, feeds: feeds, broker: broker, rec: rec, updated: updated}
}

// seed puts n notification activities in a user's feed, published one
// millisecond apart starting at base.
func (f *fixture) seed(userID string, base int64, n int) {
	feedID := types.FeedID(userID, types.StreamNotification)
	for i := 0; i < n; i++ {
		published := base + int64(i)
		f.feeds.feeds[feedID] = append(f.feeds.feeds[feedID], types.Activity{
			ActivityType: "content-share",
			ActivityID:   fmt.Sprintf("%d:n%d", published, i),
			Verb:         "share",
			Published:    published,
		})
	}
}

func TestSweepCorrectsDriftedCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed("u:cam:alice", 1000, 3)
	require.NoError(t, f.counters.Set(ctx, "u:cam:alice", 1))

	f.rec.markDirty("u:cam:alice")
	f.rec.sweep(ctx)

	unread, err := f.counters.Get(ctx, "u:cam:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), unread)

	select {
	case ev := <-f.updated:
		assert.Equal(t, "u:cam:alice", ev.UserID)
		assert.Equal(t, int64(3), ev.Unread)
	default:
		t.Fatal("expected an UpdatedUser event for the correction")
	}
}

func TestAccurateCountersAreLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed("u:cam:alice", 1000, 2)
	require.NoError(t, f.counters.Set(ctx, "u:cam:alice", 2))

	f.rec.markDirty("u:cam:alice")
	f.rec.sweep(ctx)

	unread, err := f.counters.Get(ctx, "u:cam:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread)
	assert.Empty(t, f.updated)
}

func TestOnlyActivitiesAfterLastReadCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed("u:cam:alice", 1000, 3)
	// The user read up to the second activity.
	require.NoError(t, f.counters.SetLastRead(ctx, "u:cam:alice", 1001))
	require.NoError(t, f.counters.Set(ctx, "u:cam:alice", 3))

	f.rec.markDirty("u:cam:alice")
	f.rec.sweep(ctx)

	unread, err := f.counters.Get(ctx, "u:cam:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)
}

func TestDeliveredEventsTriggerRepair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed("u:cam:alice", 1000, 2)
	require.NoError(t, f.counters.Set(ctx, "u:cam:alice", 9))

	f.rec.Start()
	t.Cleanup(f.rec.Stop)

	f.broker.PublishDelivered(events.DeliveredActivities{
		Deliveries: map[string]map[string]events.Delivery{
			"u:cam:alice": {
				types.StreamNotification: {NumNew: 1},
			},
		},
	})

	require.Eventually(t, func() bool {
		unread, err := f.counters.Get(ctx, "u:cam:alice")
		return err == nil && unread == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNonUserRecipientsAreIgnored(t *testing.T) {
	f := newFixture(t)

	f.rec.markDelivered(events.DeliveredActivities{
		Deliveries: map[string]map[string]events.Delivery{
			"g:cam:devs": {
				types.StreamNotification: {NumNew: 1},
			},
			"u:cam:alice": {
				// Transient deliveries never touch the counter.
				types.StreamNotification: {NumNew: 1, Transient: true},
			},
		},
	})

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Empty(t, f.rec.dirty)
}
