package storage

import (
	"context"
	"fmt"

	"github.com/coralhq/coral/pkg/types"
)

// Redis key layouts owned by the pipeline.
const (
	keyBucket            = "coral:activity:bucket:%d"
	keyAggregateStatus   = "coral:activity:aggregate:%s:status"
	keyAggregateEntities = "coral:activity:aggregate:%s:%s:entities"
	keyEntity            = "coral:activity:entity:%s"
	keyActiveAggregates  = "coral:activity:active-aggregates:%s"
	keyNotificationCount = "coral:activity:notification-count:%s"
	keyNotificationMeta  = "coral:activity:notification-meta:%s"
)

// RoleEntities holds the three role maps of an aggregate, keyed by entity
// key (the entity's oae:id).
type RoleEntities struct {
	Actors  map[string]types.Entity
	Objects map[string]types.Entity
	Targets map[string]types.Entity
}

// NewRoleEntities creates empty role maps.
func NewRoleEntities() RoleEntities {
	return RoleEntities{
		Actors:  make(map[string]types.Entity),
		Objects: make(map[string]types.Entity),
		Targets: make(map[string]types.Entity),
	}
}

// Role returns the map for one role.
func (re RoleEntities) Role(role types.Role) map[string]types.Entity {
	switch role {
	case types.RoleActor:
		return re.Actors
	case types.RoleObject:
		return re.Objects
	case types.RoleTarget:
		return re.Targets
	}
	return nil
}

// QueueStore persists routed activities in per-bucket sequences sorted by
// publish time.
type QueueStore interface {
	// Enqueue appends routed activities to their buckets.
	Enqueue(ctx context.Context, bucketed map[int][]types.RoutedActivity) error
	// PeekBatch returns up to limit entries of a bucket, oldest first. The
	// peeked count includes undecodable entries so callers can delete the
	// exact range they examined; total is the bucket's full size.
	PeekBatch(ctx context.Context, bucket, limit int) (items []types.RoutedActivity, peeked int, total int64, err error)
	// DeleteBatch removes the first count entries of a bucket by rank.
	DeleteBatch(ctx context.Context, bucket, count int) error
}

// AggregateStore backs the time-windowed aggregation over the key-value
// store.
type AggregateStore interface {
	StatusMany(ctx context.Context, keys []types.AggregateKey) (map[types.AggregateKey]types.AggregateStatus, error)
	IndexStatus(ctx context.Context, updates map[types.AggregateKey]types.AggregateStatus) error
	ActiveKeysForFeeds(ctx context.Context, feedIDs []string) (map[string][]types.AggregateKey, error)
	LoadAggregates(ctx context.Context, keys []types.AggregateKey) (map[types.AggregateKey]RoleEntities, error)
	SaveAggregates(ctx context.Context, partials map[types.AggregateKey]RoleEntities) error
	DeleteAggregates(ctx context.Context, keys []types.AggregateKey) error
	RemoveActiveKeys(ctx context.Context, feedID string, keys []types.AggregateKey) error
	ResetFeeds(ctx context.Context, feedIDs []string) error
}

// FeedStore is the append-only per-feed ordered log.
type FeedStore interface {
	Append(ctx context.Context, feedID string, activities []types.Activity) error
	// Page returns up to limit activities newest-first, starting after the
	// opaque token, plus the token for the next page ("" when exhausted).
	Page(ctx context.Context, feedID, start string, limit int) ([]types.Activity, string, error)
	// BatchGet loads each feed's activities published at or after
	// sinceMillis, oldest first. sinceMillis<=0 loads everything live.
	BatchGet(ctx context.Context, feedIDs []string, sinceMillis int64) (map[string][]types.Activity, error)
	Delete(ctx context.Context, feedID string, activityIDs []string) error
	Clear(ctx context.Context, feedID string) error
}

// CounterStore maintains per-user unread notification state.
type CounterStore interface {
	Incr(ctx context.Context, userID string, delta int64) (int64, error)
	Get(ctx context.Context, userID string) (int64, error)
	// Set overwrites the counter, used by markRead and reconciliation.
	Set(ctx context.Context, userID string, value int64) error
	SetLastRead(ctx context.Context, userID string, millis int64) error
	LastRead(ctx context.Context, userID string) (int64, error)
}

// EmailBucketStore persists the recipients queued into each email digest
// bucket.
type EmailBucketStore interface {
	Queue(ctx context.Context, bucketID, recipientID string) error
	// Page returns up to limit recipient ids ordered lexically, starting
	// after the opaque token.
	Page(ctx context.Context, bucketID, start string, limit int) ([]string, string, error)
	Unqueue(ctx context.Context, bucketID string, recipientIDs []string) error
}

func bucketKey(bucket int) string {
	return fmt.Sprintf(keyBucket, bucket)
}

func statusKey(key types.AggregateKey) string {
	return fmt.Sprintf(keyAggregateStatus, key)
}

func roleEntitiesKey(key types.AggregateKey, role types.Role) string {
	return fmt.Sprintf(keyAggregateEntities, key, rolePlural(role))
}

func rolePlural(role types.Role) string {
	switch role {
	case types.RoleActor:
		return "actors"
	case types.RoleObject:
		return "objects"
	case types.RoleTarget:
		return "targets"
	}
	return string(role)
}

func entityKey(identity string) string {
	return fmt.Sprintf(keyEntity, identity)
}

func activeAggregatesKey(feedID string) string {
	return fmt.Sprintf(keyActiveAggregates, feedID)
}
