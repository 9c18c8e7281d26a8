package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/types"
)

// RedisAggregates implements AggregateStore.
//
// Layout per aggregate key K:
//
//	coral:activity:aggregate:{K}:status            hash, idle TTL
//	coral:activity:aggregate:{K}:actors:entities   hash entityKey -> identity, idle TTL
//	coral:activity:aggregate:{K}:objects:entities  hash entityKey -> identity, idle TTL
//	coral:activity:aggregate:{K}:targets:entities  hash entityKey -> identity, idle TTL
//	coral:activity:entity:{identity}               entity JSON, max TTL
//	coral:activity:active-aggregates:{feed}        zset key -> indexed-at, max TTL
//
// Entities are stored once per content hash (the identity) and referenced
// from the role maps, which breaks the activity/entity reference cycle and
// lets aggregates share entity payloads. Identity values always carry the
// max TTL so they outlive every aggregate that references them.
type RedisAggregates struct {
	rdb        redis.UniversalClient
	clk        clock.Clock
	idleExpiry time.Duration
	maxExpiry  time.Duration
}

// NewRedisAggregates creates the aggregate store. idleExpiry is refreshed
// on every aggregate touch; maxExpiry caps total aggregate lifetime.
func NewRedisAggregates(rdb redis.UniversalClient, clk clock.Clock, idleExpiry, maxExpiry time.Duration) *RedisAggregates {
	return &RedisAggregates{rdb: rdb, clk: clk, idleExpiry: idleExpiry, maxExpiry: maxExpiry}
}

// EntityIdentity computes the content-hash identity under which an entity
// value is stored.
func EntityIdentity(entity types.Entity) (identity string, encoded []byte, err error) {
	// encoding/json writes map keys sorted, so equal entities hash equal.
	encoded, err = json.Marshal(entity)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), encoded, nil
}

func (s *RedisAggregates) StatusMany(ctx context.Context, keys []types.AggregateKey) (map[types.AggregateKey]types.AggregateStatus, error) {
	if len(keys) == 0 {
		return map[types.AggregateKey]types.AggregateStatus{}, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make(map[types.AggregateKey]*redis.MapStringStringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.HGetAll(ctx, statusKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load aggregate statuses: %w", err)
	}

	statuses := make(map[types.AggregateKey]types.AggregateStatus)
	for key, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		statuses[key] = types.AggregateStatus{
			LastActivity:        fields["lastActivity"],
			CreatedMillis:       parseMillis(fields["created"]),
			LastUpdatedMillis:   parseMillis(fields["lastUpdated"]),
			LastCollectedMillis: parseMillis(fields["lastCollected"]),
		}
	}
	return statuses, nil
}

func (s *RedisAggregates) IndexStatus(ctx context.Context, updates map[types.AggregateKey]types.AggregateStatus) error {
	if len(updates) == 0 {
		return nil
	}
	now := s.clk.Now()
	cutoff := strconv.FormatInt(now.Add(-s.maxExpiry).UnixMilli(), 10)

	pipe := s.rdb.Pipeline()
	for key, status := range updates {
		sk := statusKey(key)
		pipe.HSet(ctx, sk,
			"lastActivity", status.LastActivity,
			"created", strconv.FormatInt(status.CreatedMillis, 10),
			"lastUpdated", strconv.FormatInt(status.LastUpdatedMillis, 10),
			"lastCollected", strconv.FormatInt(status.LastCollectedMillis, 10),
		)
		pipe.Expire(ctx, sk, s.idleExpiry)

		active := activeAggregatesKey(key.FeedID())
		pipe.ZAdd(ctx, active, redis.Z{Score: float64(now.UnixMilli()), Member: string(key)})
		pipe.ZRemRangeByScore(ctx, active, "-inf", "("+cutoff)
		pipe.Expire(ctx, active, s.maxExpiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index aggregate statuses: %w", err)
	}
	return nil
}

func (s *RedisAggregates) ActiveKeysForFeeds(ctx context.Context, feedIDs []string) (map[string][]types.AggregateKey, error) {
	if len(feedIDs) == 0 {
		return map[string][]types.AggregateKey{}, nil
	}
	min := strconv.FormatInt(s.clk.Now().Add(-s.maxExpiry).UnixMilli(), 10)

	pipe := s.rdb.Pipeline()
	cmds := make(map[string]*redis.StringSliceCmd, len(feedIDs))
	for _, feedID := range feedIDs {
		cmds[feedID] = pipe.ZRangeByScore(ctx, activeAggregatesKey(feedID), &redis.ZRangeBy{
			Min: min,
			Max: "+inf",
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load active aggregates: %w", err)
	}

	active := make(map[string][]types.AggregateKey, len(feedIDs))
	for feedID, cmd := range cmds {
		keys := make([]types.AggregateKey, 0, len(cmd.Val()))
		for _, raw := range cmd.Val() {
			keys = append(keys, types.AggregateKey(raw))
		}
		active[feedID] = keys
	}
	return active, nil
}

func (s *RedisAggregates) LoadAggregates(ctx context.Context, keys []types.AggregateKey) (map[types.AggregateKey]RoleEntities, error) {
	if len(keys) == 0 {
		return map[types.AggregateKey]RoleEntities{}, nil
	}

	type roleCmd struct {
		key  types.AggregateKey
		role types.Role
		cmd  *redis.MapStringStringCmd
	}
	pipe := s.rdb.Pipeline()
	var roleCmds []roleCmd
	for _, key := range keys {
		for _, role := range types.Roles() {
			roleCmds = append(roleCmds, roleCmd{
				key:  key,
				role: role,
				cmd:  pipe.HGetAll(ctx, roleEntitiesKey(key, role)),
			})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load aggregate role maps: %w", err)
	}

	// Gather the distinct identities before resolving them in one MGET.
	identitySet := make(map[string]bool)
	for _, rc := range roleCmds {
		for _, identity := range rc.cmd.Val() {
			identitySet[identity] = true
		}
	}
	identities := make([]string, 0, len(identitySet))
	for identity := range identitySet {
		identities = append(identities, identity)
	}

	resolved := make(map[string]types.Entity, len(identities))
	if len(identities) > 0 {
		idKeys := make([]string, len(identities))
		for i, identity := range identities {
			idKeys[i] = entityKey(identity)
		}
		values, err := s.rdb.MGet(ctx, idKeys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve entity identities: %w", err)
		}
		for i, value := range values {
			raw, ok := value.(string)
			if !ok {
				// An unresolvable identity means the aggregate outlived its
				// max expiry; the caller treats the slot as fresh.
				log.WithComponent("aggregate-store").Warn().
					Str("identity", identities[i]).
					Msg("entity identity did not resolve")
				continue
			}
			var entity types.Entity
			if err := json.Unmarshal([]byte(raw), &entity); err != nil {
				log.WithComponent("aggregate-store").Error().Err(err).
					Str("identity", identities[i]).
					Msg("failed to decode stored entity")
				continue
			}
			resolved[identities[i]] = entity
		}
	}

	loaded := make(map[types.AggregateKey]RoleEntities, len(keys))
	for _, key := range keys {
		loaded[key] = NewRoleEntities()
	}
	for _, rc := range roleCmds {
		roleMap := loaded[rc.key].Role(rc.role)
		for entKey, identity := range rc.cmd.Val() {
			if entity, ok := resolved[identity]; ok {
				roleMap[entKey] = entity
			}
		}
	}
	return loaded, nil
}

func (s *RedisAggregates) SaveAggregates(ctx context.Context, partials map[types.AggregateKey]RoleEntities) error {
	if len(partials) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for key, roles := range partials {
		for _, role := range types.Roles() {
			roleMap := roles.Role(role)
			if len(roleMap) == 0 {
				continue
			}
			rk := roleEntitiesKey(key, role)
			fields := make([]any, 0, len(roleMap)*2)
			for entKey, entity := range roleMap {
				identity, encoded, err := EntityIdentity(entity)
				if err != nil {
					return err
				}
				pipe.Set(ctx, entityKey(identity), encoded, s.maxExpiry)
				fields = append(fields, entKey, identity)
			}
			pipe.HSet(ctx, rk, fields...)
			pipe.Expire(ctx, rk, s.idleExpiry)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save aggregates: %w", err)
	}
	return nil
}

func (s *RedisAggregates) DeleteAggregates(ctx context.Context, keys []types.AggregateKey) error {
	if len(keys) == 0 {
		return nil
	}
	del := make([]string, 0, len(keys)*4)
	for _, key := range keys {
		del = append(del, statusKey(key))
		for _, role := range types.Roles() {
			del = append(del, roleEntitiesKey(key, role))
		}
	}
	if err := s.rdb.Del(ctx, del...).Err(); err != nil {
		return fmt.Errorf("failed to delete aggregates: %w", err)
	}
	return nil
}

func (s *RedisAggregates) RemoveActiveKeys(ctx context.Context, feedID string, keys []types.AggregateKey) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]any, len(keys))
	for i, key := range keys {
		members[i] = string(key)
	}
	if err := s.rdb.ZRem(ctx, activeAggregatesKey(feedID), members...).Err(); err != nil {
		return fmt.Errorf("failed to remove active aggregate keys: %w", err)
	}
	return nil
}

func (s *RedisAggregates) ResetFeeds(ctx context.Context, feedIDs []string) error {
	for _, feedID := range feedIDs {
		raw, err := s.rdb.ZRange(ctx, activeAggregatesKey(feedID), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to list active aggregates of %s: %w", feedID, err)
		}
		keys := make([]types.AggregateKey, 0, len(raw))
		for _, k := range raw {
			keys = append(keys, types.AggregateKey(k))
		}
		if err := s.DeleteAggregates(ctx, keys); err != nil {
			return err
		}
		// Entity identity values are left to expire on their own TTL.
		if err := s.rdb.Del(ctx, activeAggregatesKey(feedID)).Err(); err != nil {
			return fmt.Errorf("failed to clear active aggregates of %s: %w", feedID, err)
		}
	}
	return nil
}

func parseMillis(raw string) int64 {
	millis, _ := strconv.ParseInt(raw, 10, 64)
	return millis
}
