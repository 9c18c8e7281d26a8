package aggregator

import (
	"sort"

	"github.com/coralhq/coral/pkg/registry"
	"github.com/coralhq/coral/pkg/storage"
	"github.com/coralhq/coral/pkg/types"
)

// partial accumulates one aggregate key's contributions within a batch.
type partial struct {
	route        types.Route
	activityType string
	verb         string
	published    int64
	roles        storage.RoleEntities
	// order keeps the first-seen entity keys per role so collection
	// entities list members deterministically.
	order map[types.Role][]string
	// firstActivityID is the id of the earliest contributing activity; the
	// built aggregate keeps it as its stable id.
	firstActivityID string
	activityIDs     []string
	idSet           map[string]bool
}

func newPartial(route types.Route, activity types.Activity) *partial {
	return &partial{
		route:           route,
		activityType:    activity.ActivityType,
		verb:            activity.Verb,
		firstActivityID: activity.ActivityID,
		roles:           storage.NewRoleEntities(),
		order:           make(map[types.Role][]string),
		idSet:           make(map[string]bool),
	}
}

// absorb merges one activity's entities into the partial. Later values win
// on entity-key collision.
func (p *partial) absorb(activity types.Activity) {
	if activity.Published > p.published {
		p.published = activity.Published
	}
	if !p.idSet[activity.ActivityID] {
		p.idSet[activity.ActivityID] = true
		p.activityIDs = append(p.activityIDs, activity.ActivityID)
	}
	for _, role := range types.Roles() {
		entity := activity.Role(role)
		if entity == nil {
			continue
		}
		roleMap := p.roles.Role(role)
		for _, member := range flattenEntity(entity) {
			key := member.ID()
			if _, seen := roleMap[key]; !seen {
				p.order[role] = append(p.order[role], key)
			}
			roleMap[key] = member
		}
	}
}

// flattenEntity expands a collection entity into its members, so
// re-aggregating an already-aggregated activity merges at the member level.
func flattenEntity(entity types.Entity) []types.Entity {
	if entity.ObjectType() != types.ObjectTypeCollection {
		return []types.Entity{entity}
	}
	switch members := entity[types.PropCollection].(type) {
	case []types.Entity:
		return members
	case []any:
		// Collections that crossed a JSON round trip.
		out := make([]types.Entity, 0, len(members))
		for _, raw := range members {
			if m, ok := raw.(map[string]any); ok {
				out = append(out, types.Entity(m))
			}
		}
		return out
	}
	return nil
}

// aggregateKeys derives the aggregate keys of a routed activity: one per
// groupBy pivot, or a single duplicate-collapsing key freezing all three
// roles when no pivots are configured.
func aggregateKeys(reg *registry.Registry, ra types.RoutedActivity) []types.AggregateKey {
	opts, ok := reg.ActivityType(ra.Activity.ActivityType)
	if !ok {
		return nil
	}
	pivots := opts.GroupBy
	if len(pivots) == 0 {
		pivots = []registry.PivotSpec{{Actor: true, Object: true, Target: true}}
	}

	keys := make([]types.AggregateKey, 0, len(pivots))
	for _, pivot := range pivots {
		var frozen [3]string
		for i, role := range types.Roles() {
			if !pivot.Frozen(role) {
				continue
			}
			if entity := ra.Activity.Role(role); entity != nil {
				frozen[i] = entity.ID()
			}
		}
		keys = append(keys, types.NewAggregateKey(
			ra.Route, ra.Activity.ActivityType, frozen[0], frozen[1], frozen[2]))
	}
	return keys
}

// buildPartials sorts a batch into publish order and groups it by aggregate
// key. Activities of unregistered types are dropped by aggregateKeys.
func buildPartials(reg *registry.Registry, batch []types.RoutedActivity) (map[types.AggregateKey]*partial, []types.AggregateKey) {
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Activity.Published != batch[j].Activity.Published {
			return batch[i].Activity.Published < batch[j].Activity.Published
		}
		return batch[i].Activity.ActivityID < batch[j].Activity.ActivityID
	})

	partials := make(map[types.AggregateKey]*partial)
	var keyOrder []types.AggregateKey
	for _, ra := range batch {
		for _, key := range aggregateKeys(reg, ra) {
			p, ok := partials[key]
			if !ok {
				p = newPartial(ra.Route, ra.Activity)
				partials[key] = p
				keyOrder = append(keyOrder, key)
			}
			p.absorb(ra.Activity)
		}
	}
	return partials, keyOrder
}

// buildActivity turns a merged aggregate into its feed representation. Roles
// holding one entity carry it directly; several entities become a collection
// in the given member order.
func buildActivity(p *partial, merged storage.RoleEntities, memberOrder map[types.Role][]string) types.Activity {
	activity := types.Activity{
		ActivityType: p.activityType,
		ActivityID:   p.firstActivityID,
		Verb:         p.verb,
		Published:    p.published,
	}
	for _, role := range types.Roles() {
		roleMap := merged.Role(role)
		switch len(roleMap) {
		case 0:
		case 1:
			for _, entity := range roleMap {
				activity.SetRole(role, entity)
			}
		default:
			members := make([]types.Entity, 0, len(roleMap))
			for _, key := range memberOrder[role] {
				if entity, ok := roleMap[key]; ok {
					members = append(members, entity)
				}
			}
			activity.SetRole(role, types.CollectionEntity(members))
		}
	}
	return activity
}

// mergeRoles unions prior role maps with a batch partial. Batch values win
// on collision; member order lists prior keys sorted, then batch-new keys in
// first-seen order.
func mergeRoles(prior storage.RoleEntities, p *partial) (storage.RoleEntities, map[types.Role][]string) {
	merged := storage.NewRoleEntities()
	memberOrder := make(map[types.Role][]string)
	for _, role := range types.Roles() {
		out := merged.Role(role)

		priorKeys := make([]string, 0, len(prior.Role(role)))
		for key, entity := range prior.Role(role) {
			out[key] = entity
			priorKeys = append(priorKeys, key)
		}
		sort.Strings(priorKeys)
		memberOrder[role] = priorKeys

		for key, entity := range p.roles.Role(role) {
			out[key] = entity
		}
		for _, key := range p.order[role] {
			if _, inPrior := prior.Role(role)[key]; !inPrior {
				memberOrder[role] = append(memberOrder[role], key)
			}
		}
	}
	return merged, memberOrder
}

// Reaggregate merges a flat list of already-delivered activities in memory,
// as if they had arrived in one batch on the given route. The email digest
// uses it to combine activities that were created as separate aggregates
// over a long window.
func Reaggregate(reg *registry.Registry, route types.Route, activities []types.Activity) []types.Activity {
	routed := make([]types.RoutedActivity, len(activities))
	for i, activity := range activities {
		routed[i] = types.RoutedActivity{Route: route, Activity: activity}
	}
	partials, keyOrder := buildPartials(reg, routed)

	merged := make([]types.Activity, 0, len(keyOrder))
	for _, key := range keyOrder {
		p := partials[key]
		merged = append(merged, buildActivity(p, p.roles, p.order))
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Published < merged[j].Published
	})
	return merged
}
