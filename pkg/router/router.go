package router

import (
	"context"
	"strings"
	"sync"

	"github.com/coralhq/coral/pkg/buckets"
	"github.com/coralhq/coral/pkg/events"
	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/metrics"
	"github.com/coralhq/coral/pkg/registry"
	"github.com/coralhq/coral/pkg/storage"
	"github.com/coralhq/coral/pkg/tenant"
	"github.com/coralhq/coral/pkg/types"
)

// Config wires the router's collaborators and tuning.
type Config struct {
	Registry *registry.Registry
	Tenants  tenant.Directory
	Queue    storage.QueueStore
	Broker   *events.Broker
	// Buckets is the number of processing buckets activities shard into.
	Buckets int
	// Workers bounds the concurrent seed-routing tasks.
	Workers int
	// SeedBuffer sizes the ingress channel.
	SeedBuffer int
}

// Router expands activity seeds into entities and routes, filters the
// routes through each entity's propagation policy and enqueues the
// resulting routed activities into their processing buckets.
type Router struct {
	reg      *registry.Registry
	tenants  tenant.Directory
	queue    storage.QueueStore
	broker   *events.Broker
	nBuckets int
	workers  int

	seedCh chan *types.ActivitySeed
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRouter creates a router from its configuration.
func NewRouter(cfg Config) *Router {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	buffer := cfg.SeedBuffer
	if buffer <= 0 {
		buffer = workers * 4
	}
	return &Router{
		reg:      cfg.Registry,
		tenants:  cfg.Tenants,
		queue:    cfg.Queue,
		broker:   cfg.Broker,
		nBuckets: cfg.Buckets,
		workers:  cfg.Workers,
		seedCh:   make(chan *types.ActivitySeed, buffer),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the routing worker pool.
func (r *Router) Start() {
	workers := r.workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	log.WithComponent("router").Info().Int("workers", workers).Msg("router started")
}

// Stop drains the ingress channel and waits for in-flight seeds.
func (r *Router) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	log.WithComponent("router").Info().Msg("router stopped")
}

func (r *Router) worker() {
	defer r.wg.Done()
	for {
		select {
		case seed := <-r.seedCh:
			if err := r.Route(context.Background(), seed); err != nil {
				metrics.RoutingErrors.Inc()
				log.WithComponent("router").Error().Err(err).
					Str("activityType", seed.ActivityType).
					Msg("failed to route activity seed")
			}
		case <-r.stopCh:
			// Finish what was already accepted.
			for {
				select {
				case seed := <-r.seedCh:
					if err := r.Route(context.Background(), seed); err != nil {
						metrics.RoutingErrors.Inc()
						log.WithComponent("router").Error().Err(err).
							Str("activityType", seed.ActivityType).
							Msg("failed to route activity seed")
					}
				default:
					return
				}
			}
		}
	}
}

// Submit validates a seed and hands it to the worker pool. Validation
// failures are returned synchronously; routing itself is asynchronous.
func (r *Router) Submit(ctx context.Context, seed *types.ActivitySeed) error {
	if err := seed.Validate(); err != nil {
		return err
	}
	if _, ok := r.reg.ActivityType(seed.ActivityType); !ok {
		return types.NewError(types.CodeInvalidInput, "unknown activity type "+seed.ActivityType)
	}
	metrics.SeedsPosted.WithLabelValues(seed.ActivityType).Inc()
	select {
	case r.seedCh <- seed:
		return nil
	case <-r.stopCh:
		return types.NewError(types.CodeStorage, "router is shutting down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Route expands one seed end to end: entities, routes, propagation,
// visibility bucketing, bucket assignment, enqueue and the routed event.
func (r *Router) Route(ctx context.Context, seed *types.ActivitySeed) error {
	opts, ok := r.reg.ActivityType(seed.ActivityType)
	if !ok {
		return types.NewError(types.CodeInvalidInput, "unknown activity type "+seed.ActivityType)
	}

	activity, err := r.produceEntities(ctx, seed)
	if err != nil {
		return err
	}

	assoc := registry.NewAssociationsContext(r.reg)
	var all []types.RoutedActivity
	for streamType, streamRouter := range opts.Streams {
		routes, err := r.routeStream(ctx, assoc, activity, streamType, streamRouter)
		if err != nil {
			return err
		}
		for _, route := range routes {
			metrics.RoutesProduced.WithLabelValues(route.StreamType).Inc()
			all = append(all, types.RoutedActivity{Route: route, Activity: activity})
		}
	}
	if len(all) == 0 {
		return nil
	}

	bucketed := make(map[int][]types.RoutedActivity)
	for _, ra := range all {
		n := buckets.Number(ra.Route.ResourceID+"#"+ra.Route.StreamType+"#"+ra.Activity.ActivityType, r.nBuckets)
		bucketed[n] = append(bucketed[n], ra)
	}
	if err := r.queue.Enqueue(ctx, bucketed); err != nil {
		return err
	}

	r.broker.PublishRouted(events.RoutedActivities{Routed: all})
	return nil
}

// produceEntities runs the registered producer for each seed resource. The
// identity properties always reflect the seed, whatever the producer set.
func (r *Router) produceEntities(ctx context.Context, seed *types.ActivitySeed) (types.Activity, error) {
	activity := types.Activity{
		ActivityType: seed.ActivityType,
		ActivityID:   types.NewActivityID(seed.Published),
		Verb:         seed.Verb,
		Published:    seed.Published,
	}
	for _, role := range types.Roles() {
		resource := seed.Resource(role)
		if resource == nil {
			continue
		}
		producer := r.reg.ProducerFor(resource.ResourceType)
		entity, err := producer(ctx, resource)
		if err != nil {
			return types.Activity{}, err
		}
		if entity == nil {
			entity = types.Entity{}
		}
		entity[types.PropObjectType] = resource.ResourceType
		entity[types.PropID] = resource.ResourceID
		activity.SetRole(role, entity)
	}
	return activity, nil
}

// routeStream produces and filters the routes of one stream type.
func (r *Router) routeStream(ctx context.Context, assoc *registry.AssociationsContext, activity types.Activity, streamType string, streamRouter registry.StreamRouter) ([]types.Route, error) {
	streamOpts, _ := r.reg.StreamType(streamType)

	// Ordered union/difference over each role's association list. The
	// per-role sets feed the ROUTES propagation rule later.
	perRole := make(map[types.Role]map[string]bool)
	resourceIDs := make(map[string]bool)
	for _, role := range types.Roles() {
		entity := activity.Role(role)
		if entity == nil {
			continue
		}
		ids, err := evalAssociationList(ctx, assoc, entity, streamRouter.Associations(role))
		if err != nil {
			return nil, err
		}
		perRole[role] = ids
		for id := range ids {
			resourceIDs[id] = true
		}
	}

	filtered, err := r.applyPropagation(ctx, assoc, activity, resourceIDs, perRole)
	if err != nil {
		return nil, err
	}

	// No self-notifications.
	base := types.BaseStreamType(streamType)
	if base == types.StreamNotification || base == types.StreamEmail {
		delete(filtered, activity.Actor.ID())
	}

	routes := make([]types.Route, 0, len(filtered))
	for resourceID := range filtered {
		route := types.Route{
			ResourceID: resourceID,
			StreamType: streamType,
			Transient:  streamOpts.Transient,
		}
		routes = append(routes, route)
		if streamOpts.VisibilityBucketing {
			routes = append(routes, visibilityVariants(route, activity)...)
		}
	}
	return routes, nil
}

// evalAssociationList resolves an ordered association-name list into a
// resource-id set. Names union in; a leading `^` removes the association's
// ids from the set accumulated so far.
func evalAssociationList(ctx context.Context, assoc *registry.AssociationsContext, entity types.Entity, names []string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, name := range names {
		exclude := strings.HasPrefix(name, "^")
		if exclude {
			name = name[1:]
		}
		ids, err := assoc.Get(ctx, entity, name)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if exclude {
				delete(set, id)
			} else {
				set[id] = true
			}
		}
	}
	return set, nil
}

// applyPropagation narrows the route set through each role entity's
// propagation rules, actor first. Rules are disjunctive; a route survives a
// role's policy if any rule admits it.
func (r *Router) applyPropagation(ctx context.Context, assoc *registry.AssociationsContext, activity types.Activity, resourceIDs map[string]bool, perRole map[types.Role]map[string]bool) (map[string]bool, error) {
	surviving := resourceIDs
	for _, role := range types.Roles() {
		entity := activity.Role(role)
		if entity == nil || len(surviving) == 0 {
			continue
		}
		rules, err := r.reg.PropagationFor(entity.ObjectType())(ctx, entity)
		if err != nil {
			return nil, err
		}

		admitted := make(map[string]bool, len(surviving))
		for _, rule := range rules {
			if err := r.admitByRule(ctx, assoc, activity, role, entity, rule, surviving, perRole, admitted); err != nil {
				return nil, err
			}
			// Every candidate admitted; further rules cannot add routes.
			if len(admitted) == len(surviving) {
				break
			}
		}
		surviving = admitted
	}
	return surviving, nil
}

func (r *Router) admitByRule(ctx context.Context, assoc *registry.AssociationsContext, activity types.Activity, role types.Role, entity types.Entity, rule registry.PropagationRule, candidates map[string]bool, perRole map[types.Role]map[string]bool, admitted map[string]bool) error {
	switch rule.Type {
	case registry.PropagationAll:
		for id := range candidates {
			admitted[id] = true
		}

	case registry.PropagationTenant:
		alias := entity.TenantAlias()
		for id := range candidates {
			if types.TenantAliasOf(id) == alias {
				admitted[id] = true
			}
		}

	case registry.PropagationInteractingTenants:
		alias := entity.TenantAlias()
		for id := range candidates {
			if admitted[id] {
				continue
			}
			ok, err := r.tenants.CanInteract(ctx, types.TenantAliasOf(id), alias)
			if err != nil {
				return err
			}
			if ok {
				admitted[id] = true
			}
		}

	case registry.PropagationRoutes:
		for id := range candidates {
			if perRole[role][id] {
				admitted[id] = true
			}
		}

	case registry.PropagationSelf:
		return admitByAssociation(ctx, assoc, entity, "self", candidates, admitted)

	case registry.PropagationAssociation:
		return admitByAssociation(ctx, assoc, entity, rule.AssociationName, candidates, admitted)

	case registry.PropagationExternalAssociation:
		// Resolve against the first other role whose entity matches the
		// rule's object type.
		for _, otherRole := range types.Roles() {
			if otherRole == role {
				continue
			}
			other := activity.Role(otherRole)
			if other == nil || other.ObjectType() != rule.ObjectType {
				continue
			}
			return admitByAssociation(ctx, assoc, other, rule.AssociationName, candidates, admitted)
		}

	default:
		log.WithComponent("router").Warn().
			Str("propagation", string(rule.Type)).
			Msg("ignoring unknown propagation rule")
	}
	return nil
}

func admitByAssociation(ctx context.Context, assoc *registry.AssociationsContext, entity types.Entity, name string, candidates map[string]bool, admitted map[string]bool) error {
	ids, err := assoc.Get(ctx, entity, name)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if candidates[id] {
			admitted[id] = true
		}
	}
	return nil
}

// visibilityVariants mirrors a route into its #public / #loggedin variants
// when every present entity satisfies the tier. Only the actor's own user
// feed and group feeds occupied by a non-actor role carry variants.
func visibilityVariants(route types.Route, activity types.Activity) []types.Route {
	if !variantEligible(route, activity) {
		return nil
	}

	allPublic := true
	allLoggedIn := true
	for _, role := range types.Roles() {
		entity := activity.Role(role)
		if entity == nil {
			continue
		}
		switch entity.Visibility() {
		case types.VisibilityPublic:
		case types.VisibilityLoggedIn:
			allPublic = false
		default:
			allPublic = false
			allLoggedIn = false
		}
	}

	var variants []types.Route
	if allPublic {
		variants = append(variants, types.Route{
			ResourceID: route.ResourceID,
			StreamType: route.StreamType + "#" + string(types.VisibilityPublic),
			Transient:  route.Transient,
		})
	}
	if allLoggedIn {
		variants = append(variants, types.Route{
			ResourceID: route.ResourceID,
			StreamType: route.StreamType + "#" + string(types.VisibilityLoggedIn),
			Transient:  route.Transient,
		})
	}
	return variants
}

func variantEligible(route types.Route, activity types.Activity) bool {
	if types.IsUserID(route.ResourceID) {
		return route.ResourceID == activity.Actor.ID()
	}
	if types.IsGroupID(route.ResourceID) {
		for _, role := range []types.Role{types.RoleObject, types.RoleTarget} {
			if entity := activity.Role(role); entity != nil && entity.ID() == route.ResourceID {
				return true
			}
		}
	}
	return false
}
