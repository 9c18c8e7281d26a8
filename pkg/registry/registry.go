package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/coralhq/coral/pkg/types"
)

// PivotSpec is one groupBy entry of an activity type: the roles whose ids
// are frozen by the pivot. Roles left false may vary and aggregate.
type PivotSpec struct {
	Actor  bool
	Object bool
	Target bool
}

// Frozen reports whether the pivot freezes the given role.
func (p PivotSpec) Frozen(role types.Role) bool {
	switch role {
	case types.RoleActor:
		return p.Actor
	case types.RoleObject:
		return p.Object
	case types.RoleTarget:
		return p.Target
	}
	return false
}

// EmailTemplate names the template used for the notification stream's
// digest emails.
type EmailTemplate struct {
	Module string
	ID     string
}

// StreamRouter configures how one stream of an activity type routes. Each
// role carries an ordered association-name list; a leading `^` excludes the
// association's ids from the set accumulated so far, making order
// significant.
type StreamRouter struct {
	Actor  []string
	Object []string
	Target []string
	Email  *EmailTemplate
}

// Associations returns the association list for a role.
func (r StreamRouter) Associations(role types.Role) []string {
	switch role {
	case types.RoleActor:
		return r.Actor
	case types.RoleObject:
		return r.Object
	case types.RoleTarget:
		return r.Target
	}
	return nil
}

// ActivityTypeOptions registers one activity type.
type ActivityTypeOptions struct {
	// GroupBy lists the aggregation pivots. Empty means activities only
	// collapse on exact (actor, object, target) duplicates.
	GroupBy []PivotSpec
	// Streams maps stream type to its router configuration.
	Streams map[string]StreamRouter
}

// Producer converts a seed resource into a full entity.
type Producer func(ctx context.Context, resource *types.SeedResource) (types.Entity, error)

// Transformer converts a persisted entity into the representation of one
// delivery format (activitystreams, internal, email, ...).
type Transformer func(ctx context.Context, entity types.Entity) (types.Entity, error)

// PropagationType enumerates the route-narrowing rules an entity may carry.
type PropagationType string

const (
	PropagationAll                 PropagationType = "all"
	PropagationTenant              PropagationType = "tenant"
	PropagationInteractingTenants  PropagationType = "interacting_tenants"
	PropagationRoutes              PropagationType = "routes"
	PropagationSelf                PropagationType = "self"
	PropagationAssociation         PropagationType = "association"
	PropagationExternalAssociation PropagationType = "external_association"
)

// PropagationRule is one disjunct of an entity's propagation policy.
type PropagationRule struct {
	Type PropagationType
	// AssociationName names the association for ASSOCIATION and
	// EXTERNAL_ASSOCIATION rules.
	AssociationName string
	// ObjectType names the other role's entity type for
	// EXTERNAL_ASSOCIATION rules.
	ObjectType string
}

// PropagationFunc produces the propagation rules for an entity.
type PropagationFunc func(ctx context.Context, entity types.Entity) ([]PropagationRule, error)

// EntityTypeOptions registers one entity type. Absent members fall back to
// the defaults: the producer echoes resourceData, the transformer reduces
// to {objectType, oae:id} and propagation admits only produced routes.
type EntityTypeOptions struct {
	Producer     Producer
	Transformers map[string]Transformer
	Propagation  PropagationFunc
}

// AssociationResolver produces the ids related to an entity under one
// association name (members, managers, followers, self, ...).
type AssociationResolver func(ctx context.Context, assoc *AssociationsContext, entity types.Entity) ([]string, error)

// PushPhase selects when a stream's activity is pushed to live clients.
type PushPhase string

const (
	// PushNone disables live push for the stream.
	PushNone PushPhase = ""
	// PushRouting pushes individual activities as soon as they are routed.
	PushRouting PushPhase = "routing"
	// PushAggregation pushes aggregated activities after delivery.
	PushAggregation PushPhase = "aggregation"
)

// AuthorizationHandler decides whether a principal may subscribe to a
// resource's stream. token carries stream-specific credentials (e.g. a
// signature for anonymous message streams).
type AuthorizationHandler func(ctx context.Context, principal types.Principal, resourceID, token string) error

// StreamTypeOptions registers one stream type.
type StreamTypeOptions struct {
	// Transient streams deliver to live subscribers but are never persisted.
	Transient bool
	// VisibilityBucketing mirrors activities into #public / #loggedin
	// suffixed feeds when all entities satisfy the tier.
	VisibilityBucketing bool
	// PushPhase selects the event live pushes are sourced from.
	PushPhase PushPhase
	// Authorizer guards push subscriptions to this stream.
	Authorizer AuthorizationHandler
}

type assocKey struct {
	objectType string
	name       string
}

// Registry holds the plug-in tables of the pipeline. Registration happens
// during startup; Seal freezes the tables before activity is accepted.
type Registry struct {
	mu            sync.RWMutex
	sealed        bool
	activityTypes map[string]ActivityTypeOptions
	entityTypes   map[string]EntityTypeOptions
	associations  map[assocKey]AssociationResolver
	streamTypes   map[string]StreamTypeOptions
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		activityTypes: make(map[string]ActivityTypeOptions),
		entityTypes:   make(map[string]EntityTypeOptions),
		associations:  make(map[assocKey]AssociationResolver),
		streamTypes:   make(map[string]StreamTypeOptions),
	}
}

// Seal freezes the registry. Registration after Seal is a configuration
// error.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

func (r *Registry) register(table string, exists bool) error {
	if r.sealed {
		return fmt.Errorf("registry is sealed, %s registration is startup-only", table)
	}
	if exists {
		return fmt.Errorf("duplicate %s registration", table)
	}
	return nil
}

// RegisterActivityType registers the options for an activity type.
func (r *Registry) RegisterActivityType(activityType string, opts ActivityTypeOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.activityTypes[activityType]
	if err := r.register("activity type "+activityType, exists); err != nil {
		return err
	}
	r.activityTypes[activityType] = opts
	return nil
}

// RegisterEntityType registers the options for an entity object type.
func (r *Registry) RegisterEntityType(objectType string, opts EntityTypeOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entityTypes[objectType]
	if err := r.register("entity type "+objectType, exists); err != nil {
		return err
	}
	r.entityTypes[objectType] = opts
	return nil
}

// RegisterAssociation registers a named association resolver for an entity
// object type.
func (r *Registry) RegisterAssociation(objectType, name string, resolver AssociationResolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := assocKey{objectType: objectType, name: name}
	_, exists := r.associations[key]
	if err := r.register(fmt.Sprintf("association %s:%s", objectType, name), exists); err != nil {
		return err
	}
	r.associations[key] = resolver
	return nil
}

// RegisterStreamType registers the options for a stream type.
func (r *Registry) RegisterStreamType(streamType string, opts StreamTypeOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.streamTypes[streamType]
	if err := r.register("stream type "+streamType, exists); err != nil {
		return err
	}
	r.streamTypes[streamType] = opts
	return nil
}

// ActivityType returns a copy of the registered options for an activity
// type.
func (r *Registry) ActivityType(activityType string) (ActivityTypeOptions, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opts, ok := r.activityTypes[activityType]
	if !ok {
		return ActivityTypeOptions{}, false
	}
	return copyActivityType(opts), true
}

// StreamType returns the registered options for a stream type. Visibility
// variants (`activity#public`) resolve to their base stream type.
func (r *Registry) StreamType(streamType string) (StreamTypeOptions, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opts, ok := r.streamTypes[types.BaseStreamType(streamType)]
	return opts, ok
}

// StreamTypes returns the names of all registered stream types.
func (r *Registry) StreamTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.streamTypes))
	for name := range r.streamTypes {
		names = append(names, name)
	}
	return names
}

// ProducerFor returns the producer for an object type, falling back to the
// default producer that echoes the seed's resourceData.
func (r *Registry) ProducerFor(objectType string) Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if opts, ok := r.entityTypes[objectType]; ok && opts.Producer != nil {
		return opts.Producer
	}
	return defaultProducer
}

// TransformerFor returns the transformer for (objectType, format), falling
// back to the default transformer that reduces the entity to its identity
// properties.
func (r *Registry) TransformerFor(objectType, format string) Transformer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if opts, ok := r.entityTypes[objectType]; ok {
		if t, ok := opts.Transformers[format]; ok && t != nil {
			return t
		}
	}
	return defaultTransformer
}

// PropagationFor returns the propagation function for an object type,
// falling back to the default that admits only the entity's own routes.
func (r *Registry) PropagationFor(objectType string) PropagationFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if opts, ok := r.entityTypes[objectType]; ok && opts.Propagation != nil {
		return opts.Propagation
	}
	return defaultPropagation
}

// Association returns the resolver registered for (objectType, name).
func (r *Registry) Association(objectType, name string) (AssociationResolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolver, ok := r.associations[assocKey{objectType: objectType, name: name}]
	return resolver, ok
}

func defaultProducer(_ context.Context, resource *types.SeedResource) (types.Entity, error) {
	entity := types.NewEntity(resource.ResourceType, resource.ResourceID)
	for k, v := range resource.Data {
		entity[k] = v
	}
	return entity, nil
}

func defaultTransformer(_ context.Context, entity types.Entity) (types.Entity, error) {
	return types.NewEntity(entity.ObjectType(), entity.ID()), nil
}

func defaultPropagation(_ context.Context, _ types.Entity) ([]PropagationRule, error) {
	return []PropagationRule{{Type: PropagationRoutes}}, nil
}

func copyActivityType(opts ActivityTypeOptions) ActivityTypeOptions {
	copied := ActivityTypeOptions{
		GroupBy: append([]PivotSpec(nil), opts.GroupBy...),
		Streams: make(map[string]StreamRouter, len(opts.Streams)),
	}
	for name, router := range opts.Streams {
		copied.Streams[name] = StreamRouter{
			Actor:  append([]string(nil), router.Actor...),
			Object: append([]string(nil), router.Object...),
			Target: append([]string(nil), router.Target...),
			Email:  router.Email,
		}
	}
	return copied
}
