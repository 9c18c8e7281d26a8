package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Stream type names built into the pipeline. Additional stream types are
// registered by domain modules at startup.
const (
	StreamActivity     = "activity"
	StreamNotification = "notification"
	StreamEmail        = "email"
	StreamMessage      = "message"
)

// Well-known entity property names. Entity payloads travel as loose maps so
// producers and transformers can attach arbitrary data; these are the keys
// the pipeline itself reads.
const (
	PropObjectType = "objectType"
	PropID         = "oae:id"
	PropVisibility = "visibility"
	PropCollection = "oae:collection"
)

// ObjectTypeCollection marks an entity that aggregates several distinct
// entities occupying the same activity role.
const ObjectTypeCollection = "collection"

// Visibility tiers of a principal or piece of content.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityLoggedIn Visibility = "loggedin"
	VisibilityPrivate  Visibility = "private"
)

// EmailPreference controls how a user receives activity digests.
type EmailPreference string

const (
	EmailNever     EmailPreference = "never"
	EmailImmediate EmailPreference = "immediate"
	EmailDaily     EmailPreference = "daily"
	EmailWeekly    EmailPreference = "weekly"
)

// Role identifies one of the three activity entity slots.
type Role string

const (
	RoleActor  Role = "actor"
	RoleObject Role = "object"
	RoleTarget Role = "target"
)

// Roles returns the activity roles in their canonical evaluation order.
func Roles() []Role {
	return []Role{RoleActor, RoleObject, RoleTarget}
}

// SeedResource is one of the up-to-three resources of an activity seed.
type SeedResource struct {
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Data         map[string]any `json:"resourceData,omitempty"`
}

// ActivitySeed is the transient input submitted by domain code. The router
// expands it into full entities and routes.
type ActivitySeed struct {
	ActivityType string        `json:"activityType"`
	Verb         string        `json:"verb"`
	Published    int64         `json:"published"`
	Actor        *SeedResource `json:"actor"`
	Object       *SeedResource `json:"object,omitempty"`
	Target       *SeedResource `json:"target,omitempty"`
}

// Resource returns the seed resource occupying the given role, or nil.
func (s *ActivitySeed) Resource(role Role) *SeedResource {
	switch role {
	case RoleActor:
		return s.Actor
	case RoleObject:
		return s.Object
	case RoleTarget:
		return s.Target
	}
	return nil
}

// Validate checks the seed shape required to accept it into the pipeline.
func (s *ActivitySeed) Validate() error {
	if s == nil {
		return NewError(CodeInvalidInput, "missing activity seed")
	}
	if s.ActivityType == "" {
		return NewError(CodeInvalidInput, "missing activity type")
	}
	if s.Verb == "" {
		return NewError(CodeInvalidInput, "missing verb")
	}
	if s.Published <= 0 {
		return NewError(CodeInvalidInput, "published must be a positive millisecond timestamp")
	}
	if s.Actor == nil {
		return NewError(CodeInvalidInput, "missing actor resource")
	}
	for _, role := range Roles() {
		r := s.Resource(role)
		if r == nil {
			continue
		}
		if r.ResourceID == "" {
			return NewError(CodeInvalidInput, fmt.Sprintf("missing %s resource id", role))
		}
		if r.ResourceType == "" {
			return NewError(CodeInvalidInput, fmt.Sprintf("missing %s resource type", role))
		}
	}
	return nil
}

// Entity is a produced activity entity: a loose map carrying at least
// objectType and oae:id plus whatever the producer attached.
type Entity map[string]any

// NewEntity creates an entity with the two mandatory properties set.
func NewEntity(objectType, id string) Entity {
	return Entity{PropObjectType: objectType, PropID: id}
}

// ObjectType returns the entity's objectType property.
func (e Entity) ObjectType() string {
	s, _ := e[PropObjectType].(string)
	return s
}

// ID returns the entity's oae:id property.
func (e Entity) ID() string {
	s, _ := e[PropID].(string)
	return s
}

// Visibility returns the entity's visibility tier, defaulting to private
// when the producer did not set one.
func (e Entity) Visibility() Visibility {
	s, _ := e[PropVisibility].(string)
	switch Visibility(s) {
	case VisibilityPublic, VisibilityLoggedIn:
		return Visibility(s)
	}
	return VisibilityPrivate
}

// TenantAlias returns the tenant alias encoded in the entity id. Resource
// ids follow the `{type}:{tenantAlias}:{key}` convention.
func (e Entity) TenantAlias() string {
	return TenantAliasOf(e.ID())
}

// Clone returns a shallow copy of the entity map.
func (e Entity) Clone() Entity {
	c := make(Entity, len(e))
	for k, v := range e {
		c[k] = v
	}
	return c
}

// CollectionEntity wraps an ordered list of entities into a single
// collection entity for an activity role.
func CollectionEntity(members []Entity) Entity {
	return Entity{
		PropObjectType: ObjectTypeCollection,
		PropCollection: members,
	}
}

// TenantAliasOf extracts the tenant alias from a resource id of the form
// `{type}:{tenantAlias}:{key}`. Returns "" when the id has another shape.
func TenantAliasOf(resourceID string) string {
	parts := strings.SplitN(resourceID, ":", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

// Activity is a single (actor, verb, object, target, time) record.
type Activity struct {
	ActivityType string `json:"activityType"`
	ActivityID   string `json:"activityId"`
	Verb         string `json:"verb"`
	Published    int64  `json:"published"`
	Actor        Entity `json:"actor,omitempty"`
	Object       Entity `json:"object,omitempty"`
	Target       Entity `json:"target,omitempty"`
}

// Role returns the entity occupying the given role, or nil.
func (a *Activity) Role(role Role) Entity {
	switch role {
	case RoleActor:
		return a.Actor
	case RoleObject:
		return a.Object
	case RoleTarget:
		return a.Target
	}
	return nil
}

// SetRole assigns the entity for the given role.
func (a *Activity) SetRole(role Role, e Entity) {
	switch role {
	case RoleActor:
		a.Actor = e
	case RoleObject:
		a.Object = e
	case RoleTarget:
		a.Target = e
	}
}

// NewActivityID mints a globally unique activity id. The published-millis
// prefix keeps ids sortable by publish time within a feed.
func NewActivityID(published int64) string {
	return fmt.Sprintf("%d:%s", published, uuid.NewString()[:8])
}

// PublishedOfID parses the published-millis prefix out of an activity id.
func PublishedOfID(activityID string) (int64, error) {
	idx := strings.IndexByte(activityID, ':')
	if idx <= 0 {
		return 0, NewError(CodeInvalidInput, "malformed activity id")
	}
	var millis int64
	if _, err := fmt.Sscanf(activityID[:idx], "%d", &millis); err != nil {
		return 0, NewError(CodeInvalidInput, "malformed activity id")
	}
	return millis, nil
}

// Route identifies a destination feed for an activity. Transient routes are
// delivered to live subscribers but never persisted.
type Route struct {
	ResourceID string `json:"resourceId"`
	StreamType string `json:"streamType"`
	Transient  bool   `json:"transient,omitempty"`
}

// FeedID returns the feed identifier for this route.
func (r Route) FeedID() string {
	return FeedID(r.ResourceID, r.StreamType)
}

// RoutedActivity is the unit placed on the processing queue: one activity
// bound for one route.
type RoutedActivity struct {
	Route    Route    `json:"route"`
	Activity Activity `json:"activity"`
}

// FeedID builds the feed identifier `{ownerId}#{streamType}`. Visibility
// variants use suffixed stream types (`activity#public`).
func FeedID(ownerID, streamType string) string {
	return ownerID + "#" + streamType
}

// SplitFeedID splits a feed id back into owner and stream type.
func SplitFeedID(feedID string) (ownerID, streamType string) {
	idx := strings.IndexByte(feedID, '#')
	if idx < 0 {
		return feedID, ""
	}
	return feedID[:idx], feedID[idx+1:]
}

// BaseStreamType strips a visibility suffix off a stream type, so
// `activity#public` reports `activity`.
func BaseStreamType(streamType string) string {
	idx := strings.IndexByte(streamType, '#')
	if idx < 0 {
		return streamType
	}
	return streamType[:idx]
}
