package types

import "strings"

// pivotWildcard stands in for roles a groupBy pivot leaves free to vary.
const pivotWildcard = "*"

// AggregateKey identifies one aggregation slot: a feed, an activity type
// and the pivot values frozen by a groupBy entry.
type AggregateKey string

// NewAggregateKey derives the aggregate key for an activity landing on a
// route. actorID/objectID/targetID carry the frozen pivot values; pass ""
// for roles the pivot leaves free.
func NewAggregateKey(route Route, activityType, actorID, objectID, targetID string) AggregateKey {
	parts := []string{
		route.ResourceID,
		route.StreamType,
		activityType,
		pivotPart(actorID),
		pivotPart(objectID),
		pivotPart(targetID),
	}
	return AggregateKey(strings.Join(parts, "#"))
}

func pivotPart(id string) string {
	if id == "" {
		return pivotWildcard
	}
	return id
}

// FeedID returns the feed this aggregate delivers into. The stream-type
// segment may itself carry a visibility suffix (`activity#public`), so the
// key is parsed from the right: the last four segments are always the
// activity type and the three pivot parts.
func (k AggregateKey) FeedID() string {
	parts := strings.Split(string(k), "#")
	if len(parts) < 6 {
		return string(k)
	}
	stream := strings.Join(parts[1:len(parts)-4], "#")
	return FeedID(parts[0], stream)
}

func (k AggregateKey) String() string { return string(k) }

// AggregateStatus tracks the lifecycle of one live aggregate in the
// key-value store.
type AggregateStatus struct {
	// LastActivity is the activity id most recently delivered for this
	// aggregate. It is removed from feeds when the aggregate is replaced.
	LastActivity string `json:"lastActivity"`
	// CreatedMillis is when the aggregate was first indexed.
	CreatedMillis int64 `json:"created"`
	// LastUpdatedMillis is when the aggregate last absorbed an activity.
	LastUpdatedMillis int64 `json:"lastUpdated"`
	// LastCollectedMillis is when a collector last processed this aggregate.
	LastCollectedMillis int64 `json:"lastCollected"`
}
