package events

import (
	"sync"

	"github.com/coralhq/coral/pkg/types"
)

// RoutedActivities is emitted by the router once a seed has been expanded
// and its routed activities queued.
type RoutedActivities struct {
	Routed []types.RoutedActivity
}

// Delivery reports the activities delivered to one (recipient, streamType)
// pair during a collection, and how many of them were newly created rather
// than updated in place.
type Delivery struct {
	Activities []types.Activity
	NumNew     int
	Transient  bool
}

// DeliveredActivities is emitted by the aggregator after a bucket drain.
// Deliveries is keyed recipient id, then stream type.
type DeliveredActivities struct {
	Deliveries map[string]map[string]Delivery
}

// UpdatedUser is emitted when a user's unread notification state changes.
type UpdatedUser struct {
	UserID   string
	Unread   int64
	LastRead int64
}

// Broker fans pipeline events out to a fixed set of named subscribers
// (notifications, email scheduler, push service, reconciler). Subscriptions
// are wired at startup; publishing blocks when a subscriber falls behind so
// delivery events are never dropped.
type Broker struct {
	mu           sync.RWMutex
	routedSubs   map[string]chan RoutedActivities
	deliveredSub map[string]chan DeliveredActivities
	updatedSubs  map[string]chan UpdatedUser
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		routedSubs:   make(map[string]chan RoutedActivities),
		deliveredSub: make(map[string]chan DeliveredActivities),
		updatedSubs:  make(map[string]chan UpdatedUser),
		stopCh:       make(chan struct{}),
	}
}

// Stop unblocks all pending publishes. Subscriber channels are not closed;
// consumers exit via their own stop signals.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// SubscribeRouted registers a named subscriber for RoutedActivities events.
func (b *Broker) SubscribeRouted(name string, buffer int) <-chan RoutedActivities {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan RoutedActivities, buffer)
	b.routedSubs[name] = ch
	return ch
}

// SubscribeDelivered registers a named subscriber for DeliveredActivities
// events.
func (b *Broker) SubscribeDelivered(name string, buffer int) <-chan DeliveredActivities {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan DeliveredActivities, buffer)
	b.deliveredSub[name] = ch
	return ch
}

// SubscribeUpdatedUser registers a named subscriber for UpdatedUser events.
func (b *Broker) SubscribeUpdatedUser(name string, buffer int) <-chan UpdatedUser {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan UpdatedUser, buffer)
	b.updatedSubs[name] = ch
	return ch
}

// PublishRouted delivers a RoutedActivities event to every subscriber.
func (b *Broker) PublishRouted(ev RoutedActivities) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.routedSubs {
		select {
		case ch <- ev:
		case <-b.stopCh:
			return
		}
	}
}

// PublishDelivered delivers a DeliveredActivities event to every subscriber.
func (b *Broker) PublishDelivered(ev DeliveredActivities) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.deliveredSub {
		select {
		case ch <- ev:
		case <-b.stopCh:
			return
		}
	}
}

// PublishUpdatedUser delivers an UpdatedUser event to every subscriber.
func (b *Broker) PublishUpdatedUser(ev UpdatedUser) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.updatedSubs {
		select {
		case ch <- ev:
		case <-b.stopCh:
			return
		}
	}
}
