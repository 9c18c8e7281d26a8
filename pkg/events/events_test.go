package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coralhq/coral/pkg/types"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	first := b.SubscribeRouted("push", 1)
	second := b.SubscribeRouted("metrics", 1)

	ev := RoutedActivities{Routed: []types.RoutedActivity{{
		Route:    types.Route{ResourceID: "u:cam:alice", StreamType: types.StreamActivity},
		Activity: types.Activity{ActivityID: "1000:abc"},
	}}}
	b.PublishRouted(ev)

	for _, ch := range []<-chan RoutedActivities{first, second} {
		select {
		case got := <-ch:
			require.Len(t, got.Routed, 1)
			assert.Equal(t, "1000:abc", got.Routed[0].Activity.ActivityID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for routed event")
		}
	}
}

func TestBrokerDeliveredEvent(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	ch := b.SubscribeDelivered("notifications", 1)
	b.PublishDelivered(DeliveredActivities{
		Deliveries: map[string]map[string]Delivery{
			"u:cam:bob": {
				types.StreamNotification: {NumNew: 2},
			},
		},
	})

	select {
	case got := <-ch:
		assert.Equal(t, 2, got.Deliveries["u:cam:bob"][types.StreamNotification].NumNew)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered event")
	}
}

func TestBrokerStopUnblocksPublish(t *testing.T) {
	b := NewBroker()
	// Full unbuffered-ish subscriber that nobody reads.
	b.SubscribeUpdatedUser("stuck", 0)

	done := make(chan struct{})
	go func() {
		b.PublishUpdatedUser(UpdatedUser{UserID: "u:cam:alice"})
		close(done)
	}()

	b.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not unblock on stop")
	}
}
