package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/events"
	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/registry"
	"github.com/coralhq/coral/pkg/tenant"
	"github.com/coralhq/coral/pkg/types"
)

// Config wires the push service.
type Config struct {
	Registry *registry.Registry
	Tenants  tenant.Directory
	Redis    redis.UniversalClient
	Broker   *events.Broker
	Clock    clock.Clock
	// AuthTimeout bounds how long a socket may stay open before its
	// authentication frame arrives. Zero means the five second default.
	AuthTimeout time.Duration
}

// Service bridges pipeline events to WebSocket clients through the pub/sub
// bus, so every process's subscribers see deliveries regardless of which
// process produced them.
type Service struct {
	cfg      Config
	hub      *hub
	upgrader websocket.Upgrader

	routedCh    <-chan events.RoutedActivities
	deliveredCh <-chan events.DeliveredActivities
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates the push service and subscribes it to pipeline events.
func New(cfg Config) *Service {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = authTimeout
	}
	return &Service{
		cfg: cfg,
		hub: newHub(cfg.Redis, cfg.Registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		routedCh:    cfg.Broker.SubscribeRouted("push", 16),
		deliveredCh: cfg.Broker.SubscribeDelivered("push", 16),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the bus dispatcher and the event publishers.
func (s *Service) Start() {
	s.hub.start()
	s.wg.Add(1)
	go s.publishEvents()
	log.WithComponent("push").Info().Msg("push service started")
}

// Stop halts event publishing and closes the bus subscription. Open
// sockets finish their current frame and drop.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.hub.stop()
	log.WithComponent("push").Info().Msg("push service stopped")
}

// Handler returns the WebSocket endpoint.
func (s *Service) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithComponent("push").Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		c := newConn(ws, s)
		go c.run()
	}
}

// publishEvents forwards pipeline events onto the pub/sub bus according to
// each stream type's push phase.
func (s *Service) publishEvents() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		select {
		case ev := <-s.routedCh:
			s.publishRouted(ctx, ev)
		case ev := <-s.deliveredCh:
			s.publishDelivered(ctx, ev)
		case <-s.stopCh:
			return
		}
	}
}

// publishRouted pushes ROUTING-phase streams one activity per message, as
// soon as the router produced them.
func (s *Service) publishRouted(ctx context.Context, ev events.RoutedActivities) {
	for _, ra := range ev.Routed {
		opts, ok := s.cfg.Registry.StreamType(ra.Route.StreamType)
		if !ok || opts.PushPhase != registry.PushRouting {
			continue
		}
		s.publish(ctx, ra.Route.FeedID(), busPayload{
			Activities: []types.Activity{ra.Activity},
			NumNew:     1,
		})
	}
}

// publishDelivered pushes AGGREGATION-phase streams with their aggregated
// activities and new-activity counts.
func (s *Service) publishDelivered(ctx context.Context, ev events.DeliveredActivities) {
	for recipient, perStream := range ev.Deliveries {
		for streamType, delivery := range perStream {
			opts, ok := s.cfg.Registry.StreamType(streamType)
			if !ok || opts.PushPhase != registry.PushAggregation {
				continue
			}
			s.publish(ctx, types.FeedID(recipient, streamType), busPayload{
				Activities: delivery.Activities,
				NumNew:     delivery.NumNew,
			})
		}
	}
}

func (s *Service) publish(ctx context.Context, channel string, payload busPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.WithComponent("push").Error().Err(err).
			Str("channel", channel).
			Msg("failed to encode push payload")
		return
	}
	if err := s.cfg.Redis.Publish(ctx, channel, data).Err(); err != nil {
		log.WithComponent("push").Error().Err(err).
			Str("channel", channel).
			Msg("failed to publish push payload")
	}
}
