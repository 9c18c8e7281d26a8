package notifications

import (
	"context"
	"sync"

	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/events"
	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/principals"
	"github.com/coralhq/coral/pkg/storage"
	"github.com/coralhq/coral/pkg/types"
)

// Config wires the notification consumer.
type Config struct {
	Counters   storage.CounterStore
	Aggregates storage.AggregateStore
	Feeds      storage.FeedStore
	Principals principals.Directory
	Broker     *events.Broker
	Clock      clock.Clock
}

// Service maintains per-user unread notification counters from delivery
// events and implements markRead. The counter is a cache of the
// notification feed's tail; the feed stays authoritative when they diverge.
type Service struct {
	cfg Config

	deliveredCh <-chan events.DeliveredActivities
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates the notification service and subscribes it to delivery
// events.
func New(cfg Config) *Service {
	return &Service{
		cfg:         cfg,
		deliveredCh: cfg.Broker.SubscribeDelivered("notifications", 16),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the delivery consumer.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.WithComponent("notifications").Info().Msg("notification service started")
}

// Stop halts the consumer after the in-flight event.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.WithComponent("notifications").Info().Msg("notification service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.deliveredCh:
			s.consume(context.Background(), ev)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) consume(ctx context.Context, ev events.DeliveredActivities) {
	for recipient, perStream := range ev.Deliveries {
		if !types.IsUserID(recipient) {
			continue
		}
		for streamType, delivery := range perStream {
			if types.BaseStreamType(streamType) != types.StreamNotification {
				continue
			}
			if delivery.Transient || delivery.NumNew == 0 {
				continue
			}
			unread, err := s.cfg.Counters.Incr(ctx, recipient, int64(delivery.NumNew))
			if err != nil {
				log.WithUserID(recipient).Error().Err(err).
					Msg("failed to increment unread notification counter")
				continue
			}
			lastRead, err := s.cfg.Counters.LastRead(ctx, recipient)
			if err != nil {
				log.WithUserID(recipient).Warn().Err(err).
					Msg("failed to read last-read marker")
			}
			s.cfg.Broker.PublishUpdatedUser(events.UpdatedUser{
				UserID:   recipient,
				Unread:   unread,
				LastRead: lastRead,
			})
		}
	}
}

// Unread returns a user's unread notification count.
func (s *Service) Unread(ctx context.Context, userID string) (int64, error) {
	return s.cfg.Counters.Get(ctx, userID)
}

// MarkRead zeroes a user's unread counter and records the read time. The
// counter reset must succeed; resetting the feed's aggregation and clearing
// the email feed of IMMEDIATE users are best-effort.
func (s *Service) MarkRead(ctx context.Context, userID string) (int64, error) {
	if !types.IsUserID(userID) {
		return 0, types.NewError(types.CodeInvalidInput, "notifications belong to users")
	}
	if err := s.cfg.Counters.Set(ctx, userID, 0); err != nil {
		return 0, err
	}
	lastRead := s.cfg.Clock.NowMillis()
	if err := s.cfg.Counters.SetLastRead(ctx, userID, lastRead); err != nil {
		return 0, err
	}

	notificationFeed := types.FeedID(userID, types.StreamNotification)
	if err := s.cfg.Aggregates.ResetFeeds(ctx, []string{notificationFeed}); err != nil {
		log.WithUserID(userID).Warn().Err(err).
			Msg("failed to reset notification aggregation on markRead")
	}

	// An IMMEDIATE user has already seen these in their notifications; a
	// digest would be redundant.
	if profile, err := s.cfg.Principals.Get(ctx, userID); err == nil &&
		profile.EmailPreference == types.EmailImmediate {
		emailFeed := types.FeedID(userID, types.StreamEmail)
		if err := s.cfg.Feeds.Clear(ctx, emailFeed); err != nil {
			log.WithUserID(userID).Warn().Err(err).
				Msg("failed to clear email feed on markRead")
		}
	}

	s.cfg.Broker.PublishUpdatedUser(events.UpdatedUser{
		UserID:   userID,
		Unread:   0,
		LastRead: lastRead,
	})
	return lastRead, nil
}
