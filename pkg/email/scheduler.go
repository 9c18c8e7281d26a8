package email

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/coralhq/coral/pkg/aggregator"
	"github.com/coralhq/coral/pkg/buckets"
	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/events"
	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/metrics"
	"github.com/coralhq/coral/pkg/principals"
	"github.com/coralhq/coral/pkg/registry"
	"github.com/coralhq/coral/pkg/storage"
	"github.com/coralhq/coral/pkg/tenant"
	"github.com/coralhq/coral/pkg/types"
)

// lockPrefix namespaces the email collection locks in Redis.
const lockPrefix = "coral:activity:lock:email"

// pageSize is how many recipients are paged from a bucket at a time.
const pageSize = 100

// FormatEmail is the transformer format used for digest rendering.
const FormatEmail = "email"

// Message is one digest handed to the Mailer.
type Message struct {
	// To is the recipient address.
	To string
	// UserID is the recipient's principal id, or the address itself for
	// invitation recipients.
	UserID      string
	DisplayName string
	TenantAlias string
	BaseURL     string
	Activities  []types.Activity
	// Fingerprint is deterministic over the contributing activities so a
	// re-sent digest can be deduplicated downstream.
	Fingerprint string
}

// Mailer delivers digests. The platform's email module implements it.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// Config wires the email scheduler.
type Config struct {
	Registry   *registry.Registry
	Buckets    storage.EmailBucketStore
	Feeds      storage.FeedStore
	Aggregates storage.AggregateStore
	Principals principals.Directory
	Tenants    tenant.Directory
	Locker     *buckets.Locker
	Mailer     Mailer
	Broker     *events.Broker
	Clock      clock.Clock

	// NumBuckets is the shard count per preference.
	NumBuckets int
	// PollingFrequency drives the collection cron; immediate buckets are
	// collected every tick, daily and weekly ones when their hour rolls.
	PollingFrequency time.Duration
	// GracePeriod defers a recipient while fresh activity keeps arriving.
	GracePeriod time.Duration
	// LockTTL bounds how long a crashed collection blocks its bucket.
	LockTTL time.Duration
	// MaxConcurrent bounds parallel bucket collections in this process.
	MaxConcurrent int
}

// Scheduler queues digest recipients as activities are delivered to their
// email feeds and mails the digests on each recipient's schedule.
type Scheduler struct {
	cfg Config

	deliveredCh <-chan events.DeliveredActivities
	cron        *cron.Cron
	stopCh      chan struct{}
	wg          sync.WaitGroup

	mu        sync.Mutex
	lastCycle time.Time
}

// New creates the scheduler and subscribes it to delivery events.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		deliveredCh: cfg.Broker.SubscribeDelivered("email", 16),
		cron:        cron.New(),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the delivery consumer and the collection cron.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	s.lastCycle = s.cfg.Clock.Now()
	s.mu.Unlock()

	if _, err := s.cron.AddFunc("@every "+s.cfg.PollingFrequency.String(), func() {
		s.Cycle(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule email collection: %w", err)
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.consumeDeliveries()
	log.WithComponent("email").Info().
		Dur("pollingFrequency", s.cfg.PollingFrequency).
		Msg("email scheduler started")
	return nil
}

// Stop halts the cron and the delivery consumer, waiting for in-flight
// collections.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	close(s.stopCh)
	s.wg.Wait()
	log.WithComponent("email").Info().Msg("email scheduler stopped")
}

func (s *Scheduler) consumeDeliveries() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.deliveredCh:
			s.queueRecipients(context.Background(), ev)
		case <-s.stopCh:
			return
		}
	}
}

// queueRecipients enqueues every recipient of an email-stream delivery into
// their digest bucket.
func (s *Scheduler) queueRecipients(ctx context.Context, ev events.DeliveredActivities) {
	for recipient, perStream := range ev.Deliveries {
		matched := false
		for streamType, delivery := range perStream {
			if types.BaseStreamType(streamType) == types.StreamEmail && !delivery.Transient {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if err := s.QueueRecipient(ctx, recipient); err != nil {
			log.WithComponent("email").Warn().Err(err).
				Str("recipient", recipient).
				Msg("failed to queue digest recipient")
		}
	}
}

// QueueRecipient places one recipient into the digest bucket matching their
// preference and tenant delivery time. NEVER users are left alone.
func (s *Scheduler) QueueRecipient(ctx context.Context, recipient string) error {
	profile, err := s.resolveProfile(ctx, recipient)
	if err != nil {
		return err
	}
	if profile.EmailPreference == types.EmailNever {
		return nil
	}

	day, hour := time.Sunday, 0
	if profile.EmailPreference != types.EmailImmediate {
		t, err := s.cfg.Tenants.GetTenant(ctx, profile.TenantAlias)
		if err != nil {
			return err
		}
		day, hour = DeliveryWindow(t, s.cfg.Clock.Now())
	}

	n := buckets.Number(recipient, s.cfg.NumBuckets)
	bucketID := BucketID(n, profile.EmailPreference, day, hour)
	return s.cfg.Buckets.Queue(ctx, bucketID, recipient)
}

// resolveProfile loads a recipient's profile. Raw email addresses from
// invitation flows synthesise one from the address and the tenant whose
// email domain matches; they default to immediate delivery.
func (s *Scheduler) resolveProfile(ctx context.Context, recipient string) (*principals.Profile, error) {
	if !types.IsEmailAddress(recipient) {
		profile, err := s.cfg.Principals.Get(ctx, recipient)
		if err != nil {
			return nil, err
		}
		if profile.EmailPreference == "" {
			profile.EmailPreference = types.EmailImmediate
		}
		return profile, nil
	}

	t, err := s.cfg.Tenants.GetTenantByEmail(ctx, recipient)
	if err != nil {
		return nil, err
	}
	return &principals.Profile{
		ID:              recipient,
		TenantAlias:     t.Alias,
		Email:           recipient,
		EmailPreference: types.EmailImmediate,
	}, nil
}

// Cycle collects every bucket due since the previous cycle.
func (s *Scheduler) Cycle(ctx context.Context) {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	last := s.lastCycle
	s.lastCycle = now
	s.mu.Unlock()

	s.collectBuckets(ctx, dueBuckets(s.cfg.NumBuckets, last, now))
}

// collectBuckets drains the given buckets under per-bucket locks, at most
// MaxConcurrent at a time.
func (s *Scheduler) collectBuckets(ctx context.Context, bucketIDs []string) {
	maxConcurrent := s.cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var wg sync.WaitGroup
	for _, bucketID := range bucketIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(bucketID string) {
			defer wg.Done()
			defer sem.Release(1)
			s.collectBucket(ctx, bucketID)
		}(bucketID)
	}
	wg.Wait()
}

func (s *Scheduler) collectBucket(ctx context.Context, bucketID string) {
	release, ok, err := s.cfg.Locker.Acquire(ctx, lockPrefix+":"+bucketID, s.cfg.LockTTL)
	if err != nil {
		log.WithComponent("email").Error().Err(err).
			Str("bucket", bucketID).
			Msg("failed to acquire email collection lock")
		return
	}
	if !ok {
		// Another worker owns this bucket.
		return
	}
	defer release()

	preference := bucketPreference(bucketID)
	start := ""
	for {
		recipients, next, err := s.cfg.Buckets.Page(ctx, bucketID, start, pageSize)
		if err != nil {
			log.WithComponent("email").Error().Err(err).
				Str("bucket", bucketID).
				Msg("failed to page email bucket")
			return
		}
		for _, recipient := range recipients {
			if err := s.collectRecipient(ctx, bucketID, preference, recipient); err != nil {
				log.WithComponent("email").Error().Err(err).
					Str("recipient", recipient).
					Msg("failed to collect digest recipient")
			}
		}
		if next == "" {
			return
		}
		start = next
	}
}

// collectRecipient assembles and sends one recipient's digest. Recipients
// with fresh activity are deferred to the next cycle; recipients whose feed
// emptied in the meantime are unqueued silently.
func (s *Scheduler) collectRecipient(ctx context.Context, bucketID string, preference types.EmailPreference, recipient string) error {
	feedID := types.FeedID(recipient, types.StreamEmail)
	now := s.cfg.Clock.Now()
	since := now.Add(-lookback(preference)).UnixMilli()

	feeds, err := s.cfg.Feeds.BatchGet(ctx, []string{feedID}, since)
	if err != nil {
		return err
	}
	activities := feeds[feedID]
	if len(activities) == 0 {
		return s.cfg.Buckets.Unqueue(ctx, bucketID, []string{recipient})
	}

	graceCutoff := now.Add(-s.cfg.GracePeriod).UnixMilli()
	for _, activity := range activities {
		if activity.Published > graceCutoff {
			metrics.EmailsDeferred.Inc()
			return nil
		}
	}

	if err := s.cfg.Aggregates.ResetFeeds(ctx, []string{feedID}); err != nil {
		return err
	}
	if err := s.cfg.Buckets.Unqueue(ctx, bucketID, []string{recipient}); err != nil {
		return err
	}
	consumed := make([]string, len(activities))
	for i, activity := range activities {
		consumed[i] = activity.ActivityID
	}
	if err := s.cfg.Feeds.Delete(ctx, feedID, consumed); err != nil {
		return err
	}

	route := types.Route{ResourceID: recipient, StreamType: types.StreamEmail}
	merged := aggregator.Reaggregate(s.cfg.Registry, route, activities)
	transformed := s.transformAll(ctx, merged)
	if len(transformed) == 0 {
		return nil
	}

	msg, err := s.buildMessage(ctx, recipient, transformed)
	if err != nil {
		return err
	}
	if err := s.cfg.Mailer.Send(ctx, msg); err != nil {
		// The digest is lost for this window; later activity re-queues the
		// recipient.
		return fmt.Errorf("failed to send digest to %s: %w", recipient, err)
	}
	metrics.EmailsSent.Inc()
	return nil
}

// transformAll renders every activity's entities in the email format. A
// failing activity is dropped; the rest of the digest proceeds.
func (s *Scheduler) transformAll(ctx context.Context, activities []types.Activity) []types.Activity {
	out := make([]types.Activity, 0, len(activities))
	for _, activity := range activities {
		transformed, err := registry.TransformActivity(ctx, s.cfg.Registry, FormatEmail, activity)
		if err != nil {
			log.WithComponent("email").Warn().Err(err).
				Str("activityId", activity.ActivityID).
				Msg("dropping activity that failed email transform")
			continue
		}
		out = append(out, transformed)
	}
	return out
}

func (s *Scheduler) buildMessage(ctx context.Context, recipient string, activities []types.Activity) (*Message, error) {
	profile, err := s.resolveProfile(ctx, recipient)
	if err != nil {
		return nil, err
	}
	return &Message{
		To:          profile.Email,
		UserID:      recipient,
		DisplayName: profile.DisplayName,
		TenantAlias: profile.TenantAlias,
		BaseURL:     s.cfg.Tenants.BaseURL(profile.TenantAlias),
		Activities:  activities,
		Fingerprint: Fingerprint(recipient, activities),
	}, nil
}

// Fingerprint derives a deterministic digest identity from the recipient
// and the contributing activities, so accidental duplicate sends can be
// suppressed downstream.
func Fingerprint(recipient string, activities []types.Activity) string {
	tuples := make([]string, len(activities))
	for i, activity := range activities {
		tuples[i] = fmt.Sprintf("%s:%d", activity.ActivityType, activity.Published)
	}
	sort.Strings(tuples)
	sum := sha256.Sum256([]byte(recipient + "|" + strings.Join(tuples, "|")))
	return hex.EncodeToString(sum[:])
}
