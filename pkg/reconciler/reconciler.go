package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/events"
	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/metrics"
	"github.com/coralhq/coral/pkg/storage"
	"github.com/coralhq/coral/pkg/types"
)

// defaultInterval is how often dirty counters are verified when the config
// leaves the interval unset.
const defaultInterval = 5 * time.Minute

// Config wires the counter reconciler.
type Config struct {
	Counters storage.CounterStore
	Feeds    storage.FeedStore
	Broker   *events.Broker
	Clock    clock.Clock
	// Interval is how often dirty counters are verified.
	Interval time.Duration
}

// Reconciler repairs unread notification counters that drifted from the
// notification feed. The counter is a cache; the feed tail is authoritative,
// so a counter disagreeing with the number of feed activities published
// after the user's last read is overwritten.
type Reconciler struct {
	cfg Config

	deliveredCh <-chan events.DeliveredActivities
	updatedCh   <-chan events.UpdatedUser

	mu    sync.Mutex
	dirty map[string]struct{}

	sweeping atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates the reconciler and subscribes it to pipeline events.
func New(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Reconciler{
		cfg:         cfg,
		deliveredCh: cfg.Broker.SubscribeDelivered("reconciler", 16),
		updatedCh:   cfg.Broker.SubscribeUpdatedUser("reconciler", 16),
		dirty:       make(map[string]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
	log.WithComponent("reconciler").Info().
		Dur("interval", r.cfg.Interval).
		Msg("counter reconciler started")
}

// Stop halts the loop after the in-flight sweep.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	log.WithComponent("reconciler").Info().Msg("counter reconciler stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-r.deliveredCh:
			r.markDelivered(ev)
		case ev := <-r.updatedCh:
			r.markDirty(ev.UserID)
		case <-ticker.C:
			r.startSweep()
		case <-r.stopCh:
			return
		}
	}
}

// startSweep runs one sweep off the event loop, so corrections published as
// UpdatedUser events keep being drained while the sweep is in flight. At
// most one sweep runs at a time.
func (r *Reconciler) startSweep() {
	if !r.sweeping.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sweeping.Store(false)
		r.sweep(context.Background())
	}()
}

// markDelivered flags every user who received a notification delivery.
func (r *Reconciler) markDelivered(ev events.DeliveredActivities) {
	for recipient, perStream := range ev.Deliveries {
		if !types.IsUserID(recipient) {
			continue
		}
		for streamType, delivery := range perStream {
			if types.BaseStreamType(streamType) != types.StreamNotification || delivery.Transient {
				continue
			}
			r.markDirty(recipient)
			break
		}
	}
}

func (r *Reconciler) markDirty(userID string) {
	if !types.IsUserID(userID) {
		return
	}
	r.mu.Lock()
	r.dirty[userID] = struct{}{}
	r.mu.Unlock()
}

// sweep verifies every dirty counter against its feed tail. Users whose
// verification fails are re-flagged for the next sweep.
func (r *Reconciler) sweep(ctx context.Context) {
	r.mu.Lock()
	pending := r.dirty
	r.dirty = make(map[string]struct{})
	r.mu.Unlock()

	for userID := range pending {
		if err := r.reconcile(ctx, userID); err != nil {
			log.WithUserID(userID).Warn().Err(err).
				Msg("failed to reconcile unread counter, will retry")
			r.markDirty(userID)
		}
	}
}

// reconcile recounts one user's unread notifications and overwrites a
// drifted counter.
func (r *Reconciler) reconcile(ctx context.Context, userID string) error {
	lastRead, err := r.cfg.Counters.LastRead(ctx, userID)
	if err != nil {
		return err
	}

	feedID := types.FeedID(userID, types.StreamNotification)
	tails, err := r.cfg.Feeds.BatchGet(ctx, []string{feedID}, lastRead+1)
	if err != nil {
		return err
	}
	expected := int64(len(tails[feedID]))

	actual, err := r.cfg.Counters.Get(ctx, userID)
	if err != nil {
		return err
	}
	if actual == expected {
		return nil
	}

	if err := r.cfg.Counters.Set(ctx, userID, expected); err != nil {
		return err
	}
	metrics.CountersReconciled.Inc()
	log.WithUserID(userID).Info().
		Int64("counter", actual).
		Int64("feed", expected).
		Msg("corrected drifted unread counter")

	r.cfg.Broker.PublishUpdatedUser(events.UpdatedUser{
		UserID:   userID,
		Unread:   expected,
		LastRead: lastRead,
	})
	return nil
}
