package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/coralhq/coral/pkg/buckets"
	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/events"
	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/metrics"
	"github.com/coralhq/coral/pkg/registry"
	"github.com/coralhq/coral/pkg/storage"
	"github.com/coralhq/coral/pkg/types"
)

// lockPrefix namespaces the per-bucket collection locks in Redis.
const lockPrefix = "coral:activity:lock:collection"

// Config wires the aggregator's collaborators and tuning.
type Config struct {
	Registry   *registry.Registry
	Queue      storage.QueueStore
	Aggregates storage.AggregateStore
	Feeds      storage.FeedStore
	Broker     *events.Broker
	Locker     *buckets.Locker
	Clock      clock.Clock

	// Buckets is the number of processing buckets swept each cycle.
	Buckets int
	// BatchSize caps the routed activities drained per collection pass.
	BatchSize int
	// PollingFrequency is the sweep interval. Size it at or above LockTTL.
	PollingFrequency time.Duration
	// LockTTL bounds how long a crashed drain blocks its bucket.
	LockTTL time.Duration
	// MaxConcurrent bounds parallel bucket drains in this process.
	MaxConcurrent int
	// MaxExpiry caps an aggregate's collection window: once an aggregate is
	// older, new activity starts a fresh aggregate instead of merging.
	MaxExpiry time.Duration
}

// Aggregator drains the processing buckets, merges routed activities into
// their aggregates and delivers the results to feeds.
type Aggregator struct {
	cfg Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an aggregator from its configuration.
func New(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg, stopCh: make(chan struct{})}
}

// Start launches the periodic collection sweep.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.run()
	log.WithComponent("aggregator").Info().
		Int("buckets", a.cfg.Buckets).
		Dur("pollingFrequency", a.cfg.PollingFrequency).
		Msg("aggregator started")
}

// Stop halts the sweep after the current cycle finishes.
func (a *Aggregator) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	log.WithComponent("aggregator").Info().Msg("aggregator stopped")
}

func (a *Aggregator) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollingFrequency)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-a.stopCh
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			a.Collect(ctx)
		case <-a.stopCh:
			return
		}
	}
}

// Collect sweeps every bucket once, draining those this process can lock.
func (a *Aggregator) Collect(ctx context.Context) {
	err := buckets.CollectAll(ctx, a.cfg.Locker, lockPrefix,
		a.cfg.Buckets, a.cfg.MaxConcurrent, a.cfg.LockTTL, a.DrainBucket)
	if err != nil && err != context.Canceled {
		log.WithComponent("aggregator").Error().Err(err).Msg("collection sweep aborted")
	}
}

// DrainBucket processes one batch of a bucket. It reports done when the
// bucket held no more than one batch.
func (a *Aggregator) DrainBucket(ctx context.Context, bucket int) (bool, error) {
	started := a.cfg.Clock.Now()

	batch, peeked, total, err := a.cfg.Queue.PeekBatch(ctx, bucket, a.cfg.BatchSize)
	if err != nil {
		return false, err
	}
	if peeked == 0 {
		return true, nil
	}
	metrics.QueuedActivities.Set(float64(total))

	partials, keyOrder := buildPartials(a.cfg.Registry, batch)

	statuses, err := a.cfg.Aggregates.StatusMany(ctx, keyOrder)
	if err != nil {
		return false, err
	}
	priorRoles, err := a.cfg.Aggregates.LoadAggregates(ctx, keyOrder)
	if err != nil {
		return false, err
	}

	deliveries := make(map[string]map[string]events.Delivery)
	statusUpdates := make(map[types.AggregateKey]types.AggregateStatus)
	roleUpdates := make(map[types.AggregateKey]storage.RoleEntities)
	var expired []types.AggregateKey
	now := a.cfg.Clock.NowMillis()

	for _, key := range keyOrder {
		p := partials[key]
		prior, hasPrior := statuses[key]
		if hasPrior && a.cfg.MaxExpiry > 0 && now-prior.CreatedMillis > a.cfg.MaxExpiry.Milliseconds() {
			// The collection window has ended: the batch starts a fresh
			// aggregate with a new feed entry, dropping the old role maps.
			prior, hasPrior = types.AggregateStatus{}, false
			delete(priorRoles, key)
			expired = append(expired, key)
		}

		merged, memberOrder := mergeRoles(priorRoles[key], p)
		activity := buildActivity(p, merged, memberOrder)
		if hasPrior && prior.LastActivity != "" {
			// A live aggregate keeps its first-delivered id so feed
			// pagination cursors survive re-aggregation.
			activity.ActivityID = prior.LastActivity
		}

		if err := a.deliver(ctx, key, p, activity); err != nil {
			// One aggregate's failure does not poison the batch; the items
			// stay queued for the next cycle.
			log.WithComponent("aggregator").Error().Err(err).
				Str("aggregateKey", string(key)).
				Msg("failed to deliver aggregate")
			continue
		}

		created := prior.CreatedMillis
		if !hasPrior {
			created = now
		}
		statusUpdates[key] = types.AggregateStatus{
			LastActivity:        activity.ActivityID,
			CreatedMillis:       created,
			LastUpdatedMillis:   now,
			LastCollectedMillis: now,
		}
		roleUpdates[key] = p.roles
		recordDelivery(deliveries, p.route, activity, !hasPrior)
		metrics.ActivitiesDelivered.WithLabelValues(p.route.StreamType).Inc()
	}

	if len(expired) > 0 {
		if err := a.cfg.Aggregates.DeleteAggregates(ctx, expired); err != nil {
			return false, err
		}
	}
	if err := a.cfg.Aggregates.SaveAggregates(ctx, roleUpdates); err != nil {
		return false, err
	}
	if err := a.cfg.Aggregates.IndexStatus(ctx, statusUpdates); err != nil {
		return false, err
	}
	if err := a.cfg.Queue.DeleteBatch(ctx, bucket, peeked); err != nil {
		return false, err
	}

	if len(deliveries) > 0 {
		a.cfg.Broker.PublishDelivered(events.DeliveredActivities{Deliveries: deliveries})
	}
	metrics.BucketDrainSeconds.Observe(a.cfg.Clock.Now().Sub(started).Seconds())
	return total <= int64(peeked), nil
}

// deliver writes one aggregate's activity into its feed. A re-aggregation
// within the aggregate's lifetime carries the stable aggregate id, so the
// append upserts the previously delivered entry in place.
func (a *Aggregator) deliver(ctx context.Context, key types.AggregateKey, p *partial, activity types.Activity) error {
	if p.route.Transient {
		// Live subscribers still see it via the delivered event.
		return nil
	}
	return a.cfg.Feeds.Append(ctx, key.FeedID(), []types.Activity{activity})
}

func recordDelivery(deliveries map[string]map[string]events.Delivery, route types.Route, activity types.Activity, isNew bool) {
	perStream, ok := deliveries[route.ResourceID]
	if !ok {
		perStream = make(map[string]events.Delivery)
		deliveries[route.ResourceID] = perStream
	}
	d := perStream[route.StreamType]
	d.Activities = append(d.Activities, activity)
	if isNew {
		d.NumNew++
	}
	d.Transient = route.Transient
	perStream[route.StreamType] = d
}
