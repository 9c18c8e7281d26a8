package pipeline

import (
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/coralhq/coral/pkg/aggregator"
	"github.com/coralhq/coral/pkg/buckets"
	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/config"
	"github.com/coralhq/coral/pkg/email"
	"github.com/coralhq/coral/pkg/events"
	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/notifications"
	"github.com/coralhq/coral/pkg/principals"
	"github.com/coralhq/coral/pkg/push"
	"github.com/coralhq/coral/pkg/reconciler"
	"github.com/coralhq/coral/pkg/registry"
	"github.com/coralhq/coral/pkg/router"
	"github.com/coralhq/coral/pkg/storage"
	"github.com/coralhq/coral/pkg/tenant"
)

// Config wires one pipeline instance. Registry, Tenants, Principals and
// Mailer come from the embedding platform; Redis and DB are shared clients.
type Config struct {
	Registry   *registry.Registry
	Tenants    tenant.Directory
	Principals principals.Directory
	Redis      redis.UniversalClient
	DB         *sqlx.DB
	Mailer     email.Mailer
	Clock      clock.Clock

	Activity config.ActivityConfig
	Email    config.EmailConfig
}

// Pipeline owns the activity machinery of one process: the stores, the
// router, the aggregator and the delivery consumers, connected by the event
// broker.
type Pipeline struct {
	cfg Config

	broker *events.Broker

	queue        *storage.RedisQueue
	aggregates   *storage.RedisAggregates
	feeds        *storage.SQLFeeds
	counters     *storage.RedisCounters
	emailBuckets *storage.SQLEmailBuckets

	router        *router.Router
	aggregator    *aggregator.Aggregator
	notifications *notifications.Service
	email         *email.Scheduler
	push          *push.Service
	reconciler    *reconciler.Reconciler
}

// New builds the pipeline and registers the built-in stream types. Domain
// modules register their activity and entity types on cfg.Registry between
// New and Start.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	p := &Pipeline{
		cfg:    cfg,
		broker: events.NewBroker(),

		queue: storage.NewRedisQueue(cfg.Redis),
		aggregates: storage.NewRedisAggregates(cfg.Redis, cfg.Clock,
			cfg.Activity.AggregateIdleExpiry.Std(), cfg.Activity.AggregateMaxExpiry.Std()),
		feeds:        storage.NewSQLFeeds(cfg.DB, cfg.Clock, cfg.Activity.ActivityTTL.Std()),
		counters:     storage.NewRedisCounters(cfg.Redis),
		emailBuckets: storage.NewSQLEmailBuckets(cfg.DB, cfg.Clock),
	}
	if err := p.registerStreamTypes(); err != nil {
		return nil, err
	}

	locker := buckets.NewLocker(cfg.Redis)

	p.router = router.NewRouter(router.Config{
		Registry: cfg.Registry,
		Tenants:  cfg.Tenants,
		Queue:    p.queue,
		Broker:   p.broker,
		Buckets:  cfg.Activity.Buckets,
		Workers:  cfg.Activity.RouterWorkers,
	})
	p.aggregator = aggregator.New(aggregator.Config{
		Registry:         cfg.Registry,
		Queue:            p.queue,
		Aggregates:       p.aggregates,
		Feeds:            p.feeds,
		Broker:           p.broker,
		Locker:           locker,
		Clock:            cfg.Clock,
		Buckets:          cfg.Activity.Buckets,
		BatchSize:        cfg.Activity.CollectionBatchSize,
		PollingFrequency: cfg.Activity.CollectionPollingFrequency.Std(),
		LockTTL:          cfg.Activity.LockTTL.Std(),
		MaxConcurrent:    cfg.Activity.MaxConcurrentCollections,
		MaxExpiry:        cfg.Activity.AggregateMaxExpiry.Std(),
	})
	p.notifications = notifications.New(notifications.Config{
		Counters:   p.counters,
		Aggregates: p.aggregates,
		Feeds:      p.feeds,
		Principals: cfg.Principals,
		Broker:     p.broker,
		Clock:      cfg.Clock,
	})
	p.email = email.New(email.Config{
		Registry:         cfg.Registry,
		Buckets:          p.emailBuckets,
		Feeds:            p.feeds,
		Aggregates:       p.aggregates,
		Principals:       cfg.Principals,
		Tenants:          cfg.Tenants,
		Locker:           locker,
		Mailer:           cfg.Mailer,
		Broker:           p.broker,
		Clock:            cfg.Clock,
		NumBuckets:       cfg.Email.Buckets,
		PollingFrequency: cfg.Email.PollingFrequency.Std(),
		GracePeriod:      cfg.Email.GracePeriod.Std(),
		LockTTL:          cfg.Email.LockTTL.Std(),
		MaxConcurrent:    cfg.Email.MaxConcurrentCollections,
	})
	p.push = push.New(push.Config{
		Registry: cfg.Registry,
		Tenants:  cfg.Tenants,
		Redis:    cfg.Redis,
		Broker:   p.broker,
		Clock:    cfg.Clock,
	})
	p.reconciler = reconciler.New(reconciler.Config{
		Counters: p.counters,
		Feeds:    p.feeds,
		Broker:   p.broker,
		Clock:    cfg.Clock,
	})
	return p, nil
}

// Start seals the registry and brings every component up. Registration
// after Start is a configuration error.
func (p *Pipeline) Start() error {
	p.cfg.Registry.Seal()

	p.notifications.Start()
	p.reconciler.Start()
	p.push.Start()
	if err := p.email.Start(); err != nil {
		return err
	}
	p.aggregator.Start()
	p.router.Start()
	log.WithComponent("pipeline").Info().Msg("activity pipeline started")
	return nil
}

// Stop shuts the pipeline down: producers first so no new events appear,
// then the broker so stragglers unblock, then the consumers.
func (p *Pipeline) Stop() {
	p.router.Stop()
	p.aggregator.Stop()
	p.email.Stop()
	p.broker.Stop()
	p.notifications.Stop()
	p.push.Stop()
	p.reconciler.Stop()
	log.WithComponent("pipeline").Info().Msg("activity pipeline stopped")
}

// Push exposes the push service so the API server can mount its WebSocket
// endpoint.
func (p *Pipeline) Push() *push.Service {
	return p.push
}
