package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Router metrics
	SeedsPosted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coral_activity_seeds_posted_total",
			Help: "Total activity seeds accepted by the router",
		},
		[]string{"activity_type"},
	)

	RoutesProduced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coral_activity_routes_produced_total",
			Help: "Total routes produced, by stream type",
		},
		[]string{"stream_type"},
	)

	RoutingErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coral_activity_routing_errors_total",
			Help: "Total seeds dropped by routing failures",
		},
	)

	// Aggregator metrics
	ActivitiesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coral_activity_delivered_total",
			Help: "Total activities delivered to feeds, by stream type",
		},
		[]string{"stream_type"},
	)

	BucketDrainSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coral_activity_bucket_drain_seconds",
			Help:    "Duration of one bucket drain batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueuedActivities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coral_activity_queued",
			Help: "Routed activities observed in the drained bucket batch",
		},
	)

	// Email metrics
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coral_activity_emails_sent_total",
			Help: "Total digest emails sent",
		},
	)

	EmailsDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coral_activity_emails_deferred_total",
			Help: "Total digest deliveries deferred by the grace period",
		},
	)

	// Push metrics
	PushConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coral_push_connections",
			Help: "Open WebSocket connections",
		},
	)

	PushSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coral_push_subscriptions",
			Help: "Active stream subscriptions across all sockets",
		},
	)

	PushMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coral_push_messages_total",
			Help: "Messages written to WebSocket clients",
		},
	)

	// Reconciler metrics
	CountersReconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coral_activity_counters_reconciled_total",
			Help: "Unread notification counters corrected by the reconciler",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SeedsPosted,
		RoutesProduced,
		RoutingErrors,
		ActivitiesDelivered,
		BucketDrainSeconds,
		QueuedActivities,
		EmailsSent,
		EmailsDeferred,
		PushConnections,
		PushSubscriptions,
		PushMessages,
		CountersReconciled,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
