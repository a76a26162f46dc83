package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTracked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkreach_events_tracked_total",
		Help: "Total number of events accepted by the tracker, labelled by event type.",
	}, []string{"type"})

	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkreach_events_rejected_total",
		Help: "Total number of malformed events refused by the tracker.",
	})

	EventsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkreach_events_evicted_total",
		Help: "Total number of events dropped from the in-memory queue by the memory limit.",
	})

	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkreach_queue_length",
		Help: "Current number of events held in the tracker queue.",
	})

	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkreach_persistence_failures_total",
		Help: "Total number of best-effort persistence attempts that were dropped, labelled by reason.",
	}, []string{"reason"})

	ListenerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkreach_listener_failures_total",
		Help: "Total number of subscriber failures, labelled by topic.",
	}, []string{"topic"})

	DuplicatesCollapsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkreach_batch_duplicates_collapsed_total",
		Help: "Total number of events folded into an existing record by deduplication.",
	})

	BatchesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkreach_batches_delivered_total",
		Help: "Total number of sub-batches handed to batch callbacks.",
	})

	BatchEvents = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "linkreach_batch_events",
		Help:    "Number of events per delivered sub-batch.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	})

	BatchCallbackErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkreach_batch_callback_errors_total",
		Help: "Total number of batch callback failures.",
	})

	SinkDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkreach_sink_deliveries_total",
		Help: "Total number of sink deliveries, labelled by sink and status.",
	}, []string{"sink", "status"})

	IntegrityFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkreach_integrity_failures_total",
		Help: "Total number of failed integrity verifications, labelled by check.",
	}, []string{"check"})

	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkreach_transactions_total",
		Help: "Total number of finished transactions, labelled by outcome.",
	}, []string{"outcome"})

	EngagementScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkreach_engagement_score",
		Help: "Most recently computed engagement score (0–100).",
	})
)
