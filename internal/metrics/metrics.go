package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_events_published_total",
			Help: "Total number of events dispatched, by tenant.",
		},
		[]string{"tenant_id"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_deliveries_total",
			Help: "Total number of delivery attempts by terminal ledger status.",
		},
		[]string{"status"}, // sent, failed_retryable, failed_permanent
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, breaker_open
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_dlq_total",
			Help: "Total number of delivery lineages dead-lettered.",
		},
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookrelay_delivery_latency_seconds",
			Help:    "Outbound webhook request latency.",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookrelay_delivery_batch_size",
			Help:    "Number of events coalesced into one delivery.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_worker_backlog",
			Help: "Depth of the deliveries channel consumed by workers.",
		},
	)

	TopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookrelay_nsq_topic_depth",
			Help: "Depth of NSQ topic channels.",
		},
		[]string{"topic", "channel"},
	)

	SubscriptionsAutoDisabled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_subscriptions_auto_disabled_total",
			Help: "Subscriptions soft-disabled after consecutive permanent failures.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsPublishedTotal,
		DeliveriesTotal,
		RetriesTotal,
		DLQTotal,
		DeliveryLatency,
		BatchSize,
		WorkerBacklog,
		TopicDepth,
		SubscriptionsAutoDisabled,
	)
}

// RecordEventPublished increments the published events counter for a tenant
func RecordEventPublished(tenantID string) {
	EventsPublishedTotal.WithLabelValues(tenantID).Inc()
}

// RecordDelivery records a delivery attempt outcome and its latency
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatency.Observe(latency.Seconds())
	}
}

// RecordRetry increments the retry counter for a failure reason
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDLQ increments the dead letter counter
func RecordDLQ() {
	DLQTotal.Inc()
}

// RecordBatchSize records how many events went out in one delivery
func RecordBatchSize(n int) {
	BatchSize.Observe(float64(n))
}

// UpdateWorkerBacklog sets the worker backlog gauge
func UpdateWorkerBacklog(depth float64) {
	WorkerBacklog.Set(depth)
}

// UpdateTopicDepth sets the NSQ topic depth gauge
func UpdateTopicDepth(topic, channel string, depth float64) {
	TopicDepth.WithLabelValues(topic, channel).Set(depth)
}

// RecordAutoDisable increments the auto-disable counter
func RecordAutoDisable() {
	SubscriptionsAutoDisabled.Inc()
}
