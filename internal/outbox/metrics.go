package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync_service",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Number of change-feed events published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync_service",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Number of change-feed events that failed to publish and were routed to the DLQ.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync_service",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent claiming, delivering and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_service",
		Subsystem: "outbox",
		Name:      "events_dlq_total",
		Help:      "Number of change-feed events routed to the dead-letter queue, labeled by topic.",
	}, []string{"topic"})

	publishLag = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync_service",
		Subsystem: "outbox",
		Name:      "publish_lag_seconds",
		Help:      "Delay between a change committing and its event reaching Kafka.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, batchDuration, dlqCounter, publishLag)
}
