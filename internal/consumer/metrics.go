package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_service",
		Subsystem: "changefeed",
		Name:      "messages_processed_total",
		Help:      "Number of change feed records successfully handled.",
	}, []string{"topic", "event_type"})

	handlerErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_service",
		Subsystem: "changefeed",
		Name:      "handler_errors_total",
		Help:      "Number of handler errors grouped by topic and event type.",
	}, []string{"topic", "event_type"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_service",
		Subsystem: "changefeed",
		Name:      "decode_errors_total",
		Help:      "Number of decode failures per topic.",
	}, []string{"topic"})

	redeliveryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_service",
		Subsystem: "changefeed",
		Name:      "redeliveries_total",
		Help:      "Number of change log entries received more than once.",
	}, []string{"topic"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sync_service",
		Subsystem: "changefeed",
		Name:      "last_message_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully processed message per topic.",
	}, []string{"topic"})

	commitToReceiptSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync_service",
		Subsystem: "changefeed",
		Name:      "commit_to_receipt_seconds",
		Help:      "Time from change log commit to receipt on the change feed.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(processedCounter, handlerErrorCounter, decodeErrorCounter, redeliveryCounter, lastMessageGauge, commitToReceiptSeconds)
}

func recordProcessed(msg Message) {
	processedCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
	if !msg.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordHandlerError(msg Message) {
	handlerErrorCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}

func recordReceipt(topic string, committedAt, receivedAt time.Time, redelivered bool) {
	if redelivered {
		redeliveryCounter.WithLabelValues(topic).Inc()
	}
	if !committedAt.IsZero() && receivedAt.After(committedAt) {
		commitToReceiptSeconds.Observe(receivedAt.Sub(committedAt).Seconds())
	}
}
