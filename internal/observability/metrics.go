package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sync_service"

var (
	pushOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "item_outcomes_total",
		Help:      "Push items resolved, by entity type and outcome status.",
	}, []string{"entity_type", "status"})
	pushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "duration_seconds",
		Help:      "Wall time of whole push requests.",
		Buckets:   prometheus.DefBuckets,
	})
	mergeRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "merge",
		Name:      "cas_retries_total",
		Help:      "Compare-and-swap retries after a concurrent write, by entity type.",
	}, []string{"entity_type"})
	manualConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "merge",
		Name:      "manual_conflicts_total",
		Help:      "Fields reported as manual conflicts, by entity type and field.",
	}, []string{"entity_type", "field"})
	pulledEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pull",
		Name:      "entries_total",
		Help:      "Change log entries returned by pull.",
	})
	bootstrapEntities = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bootstrap",
		Name:      "entities_total",
		Help:      "Entities returned by bootstrap snapshots.",
	})
	lastCommitGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "changelog",
		Name:      "last_commit_timestamp_seconds",
		Help:      "Unix timestamp of the most recent change log commit.",
	})
	httpRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(pushOutcomes, pushDuration, mergeRetries, manualConflicts, pulledEntries, bootstrapEntities, lastCommitGauge, httpRequests)
}

// RecordPushOutcome counts one resolved push item.
func RecordPushOutcome(entityType, status string) {
	pushOutcomes.WithLabelValues(entityType, status).Inc()
}

// ObservePushDuration records the duration of a push request.
func ObservePushDuration(d time.Duration) {
	pushDuration.Observe(d.Seconds())
}

// RecordMergeRetry counts a lost compare-and-swap.
func RecordMergeRetry(entityType string) {
	mergeRetries.WithLabelValues(entityType).Inc()
}

// RecordManualConflict counts a field reported for manual review.
func RecordManualConflict(entityType, field string) {
	manualConflicts.WithLabelValues(entityType, field).Inc()
}

// RecordPulled counts entries served by pull.
func RecordPulled(n int) {
	pulledEntries.Add(float64(n))
}

// RecordBootstrap counts entities served by bootstrap.
func RecordBootstrap(n int) {
	bootstrapEntities.Add(float64(n))
}

// RecordCommit updates the commit watermark gauge.
func RecordCommit(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastCommitGauge.Set(float64(ts.Unix()))
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(route string, code int, d time.Duration) {
	httpRequests.WithLabelValues(route, strconv.Itoa(code)).Observe(d.Seconds())
}
