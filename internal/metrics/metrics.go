// Package metrics provides Prometheus metrics for the file-manager coordination core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Busy / row lock metrics
	busyTokensLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miniclouds_busy_tokens_live",
			Help: "Number of live busy tokens",
		},
	)

	rowLocksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miniclouds_row_locks_active",
			Help: "Number of items under an exclusive per-item operation",
		},
	)

	// Operation runner metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniclouds_operations_total",
			Help: "Operations attempted, by scope and result",
		},
		[]string{"scope", "result"},
	)

	// List sequencer metrics
	listFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniclouds_list_fetches_total",
			Help: "List fetches by outcome (applied, ignored, failed)",
		},
		[]string{"outcome"},
	)

	listFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "miniclouds_list_fetch_duration_seconds",
			Help:    "List fetch round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	refillStepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "miniclouds_refill_steps_total",
			Help: "Page requests issued by refill loops",
		},
	)

	// Hard lock metrics
	hardLockActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miniclouds_hard_lock_active",
			Help: "1 while the index hard lock is active",
		},
	)

	hardLockTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniclouds_hard_lock_transitions_total",
			Help: "Hard lock transitions by reason and source",
		},
		[]string{"reason", "source"},
	)

	// Notification metrics
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniclouds_notifications_total",
			Help: "Notifications by class and result (shown, suppressed, deduped)",
		},
		[]string{"class", "result"},
	)

	// Event broadcaster metrics
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miniclouds_event_subscribers",
			Help: "Number of coordinator event subscribers",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniclouds_events_published_total",
			Help: "Coordinator events published, by type",
		},
		[]string{"type"},
	)

	// Stats stream metrics
	statsUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniclouds_stats_updates_total",
			Help: "Stats payloads received, by source",
		},
		[]string{"source"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBusyTokens sets the number of live busy tokens.
func SetBusyTokens(count int) {
	busyTokensLive.Set(float64(count))
}

// SetRowLocks sets the number of active row locks.
func SetRowLocks(count int) {
	rowLocksActive.Set(float64(count))
}

// RecordOperation records an operation attempt. result is one of
// "ok", "dropped" or "failed".
func RecordOperation(scope, result string) {
	operationsTotal.WithLabelValues(scope, result).Inc()
}

// RecordListFetch records a list fetch outcome and its duration.
func RecordListFetch(outcome string, duration time.Duration) {
	listFetchesTotal.WithLabelValues(outcome).Inc()
	listFetchDuration.Observe(duration.Seconds())
}

// RecordRefillStep records one page request of a refill loop.
func RecordRefillStep() {
	refillStepsTotal.Inc()
}

// RecordHardLock records a lock transition.
func RecordHardLock(active bool, reason, source string) {
	if active {
		hardLockActive.Set(1)
	} else {
		hardLockActive.Set(0)
		reason, source = "none", "none"
	}
	hardLockTransitionsTotal.WithLabelValues(reason, source).Inc()
}

// RecordNotification records the fate of a notification.
func RecordNotification(class, result string) {
	notificationsTotal.WithLabelValues(class, result).Inc()
}

// RecordStatsUpdate records a stats payload by source (poll, stream, action).
func RecordStatsUpdate(source string) {
	statsUpdatesTotal.WithLabelValues(source).Inc()
}

// SetEventSubscribers sets the number of event subscribers.
func SetEventSubscribers(count int) {
	eventSubscribers.Set(float64(count))
}

// RecordEvent records a published coordinator event.
func RecordEvent(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}
