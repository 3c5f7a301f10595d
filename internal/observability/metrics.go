// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Session metrics
	SessionsConnected prometheus.Gauge
	SessionsTotal     prometheus.Counter

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Change feed metrics
	ChangeEventsTotal   *prometheus.CounterVec
	ChangeEventsSkipped *prometheus.CounterVec
	WatchResubscribes   prometheus.Counter

	// Fan-out metrics
	BroadcastsTotal     prometheus.Counter
	BroadcastDropsTotal prometheus.Counter

	// History trail metrics
	HistoryRowsWritten prometheus.Counter
	HistoryWriteErrors prometheus.Counter

	// Cache metrics
	CacheOps *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "koa_gateway"
	}

	return &Metrics{
		SessionsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "connected",
			Help:      "Number of currently connected sessions",
		}),
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "total",
			Help:      "Total number of sessions ever registered",
		}),
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Total number of handled requests by kind and status",
		}, []string{"kind", "status"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Request handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		ChangeEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "change_events_total",
			Help:      "Total number of change events emitted by the watcher",
		}, []string{"op"}),
		ChangeEventsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "change_events_skipped_total",
			Help:      "Total number of change notifications dropped before fan-out",
		}, []string{"reason"}),
		WatchResubscribes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "watch_resubscribes_total",
			Help:      "Total number of change-feed resubscription attempts",
		}),
		BroadcastsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "broadcasts_total",
			Help:      "Total number of token updates fanned out",
		}),
		BroadcastDropsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "broadcast_drops_total",
			Help:      "Total number of per-session pushes dropped on backpressure",
		}),
		HistoryRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "rows_written_total",
			Help:      "Total number of token-update history rows written",
		}),
		HistoryWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "write_errors_total",
			Help:      "Total number of failed history writes",
		}),
		CacheOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "ops_total",
			Help:      "Total number of cache lookups by key kind and result",
		}, []string{"key", "result"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSessionConnected tracks a new session registration.
func RecordSessionConnected() {
	DefaultMetrics.SessionsConnected.Inc()
	DefaultMetrics.SessionsTotal.Inc()
}

// RecordSessionDisconnected tracks a session teardown.
func RecordSessionDisconnected() {
	DefaultMetrics.SessionsConnected.Dec()
}

// RecordRequest records one handled request.
func RecordRequest(kind, status string, seconds float64) {
	DefaultMetrics.RequestsTotal.WithLabelValues(kind, status).Inc()
	DefaultMetrics.RequestDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordChangeEvent counts an emitted change event.
func RecordChangeEvent(op string) {
	DefaultMetrics.ChangeEventsTotal.WithLabelValues(op).Inc()
}

// RecordChangeEventSkipped counts a notification dropped before fan-out.
func RecordChangeEventSkipped(reason string) {
	DefaultMetrics.ChangeEventsSkipped.WithLabelValues(reason).Inc()
}

// RecordWatchResubscribe counts a change-feed resubscription attempt.
func RecordWatchResubscribe() {
	DefaultMetrics.WatchResubscribes.Inc()
}

// RecordBroadcast records one fan-out pass.
func RecordBroadcast(dropped int) {
	DefaultMetrics.BroadcastsTotal.Inc()
	if dropped > 0 {
		DefaultMetrics.BroadcastDropsTotal.Add(float64(dropped))
	}
}

// RecordHistoryWrite records a history flush outcome.
func RecordHistoryWrite(rows int, err error) {
	if err != nil {
		DefaultMetrics.HistoryWriteErrors.Inc()
		return
	}
	DefaultMetrics.HistoryRowsWritten.Add(float64(rows))
}

// RecordCacheLookup records a cache hit or miss for a key kind.
func RecordCacheLookup(key string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	DefaultMetrics.CacheOps.WithLabelValues(key, result).Inc()
}
