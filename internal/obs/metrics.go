package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	intentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_intents_total",
			Help: "Intents applied, by kind and result.",
		},
		[]string{"kind", "result"},
	)
	adapterCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_calls_total",
			Help: "Marketplace API calls, by marketplace, call and outcome.",
		},
		[]string{"marketplace", "call", "outcome"},
	)
	adapterCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketplace_call_duration_seconds",
			Help:    "Latency of marketplace API calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"marketplace", "call"},
	)
	staleCommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_stale_commits_total",
		Help: "Fan-out or repair results discarded because a newer intent overtook them.",
	})
	retryTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_retry_tasks_total",
			Help: "Retry tasks by event (scheduled, executed, dropped).",
		},
		[]string{"marketplace", "event"},
	)
	retryBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_retry_backlog",
		Help: "Retry tasks waiting for their due time or a worker.",
	})
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"route", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(intentsTotal, adapterCallsTotal, adapterCallDuration,
		staleCommitsTotal, retryTasksTotal, retryBacklog, httpRequestsTotal)
}

// RecordIntent counts an applied intent.
func RecordIntent(kind, result string) {
	intentsTotal.WithLabelValues(kind, result).Inc()
}

// RecordAdapterCall counts one marketplace API call and observes its latency.
func RecordAdapterCall(marketplace, call, outcome string, d time.Duration) {
	adapterCallsTotal.WithLabelValues(marketplace, call, outcome).Inc()
	adapterCallDuration.WithLabelValues(marketplace, call).Observe(d.Seconds())
}

// RecordStaleCommit counts a discarded stale result.
func RecordStaleCommit() { staleCommitsTotal.Inc() }

// RecordRetry counts a retry task event.
func RecordRetry(marketplace, event string) {
	retryTasksTotal.WithLabelValues(marketplace, event).Inc()
}

// SetRetryBacklog reports the current scheduler backlog.
func SetRetryBacklog(n int) { retryBacklog.Set(float64(n)) }

// RecordHTTPRequest counts a served HTTP request under its route pattern.
func RecordHTTPRequest(route, method string, status int) {
	httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

// MetricsHandler returns the Prometheus exposition handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
