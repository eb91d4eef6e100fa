// Package telemetry exposes Prometheus metrics for the collection runtime.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	collectorItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_items_total",
			Help: "Total number of raw items collected, labeled by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)

	collectorArenaRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_arena_runs_total",
			Help: "Total number of per-arena runs, labeled by platform and status.",
		},
		[]string{"platform", "status"},
	)

	collectorJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_jobs_total",
			Help: "Total number of jobs processed, labeled by status.",
		},
		[]string{"status"},
	)

	collectorActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_active_workers",
			Help: "Number of workers currently processing an arena run.",
		},
	)

	credentialAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_acquire_total",
			Help: "Credential pool acquisition attempts, labeled by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)

	credentialCooldownsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credential_cooldowns_total",
			Help: "Total number of credential cooldowns opened.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limit_delay_seconds",
			Help:    "Histogram of time spent waiting for a rate limit slot.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"key"},
	)

	pipelineRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_records_total",
			Help: "Normalization pipeline outcomes, labeled by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// ObserveItem records one collected item outcome ("emitted", "dropped",
// "duplicate", "near_duplicate").
func ObserveItem(platform, outcome string) {
	collectorItemsTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveArenaRun records a finished per-arena run.
func ObserveArenaRun(platform, status string) {
	collectorArenaRunsTotal.WithLabelValues(platform, status).Inc()
}

// ObserveJob records a job status change.
func ObserveJob(status string) {
	collectorJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	collectorActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	collectorActiveWorkers.Dec()
}

// ObserveCredentialAcquire records one pool acquisition attempt
// ("leased", "fallback", "miss").
func ObserveCredentialAcquire(platform, outcome string) {
	credentialAcquireTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveCooldownOpened records a credential circuit breaker opening.
func ObserveCooldownOpened() {
	credentialCooldownsTotal.Inc()
}

// ObserveRateLimitDelay records the time a caller waited for a slot.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObservePipelineRecord records one normalization outcome.
func ObservePipelineRecord(platform, outcome string) {
	pipelineRecordsTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
