// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal          *prometheus.CounterVec
	fetchBytesTotal       *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	retriesScheduledTotal *prometheus.CounterVec
	dedupHitsTotal        *prometheus.CounterVec
	jobsTotal             *prometheus.CounterVec
	activeWorkers         prometheus.Gauge
	rateLimitWaitSeconds  *prometheus.HistogramVec
	persistRetriesTotal   prometheus.Counter
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawld_fetches_total",
				Help: "Total fetch attempts, labeled by domain and classified outcome.",
			},
			[]string{"domain", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawld_fetch_bytes_total",
				Help: "Total bytes fetched, labeled by domain.",
			},
			[]string{"domain"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawld_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by domain.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		retriesScheduledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawld_retries_scheduled_total",
				Help: "Total retries scheduled, labeled by domain and error kind.",
			},
			[]string{"domain", "kind"},
		)

		dedupHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawld_dedup_hits_total",
				Help: "Total deduplication hits, labeled by level (url or content).",
			},
			[]string{"level"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawld_jobs_total",
				Help: "Total jobs finalized, labeled by final status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawld_active_workers",
				Help: "Number of workers currently executing a fetch.",
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawld_rate_limit_wait_seconds",
				Help:    "Histogram of admission waits returned by the rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		persistRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawld_persist_retries_total",
				Help: "Total retried job store writes.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one classified fetch attempt.
func ObserveFetch(domain, outcome string, bytesFetched int, duration time.Duration) {
	if fetchesTotal == nil {
		return
	}
	fetchesTotal.WithLabelValues(domain, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(domain).Add(float64(bytesFetched))
	}
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(domain).Observe(duration.Seconds())
	}
}

// ObserveRetryScheduled counts a retry decision for the given error kind.
func ObserveRetryScheduled(domain, kind string) {
	if retriesScheduledTotal == nil {
		return
	}
	retriesScheduledTotal.WithLabelValues(domain, kind).Inc()
}

// ObserveDedupHit counts a dedup suppression at the given level.
func ObserveDedupHit(level string) {
	if dedupHitsTotal == nil {
		return
	}
	dedupHitsTotal.WithLabelValues(level).Inc()
}

// ObserveJobFinalized counts a job reaching the given final status.
func ObserveJobFinalized(status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// ObserveRateLimitWait records an admission wait returned by the limiter.
func ObserveRateLimitWait(domain string, wait time.Duration) {
	if rateLimitWaitSeconds == nil || wait <= 0 {
		return
	}
	rateLimitWaitSeconds.WithLabelValues(domain).Observe(wait.Seconds())
}

// ObservePersistRetry counts one retried job store write.
func ObservePersistRetry() {
	if persistRetriesTotal == nil {
		return
	}
	persistRetriesTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
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
