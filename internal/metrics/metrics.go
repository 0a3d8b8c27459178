// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperJobsStartedTotal    prometheus.Counter
	scraperJobsCompletedTotal  *prometheus.CounterVec
	scraperBusinessesTotal     prometheus.Counter
	scraperLookupErrorsTotal   prometheus.Counter
	scraperQueueDepth          prometheus.Gauge
	scraperActiveJobs          prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperJobsStartedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_jobs_started_total",
				Help: "Total number of scrape jobs that began executing.",
			},
		)

		scraperJobsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_completed_total",
				Help: "Total number of finished scrape jobs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		scraperBusinessesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_businesses_collected_total",
				Help: "Total number of businesses collected across all jobs.",
			},
		)

		scraperLookupErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_lookup_errors_total",
				Help: "Total number of absorbed provider lookup failures.",
			},
		)

		scraperQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_queue_depth",
				Help: "Number of jobs waiting for the execution slot.",
			},
		)

		scraperActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_jobs",
				Help: "Number of jobs currently executing (0 or 1 by design).",
			},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// JobStarted increments the started counter and the active gauge.
func JobStarted() {
	Init()
	scraperJobsStartedTotal.Inc()
	scraperActiveJobs.Inc()
}

// JobCompleted records a terminal transition and its summary counters.
func JobCompleted(status string, businesses, lookupErrors int) {
	Init()
	scraperJobsCompletedTotal.WithLabelValues(status).Inc()
	scraperActiveJobs.Dec()
	if businesses > 0 {
		scraperBusinessesTotal.Add(float64(businesses))
	}
	if lookupErrors > 0 {
		scraperLookupErrorsTotal.Add(float64(lookupErrors))
	}
}

// SetQueueDepth records the current waiting-list length.
func SetQueueDepth(depth int) {
	Init()
	scraperQueueDepth.Set(float64(depth))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
