// Package metrics exposes Prometheus collectors for the ingestion service.
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
	poolSize                   prometheus.Gauge
	poolInUse                  prometheus.Gauge
	poolAcquireWaitSeconds     prometheus.Histogram
	throttleWaitSeconds        *prometheus.HistogramVec
	throttlePenaltiesTotal     *prometheus.CounterVec
	scrapeAttemptsTotal        *prometheus.CounterVec
	scrapeRetriesTotal         *prometheus.CounterVec
	preflightFailuresTotal     prometheus.Counter
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// more than once; the Observe helpers call it on first use.
func Init() {
	once.Do(func() {
		poolSize = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tradestat_pool_size",
			Help: "Configured number of browser sessions.",
		})
		poolInUse = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tradestat_pool_in_use",
			Help: "Browser sessions currently checked out.",
		})
		poolAcquireWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradestat_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a browser session.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30},
		})
		throttleWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradestat_throttle_wait_seconds",
			Help:    "Histogram of throttle wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"key"})
		throttlePenaltiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradestat_throttle_penalties_total",
			Help: "Rate-limit penalties applied to a throttle key.",
		}, []string{"key"})
		scrapeAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradestat_scrape_attempts_total",
			Help: "Scrape attempts partitioned by mode and outcome.",
		}, []string{"mode", "outcome"})
		scrapeRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradestat_scrape_retries_total",
			Help: "Backoff sleeps taken before re-attempting a scrape.",
		}, []string{"mode"})
		preflightFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradestat_preflight_failures_total",
			Help: "Runs aborted because the target did not answer the preflight probe.",
		})
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tradestat_active_workers",
			Help: "Number of workers currently processing a code.",
		})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// SetPoolSize records the configured pool size.
func SetPoolSize(n int) {
	Init()
	poolSize.Set(float64(n))
}

// SetPoolInUse records how many sessions are checked out.
func SetPoolInUse(n int) {
	Init()
	poolInUse.Set(float64(n))
}

// ObservePoolAcquire records the time spent in Acquire.
func ObservePoolAcquire(d time.Duration) {
	Init()
	poolAcquireWaitSeconds.Observe(d.Seconds())
}

// ObserveThrottleWait records how long a caller waited on key.
func ObserveThrottleWait(key string, d time.Duration) {
	Init()
	throttleWaitSeconds.WithLabelValues(key).Observe(d.Seconds())
}

// ObserveThrottlePenalty counts a rate-limit penalty on key.
func ObserveThrottlePenalty(key string) {
	Init()
	throttlePenaltiesTotal.WithLabelValues(key).Inc()
}

// ObserveScrapeAttempt counts one controller invocation.
func ObserveScrapeAttempt(mode, outcome string) {
	Init()
	scrapeAttemptsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveRetry counts a backoff sleep before another attempt.
func ObserveRetry(mode string) {
	Init()
	scrapeRetriesTotal.WithLabelValues(mode).Inc()
}

// ObservePreflightFailure counts an aborted run.
func ObservePreflightFailure() {
	Init()
	preflightFailuresTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
