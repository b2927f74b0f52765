// Package metrics provides Prometheus metrics for monitoring the render bridge.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts render requests by outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderbridge_requests_total",
			Help: "Total number of render requests processed",
		},
		[]string{"backend", "outcome"},
	)

	// RequestDuration tracks end-to-end render duration.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renderbridge_request_duration_seconds",
			Help:    "Render request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"backend"},
	)

	// WaitDuration tracks how long wait predicates polled before resolving.
	WaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renderbridge_wait_duration_seconds",
			Help:    "Time spent polling wait predicates",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"condition", "outcome"},
	)

	// CookiesRejected counts cookies a session refused.
	CookiesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderbridge_cookies_rejected_total",
			Help: "Total cookies rejected by sessions",
		},
	)

	// SessionsCreated counts session construction attempts by launch path.
	SessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderbridge_sessions_created_total",
			Help: "Total session construction attempts",
		},
		[]string{"backend", "mode", "status"},
	)

	// SessionsClosed counts session terminations by how they ended.
	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderbridge_sessions_closed_total",
			Help: "Total sessions closed",
		},
		[]string{"reason"},
	)

	// PoolSize shows the configured pool size.
	PoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderbridge_pool_size",
			Help: "Configured session pool size",
		},
	)

	// PoolAvailable shows idle sessions in the pool.
	PoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderbridge_pool_available",
			Help: "Idle sessions in pool",
		},
	)

	// PoolAcquired counts total session acquisitions.
	PoolAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderbridge_pool_acquired_total",
			Help: "Total session acquisitions from pool",
		},
	)

	// PoolRecycled counts session recycles.
	PoolRecycled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderbridge_pool_recycled_total",
			Help: "Total sessions recycled",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderbridge_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderbridge_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "renderbridge_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		WaitDuration,
		CookiesRejected,
		SessionsCreated,
		SessionsClosed,
		PoolSize,
		PoolAvailable,
		PoolAcquired,
		PoolRecycled,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector periodically updates memory metrics until stopCh closes.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed render request.
func RecordRequest(backend, outcome string, duration time.Duration) {
	RequestsTotal.WithLabelValues(backend, outcome).Inc()
	RequestDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordWait records how a wait predicate resolved.
func RecordWait(condition, outcome string, duration time.Duration) {
	WaitDuration.WithLabelValues(condition, outcome).Observe(duration.Seconds())
}

// RecordCookieRejected records a cookie the session refused.
func RecordCookieRejected() {
	CookiesRejected.Inc()
}

// RecordSessionCreated records a session construction attempt.
func RecordSessionCreated(backend, mode string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	SessionsCreated.WithLabelValues(backend, mode, status).Inc()
}

// RecordSessionClosed records a session termination.
func RecordSessionClosed(reason string) {
	SessionsClosed.WithLabelValues(reason).Inc()
}

// UpdatePoolMetrics updates session pool gauges.
func UpdatePoolMetrics(size, available int) {
	PoolSize.Set(float64(size))
	PoolAvailable.Set(float64(available))
}
