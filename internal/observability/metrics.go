// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for the optstuff gateway.
package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "optstuff"

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the request hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	allowed          int64
	limited          int64
	redisErrors      int64
	fallbackUsed     int64
	authRejected     int64
	cacheHits        int64
	cacheMisses      int64
	telemetryDropped int64
	logsDropped      int64

	promAllowed          prometheus.Counter
	promLimited          *prometheus.CounterVec
	promRedisErrors      *prometheus.CounterVec
	promFallbackUsed     prometheus.Counter
	promAuthRejected     *prometheus.CounterVec
	promCacheLookups     *prometheus.CounterVec
	promProbeResults     *prometheus.CounterVec
	promEngineErrors     *prometheus.CounterVec
	promTelemetryDropped prometheus.Counter
	promTelemetryFailed  *prometheus.CounterVec
	promLogsDropped      prometheus.Counter
	promLogsWritten      *prometheus.CounterVec
	promSizeSampled      prometheus.Counter

	// Prometheus histograms.
	PromRequestDuration *prometheus.HistogramVec
	PromStageDuration   *prometheus.HistogramVec

	// Remaining quota distribution (histogram, not per-key gauge, to keep
	// cardinality bounded).
	PromRLRemaining prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_allowed_total",
			Help:      "Total number of requests that passed every validation gate.",
		}),
		promLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting, by window.",
		}, []string{"window"}),
		promRedisErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_errors_total",
			Help:      "Total number of Redis errors encountered, by component.",
		}, []string{"component"}),
		promFallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_fallback_used_total",
			Help:      "Total number of rate-limit checks served by the in-memory fallback.",
		}),
		promAuthRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejections_total",
			Help:      "Total number of requests rejected before transformation, by reason.",
		}, []string{"reason"}),
		promCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_cache_lookups_total",
			Help:      "Config cache lookups by entity kind and result (hit, negative_hit, miss, error).",
		}, []string{"kind", "result"}),
		promProbeResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_probes_total",
			Help:      "HEAD probe outcomes, by result.",
		}, []string{"result"}),
		promEngineErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Transformation engine failures, by mapped response status.",
		}, []string{"status_code"}),
		promTelemetryDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_tasks_dropped_total",
			Help:      "Background telemetry tasks dropped because the task group was full.",
		}),
		promTelemetryFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_tasks_failed_total",
			Help:      "Background telemetry tasks that returned an error, by task.",
		}, []string{"task"}),
		promLogsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_logs_dropped_total",
			Help:      "Request log rows dropped because the buffer was full or the sink failed.",
		}),
		promLogsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_logs_written_total",
			Help:      "Request log rows delivered, by sink.",
		}, []string{"sink"}),
		promSizeSampled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "original_size_samples_total",
			Help:      "Successful original-size HEAD samples.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromStageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of gateway stages (auth, transform, probe) in seconds.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		PromRLRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_remaining",
			Help:      "Distribution of remaining quota across rate-limit checks.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 10000},
		}),
	}
}

// IncAllowed increments the allowed requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limited requests counter for window
// ("minute" or "day").
func (m *Metrics) IncLimited(window string) {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.WithLabelValues(window).Inc()
}

// IncRedisErrors increments the Redis error counter for component.
func (m *Metrics) IncRedisErrors(component string) {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.WithLabelValues(component).Inc()
}

// IncFallbackUsed increments the fallback usage counter.
func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallbackUsed.Inc()
}

// IncAuthRejected counts a request rejected by a validation gate.
func (m *Metrics) IncAuthRejected(reason string) {
	atomic.AddInt64(&m.authRejected, 1)
	m.promAuthRejected.WithLabelValues(reason).Inc()
}

// Config cache lookup results.
const (
	CacheHit         = "hit"
	CacheNegativeHit = "negative_hit"
	CacheMiss        = "miss"
	CacheError       = "error"
)

// ObserveCache records one config cache lookup.
func (m *Metrics) ObserveCache(kind, result string) {
	switch result {
	case CacheHit, CacheNegativeHit:
		atomic.AddInt64(&m.cacheHits, 1)
	case CacheMiss:
		atomic.AddInt64(&m.cacheMisses, 1)
	}
	m.promCacheLookups.WithLabelValues(kind, result).Inc()
}

// ObserveProbe records a HEAD probe outcome. An empty result means success.
func (m *Metrics) ObserveProbe(result string) {
	if result == "" {
		result = "ok"
	}
	m.promProbeResults.WithLabelValues(result).Inc()
}

// IncEngineErrors counts a failed transformation by the status returned to
// the client.
func (m *Metrics) IncEngineErrors(status int) {
	m.promEngineErrors.WithLabelValues(strconv.Itoa(status)).Inc()
}

// IncTelemetryDropped counts a background task that was not started.
func (m *Metrics) IncTelemetryDropped() {
	atomic.AddInt64(&m.telemetryDropped, 1)
	m.promTelemetryDropped.Inc()
}

// IncTelemetryFailed counts a background task that failed.
func (m *Metrics) IncTelemetryFailed(task string) {
	m.promTelemetryFailed.WithLabelValues(task).Inc()
}

// IncLogsDropped counts request log rows that were lost.
func (m *Metrics) IncLogsDropped(n int) {
	atomic.AddInt64(&m.logsDropped, int64(n))
	m.promLogsDropped.Add(float64(n))
}

// AddLogsWritten counts request log rows delivered to sink.
func (m *Metrics) AddLogsWritten(sink string, n int) {
	m.promLogsWritten.WithLabelValues(sink).Add(float64(n))
}

// IncSizeSampled counts a successful original-size sample.
func (m *Metrics) IncSizeSampled() {
	m.promSizeSampled.Inc()
}

// ObserveStage records the duration of one gateway stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.PromStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRemaining records the remaining quota as a histogram observation.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRLRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed          int64
	Limited          int64
	RedisErrors      int64
	FallbackUsed     int64
	AuthRejected     int64
	CacheHits        int64
	CacheMisses      int64
	TelemetryDropped int64
	LogsDropped      int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:          atomic.LoadInt64(&m.allowed),
		Limited:          atomic.LoadInt64(&m.limited),
		RedisErrors:      atomic.LoadInt64(&m.redisErrors),
		FallbackUsed:     atomic.LoadInt64(&m.fallbackUsed),
		AuthRejected:     atomic.LoadInt64(&m.authRejected),
		CacheHits:        atomic.LoadInt64(&m.cacheHits),
		CacheMisses:      atomic.LoadInt64(&m.cacheMisses),
		TelemetryDropped: atomic.LoadInt64(&m.telemetryDropped),
		LogsDropped:      atomic.LoadInt64(&m.logsDropped),
	}
}
