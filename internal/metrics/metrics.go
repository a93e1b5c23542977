// Package metrics exposes Prometheus collectors for the performance layer.
// Components record through package-level functions that no-op until Init is
// called, so library embedders and tests pay nothing for instrumentation
// they did not ask for.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// perfMetrics wraps prometheus collectors for the banter daemon.
type perfMetrics struct {
	registry *prometheus.Registry

	// Cache
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheEvictions     *prometheus.CounterVec
	cacheExpirations   *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec
	cacheEntries       *prometheus.GaugeVec

	// Batching
	batchFlushes *prometheus.CounterVec
	batchErrors  *prometheus.CounterVec
	batchSize    *prometheus.HistogramVec

	// Query monitor
	queryDuration *prometheus.HistogramVec
	slowQueries   prometheus.Counter

	uptime prometheus.GaugeFunc
}

// Default histogram buckets for query durations (in milliseconds)
var defaultBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

var (
	promMetrics  *perfMetrics
	processStart = time.Now()
)

// StartTime returns when this process initialized the metrics package.
func StartTime() time.Time {
	return processStart
}

// Init initializes the Prometheus metrics subsystem.
func Init(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &perfMetrics{
		registry: registry,

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total cache lookups served from memory",
			},
			[]string{"cache"},
		),

		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total cache lookups that fell through to a source",
			},
			[]string{"cache"},
		),

		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Total entries evicted to stay within capacity",
			},
			[]string{"cache"},
		),

		cacheExpirations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_expirations_total",
				Help:      "Total entries removed because their TTL elapsed",
			},
			[]string{"cache"},
		),

		cacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Total entries removed by tag invalidation",
			},
			[]string{"cache"},
		),

		cacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Current number of live entries by cache",
			},
			[]string{"cache"},
		),

		batchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_flushes_total",
				Help:      "Total batch windows flushed, by trigger",
			},
			[]string{"loader", "reason"},
		),

		batchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_errors_total",
				Help:      "Total batch fetches that failed",
			},
			[]string{"loader"},
		),

		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size_keys",
				Help:      "Number of keys per flushed batch",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
			[]string{"loader"},
		),

		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_milliseconds",
				Help:      "Duration of monitored queries in milliseconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		slowQueries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slow_queries_total",
				Help:      "Total monitored queries exceeding the slow threshold",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the banter daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.cacheHits,
		pm.cacheMisses,
		pm.cacheEvictions,
		pm.cacheExpirations,
		pm.cacheInvalidations,
		pm.cacheEntries,
		pm.batchFlushes,
		pm.batchErrors,
		pm.batchSize,
		pm.queryDuration,
		pm.slowQueries,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordCacheHit records a cache hit for the named cache.
func RecordCacheHit(cache string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss for the named cache.
func RecordCacheMiss(cache string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordCacheEviction records a capacity eviction for the named cache.
func RecordCacheEviction(cache string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheEvictions.WithLabelValues(cache).Inc()
}

// RecordCacheExpirations adds n TTL expirations for the named cache.
func RecordCacheExpirations(cache string, n int) {
	if promMetrics == nil || n <= 0 {
		return
	}
	promMetrics.cacheExpirations.WithLabelValues(cache).Add(float64(n))
}

// RecordCacheInvalidation adds removed tag-invalidated entries for the named cache.
func RecordCacheInvalidation(cache string, removed int) {
	if promMetrics == nil || removed <= 0 {
		return
	}
	promMetrics.cacheInvalidations.WithLabelValues(cache).Add(float64(removed))
}

// SetCacheEntries sets the live-entry gauge for the named cache.
func SetCacheEntries(cache string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheEntries.WithLabelValues(cache).Set(float64(n))
}

// RecordBatchFlush records one flushed batch window.
// reason: "timer", "size" or "clear".
func RecordBatchFlush(loader, reason string, size int) {
	if promMetrics == nil {
		return
	}
	promMetrics.batchFlushes.WithLabelValues(loader, reason).Inc()
	promMetrics.batchSize.WithLabelValues(loader).Observe(float64(size))
}

// RecordBatchError records a failed batch fetch.
func RecordBatchError(loader string) {
	if promMetrics == nil {
		return
	}
	promMetrics.batchErrors.WithLabelValues(loader).Inc()
}

// RecordQueryDuration records a monitored query execution.
func RecordQueryDuration(d time.Duration, failed bool) {
	if promMetrics == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	promMetrics.queryDuration.WithLabelValues(status).Observe(float64(d) / float64(time.Millisecond))
}

// RecordSlowQuery counts a monitored query that exceeded the slow threshold.
func RecordSlowQuery() {
	if promMetrics == nil {
		return
	}
	promMetrics.slowQueries.Inc()
}

// Handler returns an HTTP handler for Prometheus metrics scraping.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// Registry returns the prometheus registry (for custom collectors), or nil
// before Init.
func Registry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
