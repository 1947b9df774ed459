// Package metrics holds the Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the gateway. A Collector owns
// its own registry so tests can build isolated instances without duplicate
// registration panics.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Query pipeline metrics
	QueriesExecuted  *prometheus.CounterVec // labels: database, format, status
	QueryDuration    *prometheus.HistogramVec
	CoalescedWaiters prometheus.Gauge
	RunningQueries   prometheus.Gauge

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheBytes     prometheus.Gauge

	// Pool metrics
	PoolInUse    *prometheus.GaugeVec // label: database
	PoolWaiters  *prometheus.GaugeVec
	PoolTimeouts *prometheus.CounterVec
	PoolResets   *prometheus.GaugeVec // mirrors the pool's own reset count
}

// NewCollector creates a collector with a fresh registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	queriesExecuted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_executed_total",
			Help:      "Total number of queries run against the engine",
		},
		[]string{"database", "format", "status"},
	)

	queryDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Engine execution plus serialization time per query",
			Buckets:   []float64{.005, .025, .1, .5, 1, 2.5, 10, 30, 120},
		},
		[]string{"database", "format"},
	)

	coalescedWaiters := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coalesced_waiters",
			Help:      "Requests currently waiting on another request's execution",
		},
	)

	runningQueries := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_queries",
			Help:      "Queries currently executing against the engine",
		},
	)

	cacheHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of result cache hits",
		},
	)

	cacheMisses := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of result cache misses",
		},
	)

	cacheEvictions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of result cache evictions",
		},
	)

	cacheBytes := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes currently held by the result cache",
		},
	)

	poolInUse := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections_in_use",
			Help:      "Connections currently checked out of the pool",
		},
		[]string{"database"},
	)

	poolWaiters := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_waiters",
			Help:      "Callers currently blocked in pool acquire",
		},
		[]string{"database"},
	)

	poolTimeouts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_acquire_timeouts_total",
			Help:      "Total pool acquires that timed out",
		},
		[]string{"database"},
	)

	poolResets := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_resets_total",
			Help:      "Total pool resets after an invalidated-handle error",
		},
		[]string{"database"},
	)

	registry.MustRegister(
		httpRequests,
		httpDuration,
		queriesExecuted,
		queryDuration,
		coalescedWaiters,
		runningQueries,
		cacheHits,
		cacheMisses,
		cacheEvictions,
		cacheBytes,
		poolInUse,
		poolWaiters,
		poolTimeouts,
		poolResets,
	)

	return &Collector{
		registry:         registry,
		HTTPRequests:     httpRequests,
		HTTPDuration:     httpDuration,
		QueriesExecuted:  queriesExecuted,
		QueryDuration:    queryDuration,
		CoalescedWaiters: coalescedWaiters,
		RunningQueries:   runningQueries,
		CacheHits:        cacheHits,
		CacheMisses:      cacheMisses,
		CacheEvictions:   cacheEvictions,
		CacheBytes:       cacheBytes,
		PoolInUse:        poolInUse,
		PoolWaiters:      poolWaiters,
		PoolTimeouts:     poolTimeouts,
		PoolResets:       poolResets,
	}
}

// Registry returns the Prometheus registry backing this collector, for
// mounting the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
