// Package metrics defines the Prometheus collectors shared by the searcher,
// the publisher and the analytics service, and serves them for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgesearch"

var (
	fastBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
	httpBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	SearchQueriesTotal *prometheus.CounterVec
	SearchLatency      *prometheus.HistogramVec
	SearchResultsCount prometheus.Histogram
	ModuleHeapBytes    prometheus.Gauge

	ChunkFetchesTotal  *prometheus.CounterVec
	ChunkFetchDuration *prometheus.HistogramVec
	ChunkCacheHits     prometheus.Counter
	ChunkCacheMisses   prometheus.Counter
	ResultCacheHits    prometheus.Counter
	ResultCacheMisses  prometheus.Counter

	ArtifactsPublished  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New registers every collector with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers every collector with reg. Tests pass a fresh
// registry so repeated construction does not panic.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	histogramVec := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	return &Metrics{
		HTTPRequestsTotal:    counterVec("http_requests_total", "HTTP requests by method, route and status.", "method", "path", "status"),
		HTTPRequestDuration:  histogramVec("http_request_duration_seconds", "HTTP request latency.", httpBuckets, "method", "path"),
		HTTPRequestsInFlight: gauge("http_requests_in_flight", "HTTP requests being served."),

		SearchQueriesTotal: counterVec("search_queries_total", "Searches by outcome: ok, empty, malformed or error.", "outcome"),
		SearchLatency:      histogramVec("search_latency_seconds", "Search latency by result cache status.", fastBuckets, "cache_status"),
		SearchResultsCount: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results_count",
			Help:      "Documents returned per page.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		ModuleHeapBytes: gauge("module_heap_bytes", "Module heap used by the last query."),

		ChunkFetchesTotal:  counterVec("chunk_fetches_total", "Chunk store reads by artifact kind and status.", "kind", "status"),
		ChunkFetchDuration: histogramVec("chunk_fetch_duration_seconds", "Chunk store read latency.", fastBuckets, "kind"),
		ChunkCacheHits:     counter("chunk_cache_hits_total", "Chunk reads served in process."),
		ChunkCacheMisses:   counter("chunk_cache_misses_total", "Chunk reads that reached the store."),
		ResultCacheHits:    counter("result_cache_hits_total", "Search responses served from Redis."),
		ResultCacheMisses:  counter("result_cache_misses_total", "Search responses computed on a Redis miss."),

		ArtifactsPublished:  counterVec("artifacts_published_total", "Build uploads by status.", "status"),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "circuit_breaker_state", Help: "0 closed, 1 open, 2 half-open."}, []string{"name"}),
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
