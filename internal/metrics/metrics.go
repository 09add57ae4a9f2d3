// Package metrics exposes Prometheus counters for the weatherflow
// runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weatherflow_queries_total",
		Help: "Total queries processed, by terminal state",
	}, []string{"state"})
	QueryDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "weatherflow_query_duration_ms",
		Help:    "End-to-end query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weatherflow_cache_hits_total",
		Help: "Total snapshot cache hits",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weatherflow_cache_misses_total",
		Help: "Total snapshot cache misses",
	})
	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weatherflow_cache_evictions_total",
		Help: "Total snapshot cache LRU evictions",
	})

	ProviderRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weatherflow_provider_requests_total",
		Help: "Total upstream weather requests (one per attempt)",
	})
	ProviderSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weatherflow_provider_success_total",
		Help: "Total upstream weather successes",
	})
	ProviderFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weatherflow_provider_fail_total",
		Help: "Total upstream weather failures, by error code",
	}, []string{"code"})
	ProviderRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weatherflow_provider_retries_total",
		Help: "Total upstream request retries",
	})
	ProviderDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "weatherflow_provider_duration_ms",
		Help:    "Upstream weather call duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	})

	ToolCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weatherflow_tool_calls_total",
		Help: "Total tool calls served, by operation",
	}, []string{"tool"})
	ToolCallFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weatherflow_tool_call_fail_total",
		Help: "Total tool call failures, by operation and error code",
	}, []string{"tool", "code"})
	ToolCallDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weatherflow_tool_call_duration_ms",
		Help:    "Tool call duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	}, []string{"tool"})
)

func init() {
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryDurationMs)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderSuccessTotal)
	prometheus.MustRegister(ProviderFailTotal)
	prometheus.MustRegister(ProviderRetriesTotal)
	prometheus.MustRegister(ProviderDurationMs)
	prometheus.MustRegister(ToolCallsTotal)
	prometheus.MustRegister(ToolCallFailTotal)
	prometheus.MustRegister(ToolCallDurationMs)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
