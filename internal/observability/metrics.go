package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for pipeline metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - workflow executions and durations by name and status
//   - activity attempts and retries
//   - embedding request latency and token consumption
//   - chunk cache hit/miss/eviction counts and resident size
//   - search latency per retrieval strategy
//   - knowledge graph size
type Metrics struct {
	// WorkflowCounter counts workflow completions.
	// Labels: workflow, status (succeeded|failed)
	WorkflowCounter *prometheus.CounterVec

	// WorkflowDuration measures end-to-end workflow latency in seconds.
	// Labels: workflow
	WorkflowDuration *prometheus.HistogramVec

	// ActivityAttempts counts activity executions including retries.
	// Labels: activity, outcome (ok|retry|failed)
	ActivityAttempts *prometheus.CounterVec

	// EmbeddingDuration measures embedding API latency in seconds.
	// Labels: model
	EmbeddingDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks completion token consumption.
	// Labels: model, operation (reason|select)
	LLMTokensUsed *prometheus.CounterVec

	// CacheOps counts chunk cache operations.
	// Labels: op (hit|miss|eviction|expiration|skip)
	CacheOps *prometheus.CounterVec

	// CacheBytes is the approximate resident size of the chunk cache.
	CacheBytes prometheus.Gauge

	// SearchDuration measures search latency per strategy in seconds.
	// Labels: strategy, degraded (true|false)
	SearchDuration *prometheus.HistogramVec

	// GraphNodes tracks knowledge graph node counts.
	// Labels: kind (document|entity)
	GraphNodes *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry creates metrics registered against the given
// registerer. A nil registerer uses the default registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		WorkflowCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memvault_workflows_total",
				Help: "Workflow completions by name and status",
			},
			[]string{"workflow", "status"},
		),
		WorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "memvault_workflow_duration_seconds",
				Help:    "End-to-end workflow latency",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"workflow"},
		),
		ActivityAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memvault_activity_attempts_total",
				Help: "Activity executions including retries",
			},
			[]string{"activity", "outcome"},
		),
		EmbeddingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "memvault_embedding_duration_seconds",
				Help:    "Embedding API request latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"model"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memvault_llm_tokens_total",
				Help: "Completion tokens consumed by LLM operations",
			},
			[]string{"model", "operation"},
		),
		CacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memvault_cache_ops_total",
				Help: "Chunk cache operations",
			},
			[]string{"op"},
		),
		CacheBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memvault_cache_bytes",
				Help: "Approximate resident bytes in the chunk cache",
			},
		),
		SearchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "memvault_search_duration_seconds",
				Help:    "Search latency per retrieval strategy",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 4, 5, 10},
			},
			[]string{"strategy", "degraded"},
		),
		GraphNodes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "memvault_graph_nodes",
				Help: "Knowledge graph node counts by kind",
			},
			[]string{"kind"},
		),
	}
}
