package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline Prometheus metrics.
var (
	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asistente",
			Name:      "embedding_requests_total",
			Help:      "Total number of embedding requests",
		},
		[]string{"provider", "model", "status"},
	)

	EmbeddingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "asistente",
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "model"},
	)

	EmbeddingTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asistente",
			Name:      "embedding_tokens_total",
			Help:      "Total embedding tokens consumed",
		},
		[]string{"provider", "model", "type"},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asistente",
			Name:      "embedding_cache_total",
			Help:      "Embedding cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	IngestSourcesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asistente",
			Name:      "ingest_sources_total",
			Help:      "Ingested source files by outcome",
		},
		[]string{"status"}, // "succeeded" / "failed" / "skipped"
	)

	IngestRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asistente",
			Name:      "ingest_retries_total",
			Help:      "Ingestion retry attempts by cause",
		},
		[]string{"cause"}, // "rate_limit" / "transient"
	)

	IndexRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "asistente",
			Name:      "index_records",
			Help:      "Number of records in the vector index",
		},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asistente",
			Name:      "queries_total",
			Help:      "Answered questions by mode and outcome",
		},
		[]string{"mode", "status"}, // mode: "buffered"/"stream", status: "success"/"error"/"greeting"/"not_ready"
	)
)

var pipelineMetricsRegistered bool

// RegisterPipelineMetrics registers Prometheus pipeline metrics. Must be called once from main.
func RegisterPipelineMetrics() {
	if pipelineMetricsRegistered {
		return
	}
	prometheus.MustRegister(EmbeddingRequestsTotal)
	prometheus.MustRegister(EmbeddingRequestDuration)
	prometheus.MustRegister(EmbeddingTokensTotal)
	prometheus.MustRegister(EmbeddingCacheTotal)
	prometheus.MustRegister(IngestSourcesTotal)
	prometheus.MustRegister(IngestRetriesTotal)
	prometheus.MustRegister(IndexRecords)
	prometheus.MustRegister(QueriesTotal)
	pipelineMetricsRegistered = true
}
