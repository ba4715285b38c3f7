package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_rag_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"status"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_rag_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	CombinedConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "support_rag_combined_confidence",
			Help:    "Combined confidence scores of served answers",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	RetrievalResults = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_rag_retrieval_results_count",
			Help:    "Number of candidates returned per retrieval source",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"source"},
	)

	RetrievalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_rag_retrieval_errors_total",
			Help: "Total retrieval source failures",
		},
		[]string{"source"},
	)

	FallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "support_rag_fallback_total",
			Help: "Total responses replaced by the fallback message",
		},
	)

	EscalationTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "support_rag_escalation_total",
			Help: "Total questions escalated to human experts",
		},
	)

	ExpertResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "support_rag_expert_responses_total",
			Help: "Total expert responses recorded",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_rag_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	UserSatisfaction = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "support_rag_satisfaction_score",
			Help: "User feedback satisfaction score",
		},
		[]string{"helpful"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_rag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_rag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "support_rag_documents_processed_total",
			Help: "Total documents processed",
		},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "support_rag_chunks_indexed_total",
			Help: "Total chunks embedded and indexed",
		},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(CombinedConfidence)
	prometheus.MustRegister(RetrievalResults)
	prometheus.MustRegister(RetrievalErrors)
	prometheus.MustRegister(FallbackTotal)
	prometheus.MustRegister(EscalationTotal)
	prometheus.MustRegister(ExpertResponses)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(UserSatisfaction)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(DocumentsProcessed)
	prometheus.MustRegister(ChunksIndexed)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
