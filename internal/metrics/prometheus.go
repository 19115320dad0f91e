// Package metrics holds the Prometheus collectors shared by the API and worker.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BudgetReservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_budget_reservations_total",
			Help: "Budget reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	BudgetTokensCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_budget_tokens_committed_total",
			Help: "Tokens committed to the daily ledger by source",
		},
		[]string{"source"},
	)

	BudgetTokensSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_budget_tokens_swept_total",
			Help: "Reserved tokens released by the stale reservation sweep",
		},
	)

	LedgerAnomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_ledger_anomalies_total",
			Help: "Releases or commits that would have driven tokens_reserved negative",
		},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	IngestStage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_ingest_stage_total",
			Help: "Ingestion stage runs by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	LLMTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_llm_tokens_total",
			Help: "Provider-reported tokens by model and type",
		},
		[]string{"model", "type"},
	)

	HTTPRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_http_request_duration_seconds",
			Help:    "HTTP request duration by route and status class",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_rate_limited_total",
			Help: "Requests rejected by the per-workspace rate limiter",
		},
		[]string{"scope"},
	)
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// Registry returns the process registry with every collector registered.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			BudgetReservations,
			BudgetTokensCommitted,
			BudgetTokensSwept,
			LedgerAnomalies,
			QueryDuration,
			IngestStage,
			LLMTokens,
			HTTPRequests,
			RateLimited,
		)
	})
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}
