package ingest

import "github.com/Aryan1718/enterprise-rag-platform/internal/metrics"

func metricsStage(stage, outcome string) {
	metrics.IngestStage.WithLabelValues(stage, outcome).Inc()
}
