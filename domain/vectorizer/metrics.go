package vectorizer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vectorizer",
		Name:      "batches_total",
		Help:      "Completed executor batches by outcome.",
	}, []string{"vectorizer_id", "outcome"})

	metricChunksWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vectorizer",
		Name:      "chunks_written_total",
		Help:      "Embedding rows written to the target table.",
	}, []string{"vectorizer_id"})

	metricRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vectorizer",
		Name:      "rows_written_total",
		Help:      "Source rows whose embeddings reached the target table.",
	}, []string{"vectorizer_id"})

	metricChunkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vectorizer",
		Name:      "chunk_errors_total",
		Help:      "Chunks rejected individually by the embedding provider.",
	}, []string{"vectorizer_id"})

	metricRowsRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vectorizer",
		Name:      "rows_requeued_total",
		Help:      "Rows sent back to the queue with backoff.",
	}, []string{"vectorizer_id"})

	metricBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vectorizer",
		Name:      "batch_duration_seconds",
		Help:      "Wall time of one executor batch including the embed call.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"vectorizer_id"})

	metricPendingItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vectorizer",
		Name:      "pending_items",
		Help:      "Queue depth observed at the start of a worker run.",
	}, []string{"vectorizer_id"})
)
