// Package metrics exposes QueryVault's operational counters and gauges as
// Prometheus text format at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queryvault_ingested_total",
		Help: "Total number of query metrics accepted by the ingest endpoint.",
	})

	DroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryvault_dropped_total",
			Help: "Total number of query metrics dropped because a staging ring was full.",
		},
		[]string{"ring"},
	)

	BufferDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queryvault_buffer_depth",
			Help: "Current number of queued elements in a staging ring.",
		},
		[]string{"ring"},
	)

	FlushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queryvault_flushed_total",
		Help: "Total number of metrics successfully persisted by the flush worker.",
	})

	FlushFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queryvault_flush_failed_total",
		Help: "Total number of metric rows that failed to persist during a flush cycle.",
	})

	AnomaliesDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queryvault_anomalies_detected_total",
		Help: "Total number of latency anomalies detected.",
	})

	EmbeddingsGeneratedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queryvault_embeddings_generated_total",
		Help: "Total number of query text embeddings generated.",
	})

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queryvault_ws_connections",
		Help: "Current number of live WebSocket subscribers.",
	})

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryvault_requests_total",
			Help: "Total HTTP requests by route and status.",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		IngestedTotal,
		DroppedTotal,
		BufferDepth,
		FlushedTotal,
		FlushFailedTotal,
		AnomaliesDetectedTotal,
		EmbeddingsGeneratedTotal,
		WSConnections,
		RequestsTotal,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
