// Package workers runs the periodic background loops that drain the
// staging rings into storage, fan metrics out to live subscribers, detect
// latency anomalies, backfill embeddings, and prune retired data.
package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/queryvault/queryvault/internal/buffer"
	"github.com/queryvault/queryvault/internal/metrics"
	"github.com/queryvault/queryvault/internal/model"
	"github.com/queryvault/queryvault/internal/storage"
)

// FlushBatchSize caps how many metrics a single flush tick drains from the
// storage ring before yielding, bounding worst-case tick latency.
const FlushBatchSize = 10_000

// Flusher periodically drains the storage-bound ring into Postgres.
type Flusher struct {
	ring     *buffer.Ring[model.QueryMetric]
	db       *storage.DB
	logger   *slog.Logger
	interval time.Duration
}

// NewFlusher creates a Flusher that drains ring into db every interval.
func NewFlusher(ring *buffer.Ring[model.QueryMetric], db *storage.DB, logger *slog.Logger, interval time.Duration) *Flusher {
	return &Flusher{ring: ring, db: db, logger: logger, interval: interval}
}

// Run blocks, ticking until ctx is cancelled. On shutdown it drains whatever
// remains in the ring once more before returning.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.tick(context.Background())
			return
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *Flusher) tick(ctx context.Context) {
	metrics.BufferDepth.WithLabelValues("storage").Set(float64(f.ring.Len()))

	batch := make([]model.QueryMetric, FlushBatchSize)
	n := f.ring.PopBatch(batch)
	if n == 0 {
		return
	}

	failed, err := f.db.InsertMetricsBatch(ctx, batch[:n])
	if err != nil {
		f.logger.Error("flush: batch insert failed", "error", err, "count", n)
		metrics.FlushFailedTotal.Add(float64(n))
		return
	}
	if failed > 0 {
		f.logger.Warn("flush: rows failed within batch", "failed", failed, "batch_size", n)
		metrics.FlushFailedTotal.Add(float64(failed))
	}
	metrics.FlushedTotal.Add(float64(n - failed))
}
