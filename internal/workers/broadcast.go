package workers

import (
	"context"
	"time"

	"github.com/queryvault/queryvault/internal/buffer"
	"github.com/queryvault/queryvault/internal/metrics"
	"github.com/queryvault/queryvault/internal/model"
)

// BroadcastBatchSize caps how many metrics a single broadcast tick drains
// from the live ring before yielding.
const BroadcastBatchSize = 1_000

// Broadcaster periodically drains the live-bound ring and hands each metric
// to publish for WebSocket fan-out. publish is a closure over the caller's
// *server.LiveChannel, kept as a function value so this package doesn't
// need to import server.
type Broadcaster struct {
	ring     *buffer.Ring[model.QueryMetric]
	publish  func(model.QueryMetric)
	interval time.Duration
}

// NewBroadcaster creates a Broadcaster draining ring every interval.
func NewBroadcaster(ring *buffer.Ring[model.QueryMetric], publish func(model.QueryMetric), interval time.Duration) *Broadcaster {
	return &Broadcaster{ring: ring, publish: publish, interval: interval}
}

// Run blocks, ticking until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Broadcaster) tick() {
	metrics.BufferDepth.WithLabelValues("live").Set(float64(b.ring.Len()))

	batch := make([]model.QueryMetric, BroadcastBatchSize)
	n := b.ring.PopBatch(batch)
	for i := 0; i < n; i++ {
		b.publish(batch[i])
	}
}
