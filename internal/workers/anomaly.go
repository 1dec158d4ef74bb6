package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/queryvault/queryvault/internal/metrics"
	"github.com/queryvault/queryvault/internal/model"
	"github.com/queryvault/queryvault/internal/storage"
)

// statsSampleSize is how many of a workspace's most recent events feed the
// mean/stddev estimate the z-score threshold is built from.
const statsSampleSize = 1_000

// minSampleSize is the smallest sample the detector trusts; workspaces
// below this are skipped for the cycle rather than producing a threshold
// from too little data.
const minSampleSize = 100

// slowWindowSeconds bounds how far back the detector looks for candidate
// outliers once a threshold is established.
const slowWindowSeconds = 60

// AnomalyDetector scans every workspace on each tick, computing a z-score
// threshold from recent duration samples and recording events that exceed
// it as anomalies, publishing each one onto the live channel.
type AnomalyDetector struct {
	db       *storage.DB
	publish  func(model.QueryAnomaly)
	logger   *slog.Logger
	interval time.Duration
	zMin     float64
}

// NewAnomalyDetector creates an AnomalyDetector. publish is called once per
// newly recorded anomaly, typically a closure over a *server.LiveChannel.
func NewAnomalyDetector(db *storage.DB, publish func(model.QueryAnomaly), logger *slog.Logger, interval time.Duration, zMin float64) *AnomalyDetector {
	return &AnomalyDetector{db: db, publish: publish, logger: logger, interval: interval, zMin: zMin}
}

// Run blocks, scanning once immediately and then on every tick until ctx is
// cancelled.
func (a *AnomalyDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *AnomalyDetector) tick(ctx context.Context) {
	ids, err := a.db.AllWorkspaceIDs(ctx)
	if err != nil {
		a.logger.Warn("anomaly detector: list workspaces failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := a.scanWorkspace(ctx, id); err != nil {
			a.logger.Warn("anomaly detector: workspace scan failed", "workspace_id", id, "error", err)
		}
	}
}

func (a *AnomalyDetector) scanWorkspace(ctx context.Context, workspaceID uuid.UUID) error {
	stats, err := a.db.MetricsStats(ctx, workspaceID, statsSampleSize)
	if err != nil {
		return err
	}
	if stats.Count < minSampleSize || stats.StdDevMs <= 0 {
		return nil
	}

	threshold := stats.MeanMs + a.zMin*stats.StdDevMs
	candidates, err := a.db.RecentSlowMetrics(ctx, workspaceID, slowWindowSeconds, int64(threshold))
	if err != nil {
		return err
	}

	for _, c := range candidates {
		z := (float64(c.DurationMs) - stats.MeanMs) / stats.StdDevMs
		if z <= a.zMin {
			continue
		}
		anomaly := model.QueryAnomaly{
			ID:          uuid.New(),
			WorkspaceID: c.WorkspaceID,
			ServiceID:   c.ServiceID,
			MetricID:    c.ID,
			QueryText:   c.QueryText,
			DurationMs:  c.DurationMs,
			MeanMs:      stats.MeanMs,
			StdDevMs:    stats.StdDevMs,
			ZScore:      z,
			DetectedAt:  time.Now(),
		}
		if err := a.db.InsertAnomaly(ctx, anomaly); err != nil {
			a.logger.Warn("anomaly detector: insert failed", "error", err)
			continue
		}
		metrics.AnomaliesDetectedTotal.Inc()
		if a.publish != nil {
			a.publish(anomaly)
		}
	}
	return nil
}
