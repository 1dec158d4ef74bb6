package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/queryvault/queryvault/internal/model"
)

// InsertMetric inserts a single query metric row.
func (db *DB) InsertMetric(ctx context.Context, m model.QueryMetric) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO query_metrics
			(id, workspace_id, service_id, query_text, query_text_hash, status, duration_ms,
			 rows_affected, error_message, tags, started_at, completed_at, ingested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		m.ID, m.WorkspaceID, m.ServiceID, m.QueryText, m.QueryTextHash, m.Status, m.DurationMs,
		m.RowsAffected, m.ErrorMessage, m.Tags, m.StartedAt, m.CompletedAt, m.IngestedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert metric: %w", err)
	}
	return nil
}

// InsertMetricsBatch inserts a batch via single-row INSERTs (not COPY) so
// that one malformed row does not fail the rest of the batch — the flush
// worker's per-row failure counting depends on this. Returns the number of
// rows that failed; individual errors are not returned, only counted, per
// the flush worker's logged-and-continue policy.
func (db *DB) InsertMetricsBatch(ctx context.Context, metrics []model.QueryMetric) (failed int, err error) {
	if len(metrics) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, m := range metrics {
		batch.Queue(`
			INSERT INTO query_metrics
				(id, workspace_id, service_id, query_text, query_text_hash, status, duration_ms,
				 rows_affected, error_message, tags, started_at, completed_at, ingested_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			m.ID, m.WorkspaceID, m.ServiceID, m.QueryText, m.QueryTextHash, m.Status, m.DurationMs,
			m.RowsAffected, m.ErrorMessage, m.Tags, m.StartedAt, m.CompletedAt, m.IngestedAt,
		)
	}

	br := db.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	for range metrics {
		if _, execErr := br.Exec(); execErr != nil {
			failed++
			err = execErr
		}
	}
	return failed, nil
}

// RecentMetrics returns the most recent metrics for a workspace, newest first.
func (db *DB) RecentMetrics(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.QueryMetric, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, workspace_id, service_id, query_text, query_text_hash, status, duration_ms,
		       rows_affected, error_message, tags, started_at, completed_at, ingested_at
		FROM query_metrics
		WHERE workspace_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent metrics: %w", err)
	}
	defer rows.Close()
	return scanMetrics(rows)
}

// RecentSlowMetrics returns events within the last sinceSeconds whose
// duration exceeds thresholdMs, slowest first. Used by the anomaly detector
// to find candidate outliers once a workspace's μ/σ establish a threshold.
func (db *DB) RecentSlowMetrics(ctx context.Context, workspaceID uuid.UUID, sinceSeconds int, thresholdMs int64) ([]model.QueryMetric, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, workspace_id, service_id, query_text, query_text_hash, status, duration_ms,
		       rows_affected, error_message, tags, started_at, completed_at, ingested_at
		FROM query_metrics
		WHERE workspace_id = $1
		  AND duration_ms > $2
		  AND started_at >= now() - ($3 || ' seconds')::interval
		ORDER BY duration_ms DESC`, workspaceID, thresholdMs, sinceSeconds)
	if err != nil {
		return nil, fmt.Errorf("storage: recent slow metrics: %w", err)
	}
	defer rows.Close()
	return scanMetrics(rows)
}

// MetricsStatsResult holds the population mean/stddev of durations over the
// most recent `limit` events for a workspace, used by the anomaly
// detector's z-score threshold.
type MetricsStatsResult struct {
	Count    int64
	MeanMs   float64
	StdDevMs float64
}

// MetricsStats computes duration mean/stddev over the most recent limit
// events for a workspace.
func (db *DB) MetricsStats(ctx context.Context, workspaceID uuid.UUID, limit int) (MetricsStatsResult, error) {
	var res MetricsStatsResult
	err := db.pool.QueryRow(ctx, `
		SELECT count(*), COALESCE(avg(duration_ms), 0), COALESCE(stddev_pop(duration_ms), 0)
		FROM (
			SELECT duration_ms FROM query_metrics
			WHERE workspace_id = $1
			ORDER BY started_at DESC
			LIMIT $2
		) recent`,
		workspaceID, limit,
	).Scan(&res.Count, &res.MeanMs, &res.StdDevMs)
	if err != nil {
		return MetricsStatsResult{}, fmt.Errorf("storage: metrics stats: %w", err)
	}
	return res, nil
}

// ParseWindow validates a caller-supplied aggregation window string against
// a fixed allow-list, rejecting anything else before any SQL is built. This
// is the only place a window string is ever consulted.
func ParseWindow(raw string) (model.AggregationWindow, string, error) {
	switch model.AggregationWindow(raw) {
	case model.Window5s:
		return model.Window5s, "metrics_5s", nil
	case model.Window1m:
		return model.Window1m, "metrics_1m", nil
	case model.Window5m:
		return model.Window5m, "metrics_5m", nil
	default:
		return "", "", fmt.Errorf("%w: unknown aggregation window %q", ErrInvalidRequest, raw)
	}
}

// Aggregations queries a continuous-aggregate view selected by ParseWindow.
// serviceID is optional; nil matches every service in the workspace.
func (db *DB) Aggregations(ctx context.Context, workspaceID uuid.UUID, serviceID *uuid.UUID, window model.AggregationWindow, from, to time.Time) ([]model.AggregatedMetric, error) {
	_, view, err := ParseWindow(string(window))
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT workspace_id, service_id, bucket, query_count,
		       min_duration_ms, avg_duration_ms, max_duration_ms, p95_duration_ms, p99_duration_ms,
		       success_count, failed_count, total_rows_affected
		FROM %s
		WHERE workspace_id = $1 AND ($2::uuid IS NULL OR service_id = $2) AND bucket BETWEEN $3 AND $4
		ORDER BY bucket ASC`, view)

	rows, err := db.pool.Query(ctx, query, workspaceID, serviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("storage: aggregations: %w", err)
	}
	defer rows.Close()

	var out []model.AggregatedMetric
	for rows.Next() {
		var a model.AggregatedMetric
		if err := rows.Scan(&a.WorkspaceID, &a.ServiceID, &a.Bucket, &a.QueryCount,
			&a.MinDurationMs, &a.AvgDurationMs, &a.MaxDurationMs, &a.P95DurationMs, &a.P99DurationMs,
			&a.SuccessCount, &a.FailedCount, &a.TotalRowsAffected); err != nil {
			return nil, fmt.Errorf("storage: scan aggregation row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes metrics and anomalies older than cutoff for a
// workspace. Returns the number of metric rows deleted.
func (db *DB) PruneOlderThan(ctx context.Context, workspaceID uuid.UUID, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM query_metrics WHERE workspace_id = $1 AND started_at < $2`, workspaceID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: prune metrics: %w", err)
	}
	if _, err := db.pool.Exec(ctx, `DELETE FROM query_anomalies WHERE workspace_id = $1 AND detected_at < $2`, workspaceID, cutoff); err != nil {
		return 0, fmt.Errorf("storage: prune anomalies: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AllWorkspaceIDs returns every workspace ID, used by workers that iterate
// per-tenant (retention pruner, anomaly detector).
func (db *DB) AllWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM workspaces`)
	if err != nil {
		return nil, fmt.Errorf("storage: all workspace ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan workspace id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanMetrics(rows pgx.Rows) ([]model.QueryMetric, error) {
	var out []model.QueryMetric
	for rows.Next() {
		var m model.QueryMetric
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.ServiceID, &m.QueryText, &m.QueryTextHash, &m.Status, &m.DurationMs,
			&m.RowsAffected, &m.ErrorMessage, &m.Tags, &m.StartedAt, &m.CompletedAt, &m.IngestedAt); err != nil {
			return nil, fmt.Errorf("storage: scan metric row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
