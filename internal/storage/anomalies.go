package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/queryvault/queryvault/internal/model"
)

// InsertAnomaly records a detected latency anomaly.
func (db *DB) InsertAnomaly(ctx context.Context, a model.QueryAnomaly) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO query_anomalies
			(id, workspace_id, service_id, metric_id, query_text, duration_ms, mean_ms, stddev_ms, z_score, detected_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.WorkspaceID, a.ServiceID, a.MetricID, a.QueryText, a.DurationMs, a.MeanMs, a.StdDevMs, a.ZScore, a.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert anomaly: %w", err)
	}
	return nil
}

// ListAnomalies returns the most recent anomalies for a workspace, newest
// first, capped at limit (the HTTP surface always passes 100 per spec).
func (db *DB) ListAnomalies(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.QueryAnomaly, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, workspace_id, service_id, metric_id, query_text, duration_ms, mean_ms, stddev_ms, z_score, detected_at
		FROM query_anomalies
		WHERE workspace_id = $1
		ORDER BY detected_at DESC
		LIMIT $2`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list anomalies: %w", err)
	}
	defer rows.Close()

	var out []model.QueryAnomaly
	for rows.Next() {
		var a model.QueryAnomaly
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.ServiceID, &a.MetricID, &a.QueryText, &a.DurationMs, &a.MeanMs, &a.StdDevMs, &a.ZScore, &a.DetectedAt); err != nil {
			return nil, fmt.Errorf("storage: scan anomaly row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
