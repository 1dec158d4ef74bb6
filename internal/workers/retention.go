package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/queryvault/queryvault/internal/storage"
)

// retentionInitialDelay is how long the pruner waits after startup before
// its first run, so a freshly started process doesn't immediately compete
// with startup traffic for database connections.
const retentionInitialDelay = 60 * time.Second

// RetentionPruner deletes metrics and anomalies older than each workspace's
// retention window.
type RetentionPruner struct {
	db       *storage.DB
	logger   *slog.Logger
	interval time.Duration
}

// NewRetentionPruner creates a RetentionPruner that runs every interval
// after an initial delay.
func NewRetentionPruner(db *storage.DB, logger *slog.Logger, interval time.Duration) *RetentionPruner {
	return &RetentionPruner{db: db, logger: logger, interval: interval}
}

// Run blocks, waiting retentionInitialDelay before the first prune, then
// ticking every interval until ctx is cancelled.
func (p *RetentionPruner) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(retentionInitialDelay):
	}
	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *RetentionPruner) tick(ctx context.Context) {
	ids, err := p.db.AllWorkspaceIDs(ctx)
	if err != nil {
		p.logger.Warn("retention pruner: list workspaces failed", "error", err)
		return
	}
	for _, id := range ids {
		ws, err := p.db.GetWorkspace(ctx, id)
		if err != nil {
			p.logger.Warn("retention pruner: get workspace failed", "workspace_id", id, "error", err)
			continue
		}
		cutoff := time.Now().AddDate(0, 0, -ws.RetainForDays)
		deleted, err := p.db.PruneOlderThan(ctx, id, cutoff)
		if err != nil {
			p.logger.Warn("retention pruner: prune failed", "workspace_id", id, "error", err)
			continue
		}
		if deleted > 0 {
			p.logger.Info("retention pruner: deleted rows", "workspace_id", id, "count", deleted)
		}
	}
}
