package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/queryvault/queryvault/internal/metrics"
	"github.com/queryvault/queryvault/internal/model"
	"github.com/queryvault/queryvault/internal/search"
	"github.com/queryvault/queryvault/internal/service/embedding"
	"github.com/queryvault/queryvault/internal/storage"
)

// embeddingBatchSize is how many unembedded query texts a workspace gets
// per tick.
const embeddingBatchSize = 100

// EmbeddingWorker backfills embeddings for query texts seen by ingest but
// not yet vectorized. It is a no-op when provider is nil or returns
// embedding.ErrNoProvider, matching the "no embedder configured" case.
type EmbeddingWorker struct {
	db       *storage.DB
	provider embedding.Provider
	qdrant   *search.QdrantIndex
	logger   *slog.Logger
	interval time.Duration
}

// NewEmbeddingWorker creates an EmbeddingWorker. provider may be nil to
// disable embedding generation entirely. qdrant may be nil, in which case
// embeddings are only stored in Postgres; when set (an alternate search
// backend is configured), each new embedding is also upserted there so
// SearchSimilar reads stay consistent regardless of which backend serves
// them.
func NewEmbeddingWorker(db *storage.DB, provider embedding.Provider, qdrant *search.QdrantIndex, logger *slog.Logger, interval time.Duration) *EmbeddingWorker {
	return &EmbeddingWorker{db: db, provider: provider, qdrant: qdrant, logger: logger, interval: interval}
}

// Run blocks, ticking until ctx is cancelled.
func (e *EmbeddingWorker) Run(ctx context.Context) {
	if e.provider == nil {
		return
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *EmbeddingWorker) tick(ctx context.Context) {
	ids, err := e.db.AllWorkspaceIDs(ctx)
	if err != nil {
		e.logger.Warn("embedding worker: list workspaces failed", "error", err)
		return
	}
	for _, id := range ids {
		e.processWorkspace(ctx, id)
	}
}

func (e *EmbeddingWorker) processWorkspace(ctx context.Context, workspaceID uuid.UUID) {
	pending, err := e.db.UnembeddedQueries(ctx, workspaceID, embeddingBatchSize)
	if err != nil {
		e.logger.Warn("embedding worker: fetch unembedded failed", "workspace_id", workspaceID, "error", err)
		return
	}

	for _, pair := range pending {
		vec, err := e.provider.Embed(ctx, pair.QueryText)
		if err != nil {
			if !errors.Is(err, embedding.ErrNoProvider) {
				e.logger.Warn("embedding worker: embed failed", "workspace_id", workspaceID, "error", err)
			}
			continue
		}

		unit := embedding.Normalize(vec)
		if err := e.db.UpsertEmbedding(ctx, model.QueryEmbedding{
			WorkspaceID:   workspaceID,
			QueryTextHash: pair.QueryTextHash,
			QueryText:     pair.QueryText,
			Embedding:     unit,
			Dimensions:    len(unit),
			UpdatedAt:     time.Now(),
		}); err != nil {
			e.logger.Warn("embedding worker: upsert failed", "workspace_id", workspaceID, "error", err)
			continue
		}
		metrics.EmbeddingsGeneratedTotal.Inc()

		if e.qdrant != nil {
			point := search.Point{
				WorkspaceID:   workspaceID,
				QueryTextHash: pair.QueryTextHash,
				QueryText:     pair.QueryText,
				Embedding:     unit,
			}
			if err := e.qdrant.Upsert(ctx, []search.Point{point}); err != nil {
				e.logger.Warn("embedding worker: qdrant upsert failed", "workspace_id", workspaceID, "error", err)
			}
		}
	}
}
