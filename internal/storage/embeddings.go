package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/queryvault/queryvault/internal/model"
	"github.com/queryvault/queryvault/internal/search"
)

// UpsertEmbedding stores (or replaces) the embedding for a distinct query
// text within a workspace.
func (db *DB) UpsertEmbedding(ctx context.Context, e model.QueryEmbedding) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO query_embeddings (workspace_id, query_text_hash, query_text, embedding, dimensions, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (workspace_id, query_text_hash) DO UPDATE
			SET embedding = EXCLUDED.embedding, dimensions = EXCLUDED.dimensions, updated_at = EXCLUDED.updated_at`,
		e.WorkspaceID, e.QueryTextHash, e.QueryText, pgvector.NewVector(e.Embedding), e.Dimensions, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert embedding: %w", err)
	}
	return nil
}

// EmbeddingExists reports whether a query text already has an embedding,
// so the embedding worker can skip texts it has already processed.
func (db *DB) EmbeddingExists(ctx context.Context, workspaceID uuid.UUID, queryTextHash string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM query_embeddings WHERE workspace_id = $1 AND query_text_hash = $2)`,
		workspaceID, queryTextHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: embedding exists: %w", err)
	}
	return exists, nil
}

// UnembeddedQueries returns up to limit distinct (query_text_hash, query_text)
// pairs observed in query_metrics that have no corresponding row in
// query_embeddings yet.
func (db *DB) UnembeddedQueries(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.QueryEmbedding, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT DISTINCT m.query_text_hash, m.query_text
		FROM query_metrics m
		LEFT JOIN query_embeddings e
			ON e.workspace_id = m.workspace_id AND e.query_text_hash = m.query_text_hash
		WHERE m.workspace_id = $1 AND e.query_text_hash IS NULL
		LIMIT $2`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: unembedded queries: %w", err)
	}
	defer rows.Close()

	var out []model.QueryEmbedding
	for rows.Next() {
		var e model.QueryEmbedding
		e.WorkspaceID = workspaceID
		if err := rows.Scan(&e.QueryTextHash, &e.QueryText); err != nil {
			return nil, fmt.Errorf("storage: scan unembedded query: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchSimilar runs a pgvector cosine-distance nearest-neighbor search
// within a workspace, filtering out results below minSimilarity. It
// implements search.Searcher directly so the HTTP layer can use it as the
// default backend with no separate vector store.
func (db *DB) SearchSimilar(ctx context.Context, workspaceID uuid.UUID, embedding []float32, limit int, minSimilarity float32) ([]search.Result, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT query_text_hash, query_text, 1 - (embedding <=> $2) AS similarity
		FROM query_embeddings
		WHERE workspace_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3`, workspaceID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search similar: %w", err)
	}
	defer rows.Close()

	var out []search.Result
	for rows.Next() {
		var r search.Result
		if err := rows.Scan(&r.QueryTextHash, &r.QueryText, &r.Score); err != nil {
			return nil, fmt.Errorf("storage: scan search result: %w", err)
		}
		if r.Score < minSimilarity {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Healthy reports whether the database is reachable, satisfying search.Searcher.
func (db *DB) Healthy(ctx context.Context) error {
	return db.Ping(ctx)
}
