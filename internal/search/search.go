// Package search provides semantic similarity search over query text
// embeddings, with a pgvector-backed default and an optional Qdrant-backed
// alternate implementation.
package search

import (
	"context"

	"github.com/google/uuid"
)

// Result holds a matched query text and its similarity score, in [0,1]
// where 1 is an exact match (cosine similarity).
type Result struct {
	QueryTextHash string
	QueryText     string
	Score         float32
}

// Searcher performs nearest-neighbor search over query text embeddings
// within a workspace. Implementations must be safe for concurrent use.
type Searcher interface {
	// SearchSimilar returns query text hashes whose embeddings are within
	// minSimilarity of the given embedding, most similar first, truncated
	// to limit.
	SearchSimilar(ctx context.Context, workspaceID uuid.UUID, embedding []float32, limit int, minSimilarity float32) ([]Result, error)

	// Healthy returns nil if the search backend is reachable.
	Healthy(ctx context.Context) error
}
