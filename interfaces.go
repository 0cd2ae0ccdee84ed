package agora

import (
	"context"

	"github.com/google/uuid"
)

// EmbeddingProvider generates vector embeddings from text.
// Uses []float32 (not pgvector.Vector) so external consumers do not
// inherit the pgvector dependency; New() wraps it in an adapter.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Searcher is a vector index over debate messages. When provided via
// WithSearcher it replaces the built-in index for transcript search.
// Returns message IDs plus raw scores; the caller hydrates full
// messages from Postgres.
type Searcher interface {
	Search(ctx context.Context, conversationID uuid.UUID, embedding []float32, limit int) ([]SearchResult, error)
	Healthy(ctx context.Context) error
}

// SearchResult is one vector index hit.
type SearchResult struct {
	MessageID uuid.UUID
	Score     float32
}
