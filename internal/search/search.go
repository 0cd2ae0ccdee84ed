// Package search provides semantic search over debate transcripts.
//
// The default index queries the message_embeddings table in Postgres via
// pgvector. When Qdrant is configured it serves as a secondary index kept
// in sync by an outbox worker; queries fall back to Postgres when Qdrant
// is unhealthy.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/agora-ai/agora/internal/model"
)

// Result holds a message ID and its raw similarity score from the index.
// The caller hydrates full Message rows from Postgres (source of truth).
type Result struct {
	MessageID uuid.UUID
	Score     float32
}

// Searcher is the interface for transcript vector indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns message IDs in the conversation ranked by similarity
	// to the query vector.
	Search(ctx context.Context, conversationID uuid.UUID, embedding []float32, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// ScoredMessage pairs a hydrated message with its adjusted relevance.
type ScoredMessage struct {
	Message   model.Message `json:"message"`
	Relevance float32       `json:"relevance"`
}

// ReScore adjusts raw similarity with recency weighting, sorts descending
// by adjusted score, and truncates to limit. Recent turns matter more in
// a live debate: a point restated two rounds ago outranks the same point
// from the opening.
//
// Formula: relevance = similarity * (1.0 / (1.0 + age_minutes / 240.0))
func ReScore(results []Result, messages map[uuid.UUID]model.Message, limit int) []ScoredMessage {
	now := time.Now()
	scored := make([]ScoredMessage, 0, len(results))

	for _, r := range results {
		m, ok := messages[r.MessageID]
		if !ok {
			// Message was deleted between index query and hydration.
			continue
		}

		ageMinutes := math.Max(0, now.Sub(m.CreatedAt).Minutes())
		recencyDecay := 1.0 / (1.0 + ageMinutes/240.0)
		relevance := float64(r.Score) * recencyDecay

		scored = append(scored, ScoredMessage{
			Message:   m,
			Relevance: float32(math.Min(relevance, 1.0)),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Relevance > scored[j].Relevance
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// PgIndex implements Searcher directly on the message_embeddings table.
// It is always available when Postgres is, so it needs no health cache.
type PgIndex struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgIndex creates a Postgres-backed index over message embeddings.
func NewPgIndex(pool *pgxpool.Pool, logger *slog.Logger) *PgIndex {
	return &PgIndex{pool: pool, logger: logger}
}

// Search runs a cosine kNN query scoped to one conversation. The HNSW
// index on message_embeddings serves the scan.
func (p *PgIndex) Search(ctx context.Context, conversationID uuid.UUID, embedding []float32, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.pool.Query(ctx,
		`SELECT message_id, 1 - (embedding <=> $2) AS similarity
		 FROM message_embeddings
		 WHERE conversation_id = $1
		 ORDER BY embedding <=> $2
		 LIMIT $3`,
		conversationID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var sim float64
		if err := rows.Scan(&r.MessageID, &sim); err != nil {
			return nil, fmt.Errorf("search: scan result: %w", err)
		}
		r.Score = float32(sim)
		results = append(results, r)
	}
	return results, rows.Err()
}

// Healthy pings the pool.
func (p *PgIndex) Healthy(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Fallback chains a primary index with a fallback. Queries try the
// primary first and fall back when it errors or reports unhealthy.
type Fallback struct {
	Primary   Searcher
	Secondary Searcher
	Logger    *slog.Logger
}

// Search tries the primary index, then the secondary.
func (f *Fallback) Search(ctx context.Context, conversationID uuid.UUID, embedding []float32, limit int) ([]Result, error) {
	if err := f.Primary.Healthy(ctx); err == nil {
		results, err := f.Primary.Search(ctx, conversationID, embedding, limit)
		if err == nil {
			return results, nil
		}
		f.Logger.Warn("search: primary index failed, falling back", "error", err)
	}
	return f.Secondary.Search(ctx, conversationID, embedding, limit)
}

// Healthy reports healthy when either index is.
func (f *Fallback) Healthy(ctx context.Context) error {
	if err := f.Primary.Healthy(ctx); err == nil {
		return nil
	}
	return f.Secondary.Healthy(ctx)
}
