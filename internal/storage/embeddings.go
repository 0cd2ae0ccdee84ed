package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// InsertEmbedding stores the embedding vector for a message. Re-embedding
// a message overwrites the previous vector.
func (db *DB) InsertEmbedding(ctx context.Context, conversationID, messageID uuid.UUID, vec pgvector.Vector) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO message_embeddings (message_id, conversation_id, embedding)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (message_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		messageID, conversationID, vec); err != nil {
		return fmt.Errorf("storage: insert embedding: %w", err)
	}

	// The outbox row commits atomically with the embedding, so the
	// Qdrant index can never miss a write.
	if db.searchOutbox {
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (message_id, conversation_id, operation)
			 VALUES ($1, $2, 'upsert')`,
			messageID, conversationID); err != nil {
			return fmt.Errorf("storage: enqueue search outbox: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Neighbor is one kNN result with its cosine similarity to the probe.
type Neighbor struct {
	MessageID  uuid.UUID
	Similarity float64
}

// NearestMessages returns up to k earlier messages in the conversation
// whose embeddings have cosine similarity >= minSim with the probe
// vector. The probe message itself is excluded by sequence bound.
func (db *DB) NearestMessages(ctx context.Context, conversationID uuid.UUID, probe pgvector.Vector, beforeSeq, k int, minSim float64) ([]Neighbor, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT e.message_id, 1 - (e.embedding <=> $2) AS similarity
		 FROM message_embeddings e
		 JOIN messages m ON m.id = e.message_id
		 WHERE e.conversation_id = $1 AND m.sequence_number < $3
		   AND 1 - (e.embedding <=> $2) >= $4
		 ORDER BY e.embedding <=> $2
		 LIMIT $5`,
		conversationID, probe, beforeSeq, minSim, k)
	if err != nil {
		return nil, fmt.Errorf("storage: nearest messages: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.MessageID, &n.Similarity); err != nil {
			return nil, fmt.Errorf("storage: scan neighbor: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ConsecutiveSimilarities returns the cosine similarity of each adjacent
// message pair in the conversation, in sequence order. Pairs missing an
// embedding are skipped.
func (db *DB) ConsecutiveSimilarities(ctx context.Context, conversationID uuid.UUID) ([]float64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT 1 - (curr.embedding <=> prev.embedding)
		 FROM message_embeddings curr
		 JOIN messages mc ON mc.id = curr.message_id
		 JOIN messages mp ON mp.conversation_id = mc.conversation_id
		  AND mp.sequence_number = mc.sequence_number - 1
		 JOIN message_embeddings prev ON prev.message_id = mp.id
		 WHERE curr.conversation_id = $1
		 ORDER BY mc.sequence_number ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: consecutive similarities: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("storage: scan similarity: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
