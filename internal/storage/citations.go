package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agora-ai/agora/internal/model"
)

// InsertCitations stores the citations extracted from one message in a
// single batch. Re-running extraction for a message replaces its rows.
func (db *DB) InsertCitations(ctx context.Context, messageID uuid.UUID, citations []model.Citation) error {
	if len(citations) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM message_citations WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("storage: clear citations: %w", err)
	}

	now := time.Now().UTC()
	for _, c := range citations {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_citations (id, conversation_id, message_id, url, title, snippet, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.ConversationID, c.MessageID, c.URL, c.Title, c.Snippet, c.CreatedAt); err != nil {
			return fmt.Errorf("storage: insert citation: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ListCitations returns a conversation's citations in message order.
func (db *DB) ListCitations(ctx context.Context, conversationID uuid.UUID) ([]model.Citation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.conversation_id, c.message_id, c.url, c.title, c.snippet, c.created_at
		 FROM message_citations c
		 JOIN messages m ON m.id = c.message_id
		 WHERE c.conversation_id = $1
		 ORDER BY m.sequence_number ASC, c.created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list citations: %w", err)
	}
	defer rows.Close()

	var out []model.Citation
	for rows.Next() {
		var c model.Citation
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.MessageID, &c.URL, &c.Title, &c.Snippet, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan citation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
