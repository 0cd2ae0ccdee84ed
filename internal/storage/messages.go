package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agora-ai/agora/internal/model"
)

// InsertMessage appends a message to the conversation and assigns the
// next sequence number. Sequencing happens under a per-conversation
// advisory lock so numbers are gap-free and strictly increasing even
// with concurrent writers.
func (db *DB) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The lock key is derived from the conversation UUID; hashtextextended
	// gives a stable 64-bit key. Held until commit.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, m.ConversationID); err != nil {
		return model.Message{}, fmt.Errorf("storage: advisory lock: %w", err)
	}

	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number) + 1, 0) FROM messages WHERE conversation_id = $1`,
		m.ConversationID).Scan(&m.SequenceNumber)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: next sequence: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, participant_index, participant_name, model,
		 role, content, sequence_number, round_number, turn_index, tokens_used, response_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.ConversationID, m.ParticipantIndex, m.ParticipantName, m.Model,
		m.Role, m.Content, m.SequenceNumber, m.RoundNumber, m.TurnIndex,
		m.TokensUsed, m.ResponseTimeMS, m.CreatedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Message{}, fmt.Errorf("storage: commit message: %w", err)
	}
	return m, nil
}

const messageColumns = `id, conversation_id, participant_index, participant_name, model,
	role, content, sequence_number, round_number, turn_index, tokens_used, response_time_ms, created_at`

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.ParticipantIndex, &m.ParticipantName, &m.Model,
		&m.Role, &m.Content, &m.SequenceNumber, &m.RoundNumber, &m.TurnIndex,
		&m.TokensUsed, &m.ResponseTimeMS, &m.CreatedAt,
	)
	return m, err
}

// GetMessage retrieves a single message by ID.
func (db *DB) GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, fmt.Errorf("storage: get message: %w", err)
	}
	return m, nil
}

// MessagesByIDs returns the messages with the given IDs, keyed by ID.
// Missing IDs are simply absent from the map.
func (db *DB) MessagesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: messages by ids: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.Message, len(ids))
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// ListMessages returns a conversation's messages in sequence order.
// A non-positive limit returns everything from offset onward.
func (db *DB) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]model.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1 ORDER BY sequence_number ASC OFFSET $2`
	args := []any{conversationID, offset}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentMessages returns the last n messages of a conversation in
// sequence order.
func (db *DB) RecentMessages(ctx context.Context, conversationID uuid.UUID, n int) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT * FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 ORDER BY sequence_number DESC LIMIT $2
		 ) recent ORDER BY sequence_number ASC`,
		conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("storage: recent messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessagesSinceRound returns messages from the given round onward, used
// to assemble the sliding context window.
func (db *DB) MessagesSinceRound(ctx context.Context, conversationID uuid.UUID, fromRound int) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND round_number >= $2
		 ORDER BY sequence_number ASC`,
		conversationID, fromRound)
	if err != nil {
		return nil, fmt.Errorf("storage: messages since round: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
