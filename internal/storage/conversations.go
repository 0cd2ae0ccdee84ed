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

// CreateConversation inserts a conversation and returns it.
func (db *DB) CreateConversation(ctx context.Context, c model.Conversation) (model.Conversation, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.StatusCreated
	}
	if c.TokensByModel == nil {
		c.TokensByModel = map[string]int{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO conversations (id, topic, participants, max_rounds, context_window_rounds,
		 cost_warning_threshold, judge_model, judge_cadence, status, current_round, current_turn,
		 total_cost, tokens_by_model, current_health_score, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.Topic, c.Participants, c.MaxRounds, c.ContextWindowRounds,
		c.CostWarningThreshold, c.JudgeModel, c.JudgeCadence, c.Status, c.CurrentRound, c.CurrentTurn,
		c.TotalCost, c.TokensByModel, c.CurrentHealthScore, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: create conversation: %w", err)
	}
	return c, nil
}

const conversationColumns = `id, topic, participants, max_rounds, context_window_rounds,
	cost_warning_threshold, judge_model, judge_cadence, status, current_round, current_turn,
	total_cost, tokens_by_model, current_health_score, created_at, updated_at`

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(
		&c.ID, &c.Topic, &c.Participants, &c.MaxRounds, &c.ContextWindowRounds,
		&c.CostWarningThreshold, &c.JudgeModel, &c.JudgeCadence, &c.Status, &c.CurrentRound, &c.CurrentTurn,
		&c.TotalCost, &c.TokensByModel, &c.CurrentHealthScore, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// GetConversation retrieves a conversation by ID.
func (db *DB) GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, ErrNotFound
		}
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations newest first, optionally
// filtered by status.
func (db *DB) ListConversations(ctx context.Context, status model.ConversationStatus, limit, offset int) ([]model.Conversation, int, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := "", []any{}
	if status != "" {
		where = "WHERE status = $1"
		args = append(args, status)
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM conversations `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count conversations: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM conversations %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		conversationColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// UpdateConversationStatus transitions a conversation's status.
func (db *DB) UpdateConversationStatus(ctx context.Context, id uuid.UUID, status model.ConversationStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET status = $1, updated_at = now() WHERE id = $2`,
		status, id)
	if err != nil {
		return fmt.Errorf("storage: update conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConversationProgress captures the mutable counters written after each turn.
type ConversationProgress struct {
	CurrentRound  int
	CurrentTurn   int
	TotalCost     float64
	TokensByModel map[string]int
	HealthScore   float64
}

// UpdateConversationProgress persists post-turn counters atomically.
func (db *DB) UpdateConversationProgress(ctx context.Context, id uuid.UUID, p ConversationProgress) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations
		 SET current_round = $1, current_turn = $2, total_cost = $3,
		     tokens_by_model = $4, current_health_score = $5, updated_at = now()
		 WHERE id = $6`,
		p.CurrentRound, p.CurrentTurn, p.TotalCost, p.TokensByModel, p.HealthScore, id)
	if err != nil {
		return fmt.Errorf("storage: update conversation progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConversationHealth caches the latest composite health score.
func (db *DB) UpdateConversationHealth(ctx context.Context, id uuid.UUID, score float64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET current_health_score = $1, updated_at = now() WHERE id = $2`,
		score, id)
	if err != nil {
		return fmt.Errorf("storage: update conversation health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and all dependent rows in
// one transaction. Child tables are cleared explicitly so the delete
// does not rely on cascade rules being present.
func (db *DB) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Queue index deletions before the message rows disappear.
	if db.searchOutbox {
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (message_id, conversation_id, operation)
			 SELECT message_id, conversation_id, 'delete'
			 FROM message_embeddings WHERE conversation_id = $1`, id); err != nil {
			return fmt.Errorf("storage: enqueue search outbox deletes: %w", err)
		}
	}

	for _, table := range []string{
		"message_citations",
		"message_embeddings",
		"contradictions",
		"conversation_loops",
		"health_samples",
		"messages",
	} {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1`, table), id); err != nil {
			return fmt.Errorf("storage: delete %s: %w", table, err)
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}
