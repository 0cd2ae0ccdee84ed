package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agora-ai/agora/internal/model"
)

// InsertContradiction records a detected contradiction. The (conversation,
// message pair) is unique; re-detection of a known pair is a no-op and
// returns the stored row.
func (db *DB) InsertContradiction(ctx context.Context, c model.Contradiction) (model.Contradiction, bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}

	var tag pgconn.CommandTag
	err := retryConflict(ctx, func() error {
		var execErr error
		tag, execErr = db.pool.Exec(ctx,
			`INSERT INTO contradictions (id, conversation_id, message_a_id, message_b_id, severity,
			 confidence, similarity, statement_a, statement_b, explanation, resolution_suggestion,
			 acknowledged, resolved, resolution_note, detected_at, resolved_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			 ON CONFLICT (conversation_id, message_a_id, message_b_id) DO NOTHING`,
			c.ID, c.ConversationID, c.MessageAID, c.MessageBID, c.Severity,
			c.Confidence, c.Similarity, c.StatementA, c.StatementB, c.Explanation, c.ResolutionSuggestion,
			c.Acknowledged, c.Resolved, c.ResolutionNote, c.DetectedAt, c.ResolvedAt,
		)
		return execErr
	})
	if err != nil {
		return model.Contradiction{}, false, fmt.Errorf("storage: insert contradiction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := db.getContradictionByPair(ctx, c.ConversationID, c.MessageAID, c.MessageBID)
		return existing, false, err
	}
	return c, true, nil
}

const contradictionColumns = `id, conversation_id, message_a_id, message_b_id, severity,
	confidence, similarity, statement_a, statement_b, explanation, resolution_suggestion,
	acknowledged, resolved, resolution_note, detected_at, resolved_at`

func scanContradiction(row pgx.Row) (model.Contradiction, error) {
	var c model.Contradiction
	err := row.Scan(
		&c.ID, &c.ConversationID, &c.MessageAID, &c.MessageBID, &c.Severity,
		&c.Confidence, &c.Similarity, &c.StatementA, &c.StatementB, &c.Explanation, &c.ResolutionSuggestion,
		&c.Acknowledged, &c.Resolved, &c.ResolutionNote, &c.DetectedAt, &c.ResolvedAt,
	)
	return c, err
}

func (db *DB) getContradictionByPair(ctx context.Context, conversationID, a, b uuid.UUID) (model.Contradiction, error) {
	c, err := scanContradiction(db.pool.QueryRow(ctx,
		`SELECT `+contradictionColumns+` FROM contradictions
		 WHERE conversation_id = $1 AND message_a_id = $2 AND message_b_id = $3`,
		conversationID, a, b))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contradiction{}, ErrNotFound
		}
		return model.Contradiction{}, fmt.Errorf("storage: get contradiction: %w", err)
	}
	return c, nil
}

// ListContradictions returns a conversation's contradictions newest first.
// unresolvedOnly filters out resolved rows.
func (db *DB) ListContradictions(ctx context.Context, conversationID uuid.UUID, unresolvedOnly bool) ([]model.Contradiction, error) {
	q := `SELECT ` + contradictionColumns + ` FROM contradictions WHERE conversation_id = $1`
	if unresolvedOnly {
		q += ` AND resolved = false`
	}
	q += ` ORDER BY detected_at DESC`

	rows, err := db.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list contradictions: %w", err)
	}
	defer rows.Close()

	var out []model.Contradiction
	for rows.Next() {
		c, err := scanContradiction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan contradiction: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveContradiction marks a contradiction resolved (or re-opens it)
// and returns the updated row.
func (db *DB) ResolveContradiction(ctx context.Context, id uuid.UUID, resolved bool, note *string) (model.Contradiction, error) {
	var resolvedAt *time.Time
	if resolved {
		now := time.Now().UTC()
		resolvedAt = &now
	}
	c, err := scanContradiction(db.pool.QueryRow(ctx,
		`UPDATE contradictions
		 SET resolved = $1, acknowledged = true, resolution_note = $2, resolved_at = $3
		 WHERE id = $4
		 RETURNING `+contradictionColumns,
		resolved, note, resolvedAt, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contradiction{}, ErrNotFound
		}
		return model.Contradiction{}, fmt.Errorf("storage: resolve contradiction: %w", err)
	}
	return c, nil
}

// UpsertLoop records a detected loop. A re-detection of the same pattern
// within a conversation bumps repetition_count and last_message_id
// instead of inserting a new row. Returns the stored row and whether it
// was newly created.
func (db *DB) UpsertLoop(ctx context.Context, l model.ConversationLoop) (model.ConversationLoop, bool, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.DetectedAt.IsZero() {
		l.DetectedAt = time.Now().UTC()
	}
	if l.InterventionStatus == "" {
		l.InterventionStatus = model.LoopDetected
	}

	var created bool
	var stored model.ConversationLoop
	err := retryConflict(ctx, func() error {
		created = false
		row := db.pool.QueryRow(ctx,
			`INSERT INTO conversation_loops (id, conversation_id, pattern_hash, description, loop_size,
			 repetition_count, first_message_id, last_message_id, intervention_status, intervention, detected_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (conversation_id, pattern_hash) DO UPDATE SET
			   repetition_count = GREATEST(conversation_loops.repetition_count, EXCLUDED.repetition_count),
			   last_message_id = EXCLUDED.last_message_id
			 RETURNING `+loopColumns+`, (xmax = 0)`,
			l.ID, l.ConversationID, l.PatternHash, l.Description, l.LoopSize,
			l.RepetitionCount, l.FirstMessageID, l.LastMessageID, l.InterventionStatus, l.Intervention, l.DetectedAt)

		var scanErr error
		stored, scanErr = scanLoopWith(row, &created)
		return scanErr
	})
	if err != nil {
		return model.ConversationLoop{}, false, fmt.Errorf("storage: upsert loop: %w", err)
	}
	return stored, created, nil
}

const loopColumns = `id, conversation_id, pattern_hash, description, loop_size,
	repetition_count, first_message_id, last_message_id, intervention_status, intervention, detected_at`

func scanLoop(row pgx.Row) (model.ConversationLoop, error) {
	var l model.ConversationLoop
	err := row.Scan(
		&l.ID, &l.ConversationID, &l.PatternHash, &l.Description, &l.LoopSize,
		&l.RepetitionCount, &l.FirstMessageID, &l.LastMessageID, &l.InterventionStatus, &l.Intervention, &l.DetectedAt,
	)
	return l, err
}

func scanLoopWith(row pgx.Row, created *bool) (model.ConversationLoop, error) {
	var l model.ConversationLoop
	err := row.Scan(
		&l.ID, &l.ConversationID, &l.PatternHash, &l.Description, &l.LoopSize,
		&l.RepetitionCount, &l.FirstMessageID, &l.LastMessageID, &l.InterventionStatus, &l.Intervention, &l.DetectedAt,
		created,
	)
	return l, err
}

// ListLoops returns a conversation's loops newest first.
func (db *DB) ListLoops(ctx context.Context, conversationID uuid.UUID) ([]model.ConversationLoop, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+loopColumns+` FROM conversation_loops
		 WHERE conversation_id = $1 ORDER BY detected_at DESC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list loops: %w", err)
	}
	defer rows.Close()

	var out []model.ConversationLoop
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan loop: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ActiveLoopCount returns the number of loops not yet marked broken.
func (db *DB) ActiveLoopCount(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM conversation_loops
		 WHERE conversation_id = $1 AND intervention_status != $2`,
		conversationID, model.LoopBroken).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: active loop count: %w", err)
	}
	return n, nil
}

// UpdateLoopStatus advances a loop's intervention lifecycle.
func (db *DB) UpdateLoopStatus(ctx context.Context, id uuid.UUID, status model.InterventionStatus, intervention *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversation_loops
		 SET intervention_status = $1, intervention = COALESCE($2, intervention)
		 WHERE id = $3`,
		status, intervention, id)
	if err != nil {
		return fmt.Errorf("storage: update loop status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertHealthSample appends one health sample.
func (db *DB) InsertHealthSample(ctx context.Context, h model.HealthSample) (model.HealthSample, error) {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO health_samples (id, conversation_id, overall, coherence, contradiction_score,
		 loop_score, citation, message_count, contradiction_count, loop_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		h.ID, h.ConversationID, h.Overall, h.Coherence, h.ContradictionScore,
		h.LoopScore, h.Citation, h.MessageCount, h.ContradictionCount, h.LoopCount, h.CreatedAt)
	if err != nil {
		return model.HealthSample{}, fmt.Errorf("storage: insert health sample: %w", err)
	}
	return h, nil
}

const healthColumns = `id, conversation_id, overall, coherence, contradiction_score,
	loop_score, citation, message_count, contradiction_count, loop_count, created_at`

func scanHealth(row pgx.Row) (model.HealthSample, error) {
	var h model.HealthSample
	err := row.Scan(
		&h.ID, &h.ConversationID, &h.Overall, &h.Coherence, &h.ContradictionScore,
		&h.LoopScore, &h.Citation, &h.MessageCount, &h.ContradictionCount, &h.LoopCount, &h.CreatedAt,
	)
	return h, err
}

// ListHealthSamples returns the health time series oldest first.
func (db *DB) ListHealthSamples(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.HealthSample, error) {
	q := `SELECT ` + healthColumns + ` FROM health_samples
		WHERE conversation_id = $1 ORDER BY created_at ASC`
	args := []any{conversationID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list health samples: %w", err)
	}
	defer rows.Close()

	var out []model.HealthSample
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan health sample: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LatestHealthSample returns the most recent sample, or ErrNotFound when
// none has been recorded yet.
func (db *DB) LatestHealthSample(ctx context.Context, conversationID uuid.UUID) (model.HealthSample, error) {
	h, err := scanHealth(db.pool.QueryRow(ctx,
		`SELECT `+healthColumns+` FROM health_samples
		 WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT 1`, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.HealthSample{}, ErrNotFound
		}
		return model.HealthSample{}, fmt.Errorf("storage: latest health sample: %w", err)
	}
	return h, nil
}

// UnresolvedContradictionCounts returns the per-severity counts of
// unresolved contradictions.
func (db *DB) UnresolvedContradictionCounts(ctx context.Context, conversationID uuid.UUID) (map[model.Severity]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT severity, count(*) FROM contradictions
		 WHERE conversation_id = $1 AND resolved = false
		 GROUP BY severity`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: contradiction counts: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Severity]int)
	for rows.Next() {
		var sev model.Severity
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("storage: scan severity count: %w", err)
		}
		out[sev] = n
	}
	return out, rows.Err()
}
