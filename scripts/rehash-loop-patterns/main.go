// Command rehash-loop-patterns is a one-time migration script that
// recomputes pattern_hash for all stored conversation loops. Run this
// after changing the content fingerprint normalization: loop
// deduplication keys on (conversation_id, pattern_hash), so stale
// hashes make the analyzer re-insert loops it has already recorded.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/rehash-loop-patterns
//
// For each loop the script reloads the pattern's tail messages,
// recomputes the hash with the current algorithm, and updates any rows
// where the stored hash differs. Rows whose recomputed hash collides
// with an existing loop in the same conversation are deleted as
// duplicates. Safe to run multiple times.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/agora-ai/agora/internal/analysis"
	"github.com/agora-ai/agora/internal/model"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	type loopRow struct {
		id            uuid.UUID
		convID        uuid.UUID
		size          int
		lastMessageID uuid.UUID
		hash          string
	}

	rows, err := pool.Query(ctx,
		`SELECT id, conversation_id, loop_size, last_message_id, pattern_hash
		 FROM conversation_loops
		 ORDER BY detected_at ASC`)
	if err != nil {
		return fmt.Errorf("query loops: %w", err)
	}
	loops, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (loopRow, error) {
		var l loopRow
		err := row.Scan(&l.id, &l.convID, &l.size, &l.lastMessageID, &l.hash)
		return l, err
	})
	if err != nil {
		return fmt.Errorf("scan loops: %w", err)
	}

	var updated, deleted int
	for _, l := range loops {
		tail, err := patternTail(ctx, pool, l.convID, l.lastMessageID, l.size)
		if err != nil {
			return fmt.Errorf("loop %s: %w", l.id, err)
		}
		if len(tail) < l.size {
			// Pattern messages were deleted; nothing to rehash against.
			continue
		}

		fresh := analysis.PatternHash(tail)
		if fresh == l.hash {
			continue
		}

		_, err = pool.Exec(ctx,
			`UPDATE conversation_loops SET pattern_hash = $2 WHERE id = $1`, l.id, fresh)
		if isUniqueViolation(err) {
			// Another loop already carries the recomputed hash: this row
			// is a duplicate created while hashes were stale.
			if _, err := pool.Exec(ctx,
				`DELETE FROM conversation_loops WHERE id = $1`, l.id); err != nil {
				return fmt.Errorf("delete duplicate loop %s: %w", l.id, err)
			}
			deleted++
			continue
		}
		if err != nil {
			return fmt.Errorf("update loop %s: %w", l.id, err)
		}
		updated++
	}

	fmt.Printf("checked %d loops: %d rehashed, %d duplicates removed\n",
		len(loops), updated, deleted)
	return nil
}

// patternTail loads the size messages ending at lastMessageID in
// sequence order.
func patternTail(ctx context.Context, pool *pgxpool.Pool, convID, lastMessageID uuid.UUID, size int) ([]model.Message, error) {
	rows, err := pool.Query(ctx,
		`SELECT participant_index, content
		 FROM messages
		 WHERE conversation_id = $1
		   AND sequence_number <= (SELECT sequence_number FROM messages WHERE id = $2)
		 ORDER BY sequence_number DESC
		 LIMIT $3`, convID, lastMessageID, size)
	if err != nil {
		return nil, fmt.Errorf("query pattern messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Message, error) {
		var m model.Message
		err := row.Scan(&m.ParticipantIndex, &m.Content)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan pattern messages: %w", err)
	}
	// Restore sequence order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
