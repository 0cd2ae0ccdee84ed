package storage

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// Analyzer goroutines write contradictions and loops for the same
// conversation concurrently, so those statements can lose a
// serialization or deadlock race against each other.
const (
	conflictAttempts  = 3
	conflictBaseDelay = 25 * time.Millisecond
)

// isSerializationConflict matches serialization_failure and
// deadlock_detected, the two Postgres failures that are safe to replay.
func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// retryConflict replays fn on serialization conflicts with jittered
// exponential backoff. Any other failure returns immediately.
func retryConflict(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(conflictAttempts),
		retry.Delay(conflictBaseDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(conflictBaseDelay),
		retry.RetryIf(isSerializationConflict),
		retry.LastErrorOnly(true),
	)
}
