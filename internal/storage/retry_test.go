package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSerializationConflict(t *testing.T) {
	assert.True(t, isSerializationConflict(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isSerializationConflict(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isSerializationConflict(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isSerializationConflict(errors.New("connection refused")))
	assert.False(t, isSerializationConflict(nil))
}

func TestRetryConflictReplaysSerializationFailures(t *testing.T) {
	calls := 0
	err := retryConflict(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryConflictStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("column does not exist")
	calls := 0
	err := retryConflict(context.Background(), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryConflictGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := retryConflict(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	require.Error(t, err)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, conflictAttempts, calls)
}
