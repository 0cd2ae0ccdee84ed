package search

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-ai/agora/internal/model"
)

func TestReScorePrefersRecentMessages(t *testing.T) {
	now := time.Now()
	oldID, newID := uuid.New(), uuid.New()

	messages := map[uuid.UUID]model.Message{
		oldID: {ID: oldID, Content: "stale point", CreatedAt: now.Add(-8 * time.Hour)},
		newID: {ID: newID, Content: "fresh point", CreatedAt: now.Add(-time.Minute)},
	}
	// Equal raw similarity; recency decay must break the tie.
	results := []Result{
		{MessageID: oldID, Score: 0.9},
		{MessageID: newID, Score: 0.9},
	}

	scored := ReScore(results, messages, 10)
	require.Len(t, scored, 2)
	assert.Equal(t, newID, scored[0].Message.ID)
	assert.Greater(t, scored[0].Relevance, scored[1].Relevance)
}

func TestReScoreSkipsMissingMessages(t *testing.T) {
	known := uuid.New()
	messages := map[uuid.UUID]model.Message{
		known: {ID: known, CreatedAt: time.Now()},
	}
	results := []Result{
		{MessageID: known, Score: 0.8},
		{MessageID: uuid.New(), Score: 0.95}, // deleted between query and hydration
	}

	scored := ReScore(results, messages, 10)
	require.Len(t, scored, 1)
	assert.Equal(t, known, scored[0].Message.ID)
}

func TestReScoreTruncatesToLimit(t *testing.T) {
	now := time.Now()
	messages := map[uuid.UUID]model.Message{}
	var results []Result
	for i := range 5 {
		id := uuid.New()
		messages[id] = model.Message{ID: id, CreatedAt: now}
		results = append(results, Result{MessageID: id, Score: float32(i) / 10})
	}

	scored := ReScore(results, messages, 2)
	require.Len(t, scored, 2)
	assert.GreaterOrEqual(t, scored[0].Relevance, scored[1].Relevance)
}

type scriptedIndex struct {
	results   []Result
	searchErr error
	healthErr error
	calls     int
}

func (s *scriptedIndex) Search(context.Context, uuid.UUID, []float32, int) ([]Result, error) {
	s.calls++
	return s.results, s.searchErr
}

func (s *scriptedIndex) Healthy(context.Context) error { return s.healthErr }

func TestFallbackUsesPrimaryWhenHealthy(t *testing.T) {
	want := []Result{{MessageID: uuid.New(), Score: 0.7}}
	primary := &scriptedIndex{results: want}
	secondary := &scriptedIndex{}
	f := &Fallback{Primary: primary, Secondary: secondary, Logger: slog.New(slog.DiscardHandler)}

	got, err := f.Search(t.Context(), uuid.New(), []float32{0.1}, 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Zero(t, secondary.calls)
}

func TestFallbackOnUnhealthyPrimary(t *testing.T) {
	want := []Result{{MessageID: uuid.New(), Score: 0.6}}
	primary := &scriptedIndex{healthErr: errors.New("connection refused")}
	secondary := &scriptedIndex{results: want}
	f := &Fallback{Primary: primary, Secondary: secondary, Logger: slog.New(slog.DiscardHandler)}

	got, err := f.Search(t.Context(), uuid.New(), []float32{0.1}, 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Zero(t, primary.calls)
}

func TestFallbackOnPrimarySearchError(t *testing.T) {
	want := []Result{{MessageID: uuid.New(), Score: 0.5}}
	primary := &scriptedIndex{searchErr: errors.New("deadline exceeded")}
	secondary := &scriptedIndex{results: want}
	f := &Fallback{Primary: primary, Secondary: secondary, Logger: slog.New(slog.DiscardHandler)}

	got, err := f.Search(t.Context(), uuid.New(), []float32{0.1}, 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}
