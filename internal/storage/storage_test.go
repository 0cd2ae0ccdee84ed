package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/storage"
	"github.com/agora-ai/agora/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPgVector()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newTestConversation(t *testing.T) model.Conversation {
	t.Helper()
	conv, err := testDB.CreateConversation(context.Background(), model.Conversation{
		Topic: "Is remote work better for productivity?",
		Participants: []model.Participant{
			{Index: 0, Name: "Advocate", Model: "stub", Temperature: 0.7, MaxTokens: 512},
			{Index: 1, Name: "Skeptic", Model: "stub", Temperature: 0.7, MaxTokens: 512},
		},
		MaxRounds:            3,
		ContextWindowRounds:  2,
		CostWarningThreshold: 1.0,
		JudgeCadence:         model.CadenceNever,
	})
	require.NoError(t, err)
	return conv
}

func insertTestMessage(t *testing.T, convID uuid.UUID, idx int, content string) model.Message {
	t.Helper()
	msg, err := testDB.InsertMessage(context.Background(), model.Message{
		ConversationID:   convID,
		ParticipantIndex: idx,
		ParticipantName:  fmt.Sprintf("p%d", idx),
		Model:            "stub",
		Role:             model.RoleAssistant,
		Content:          content,
		RoundNumber:      1,
		TurnIndex:        idx,
	})
	require.NoError(t, err)
	return msg
}

func TestCreateAndGetConversation(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)

	got, err := testDB.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, model.StatusCreated, got.Status)
	assert.Len(t, got.Participants, 2)
	assert.Equal(t, "Skeptic", got.Participants[1].Name)
	assert.NotNil(t, got.TokensByModel)
}

func TestGetConversationNotFound(t *testing.T) {
	_, err := testDB.GetConversation(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListConversationsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)
	require.NoError(t, testDB.UpdateConversationStatus(ctx, conv.ID, model.StatusRunning))

	running, total, err := testDB.ListConversations(ctx, model.StatusRunning, 100, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1)
	found := false
	for _, c := range running {
		assert.Equal(t, model.StatusRunning, c.Status)
		if c.ID == conv.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMessageSequencingIsGapFree(t *testing.T) {
	conv := newTestConversation(t)

	// Concurrent writers must still produce 0..n-1 with no gaps.
	const n = 12
	var wg sync.WaitGroup
	seqs := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := insertTestMessage(t, conv.ID, i%2, fmt.Sprintf("message %d", i))
			seqs[i] = msg.SequenceNumber
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for _, s := range seqs {
		assert.False(t, seen[s], "duplicate sequence %d", s)
		seen[s] = true
	}
	for i := 0; i < n; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}

	msgs, err := testDB.ListMessages(context.Background(), conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		assert.Equal(t, i, m.SequenceNumber)
	}
}

func TestRecentMessages(t *testing.T) {
	conv := newTestConversation(t)
	for i := 0; i < 5; i++ {
		insertTestMessage(t, conv.ID, i%2, fmt.Sprintf("m%d", i))
	}
	recent, err := testDB.RecentMessages(context.Background(), conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, 2, recent[0].SequenceNumber)
	assert.Equal(t, 4, recent[2].SequenceNumber)
}

func unitVector(dims, hot int) pgvector.Vector {
	v := make([]float32, dims)
	v[hot] = 1
	return pgvector.NewVector(v)
}

func TestNearestMessages(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)

	a := insertTestMessage(t, conv.ID, 0, "the earth is round")
	b := insertTestMessage(t, conv.ID, 1, "the earth is flat")
	c := insertTestMessage(t, conv.ID, 0, "bananas are yellow")

	require.NoError(t, testDB.InsertEmbedding(ctx, conv.ID, a.ID, unitVector(1536, 0)))
	require.NoError(t, testDB.InsertEmbedding(ctx, conv.ID, b.ID, unitVector(1536, 0)))
	require.NoError(t, testDB.InsertEmbedding(ctx, conv.ID, c.ID, unitVector(1536, 1)))

	// Probe with b's vector against everything before b.
	neighbors, err := testDB.NearestMessages(ctx, conv.ID, unitVector(1536, 0), b.SequenceNumber, 10, 0.85)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, a.ID, neighbors[0].MessageID)
	assert.InDelta(t, 1.0, neighbors[0].Similarity, 1e-6)
}

func TestConsecutiveSimilarities(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)

	a := insertTestMessage(t, conv.ID, 0, "a")
	b := insertTestMessage(t, conv.ID, 1, "b")
	c := insertTestMessage(t, conv.ID, 0, "c")

	require.NoError(t, testDB.InsertEmbedding(ctx, conv.ID, a.ID, unitVector(1536, 0)))
	require.NoError(t, testDB.InsertEmbedding(ctx, conv.ID, b.ID, unitVector(1536, 0)))
	require.NoError(t, testDB.InsertEmbedding(ctx, conv.ID, c.ID, unitVector(1536, 1)))

	sims, err := testDB.ConsecutiveSimilarities(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, sims, 2)
	assert.InDelta(t, 1.0, sims[0], 1e-6)
	assert.InDelta(t, 0.0, sims[1], 1e-6)
}

func TestInsertContradictionDeduplicates(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)
	a := insertTestMessage(t, conv.ID, 0, "x is true")
	b := insertTestMessage(t, conv.ID, 0, "x is false")

	c1, created, err := testDB.InsertContradiction(ctx, model.Contradiction{
		ConversationID: conv.ID,
		MessageAID:     a.ID,
		MessageBID:     b.ID,
		Severity:       model.SeverityHigh,
		Confidence:     0.9,
		Similarity:     0.92,
		StatementA:     "x is true",
		StatementB:     "x is false",
	})
	require.NoError(t, err)
	assert.True(t, created)

	c2, created, err := testDB.InsertContradiction(ctx, model.Contradiction{
		ConversationID: conv.ID,
		MessageAID:     a.ID,
		MessageBID:     b.ID,
		Severity:       model.SeverityLow,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, model.SeverityHigh, c2.Severity)
}

func TestResolveContradiction(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)
	a := insertTestMessage(t, conv.ID, 0, "y is true")
	b := insertTestMessage(t, conv.ID, 0, "y is false")

	c, _, err := testDB.InsertContradiction(ctx, model.Contradiction{
		ConversationID: conv.ID, MessageAID: a.ID, MessageBID: b.ID, Severity: model.SeverityMedium,
	})
	require.NoError(t, err)

	note := "participant retracted the claim"
	resolved, err := testDB.ResolveContradiction(ctx, c.ID, true, &note)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.True(t, resolved.Acknowledged)
	require.NotNil(t, resolved.ResolvedAt)

	unresolved, err := testDB.ListContradictions(ctx, conv.ID, true)
	require.NoError(t, err)
	for _, u := range unresolved {
		assert.NotEqual(t, c.ID, u.ID)
	}
}

func TestUpsertLoopBumpsRepetition(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)
	first := insertTestMessage(t, conv.ID, 0, "again")
	last := insertTestMessage(t, conv.ID, 1, "again")

	l1, created, err := testDB.UpsertLoop(ctx, model.ConversationLoop{
		ConversationID:  conv.ID,
		PatternHash:     "abc123",
		Description:     "pattern 'again' repeating",
		LoopSize:        2,
		RepetitionCount: 2,
		FirstMessageID:  first.ID,
		LastMessageID:   last.ID,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.LoopDetected, l1.InterventionStatus)

	later := insertTestMessage(t, conv.ID, 0, "again")
	l2, created, err := testDB.UpsertLoop(ctx, model.ConversationLoop{
		ConversationID:  conv.ID,
		PatternHash:     "abc123",
		LoopSize:        2,
		RepetitionCount: 3,
		FirstMessageID:  first.ID,
		LastMessageID:   later.ID,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, l1.ID, l2.ID)
	assert.Equal(t, 3, l2.RepetitionCount)
	assert.Equal(t, later.ID, l2.LastMessageID)

	n, err := testDB.ActiveLoopCount(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, testDB.UpdateLoopStatus(ctx, l1.ID, model.LoopBroken, nil))
	n, err = testDB.ActiveLoopCount(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentLoopUpsertsConverge(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)
	first := insertTestMessage(t, conv.ID, 0, "same point")
	last := insertTestMessage(t, conv.ID, 1, "same point")

	// Analyzer goroutines race on the same pattern; every writer must
	// succeed and the rows must converge to one loop with the highest
	// repetition count.
	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := testDB.UpsertLoop(ctx, model.ConversationLoop{
				ConversationID:  conv.ID,
				PatternHash:     "race-hash",
				LoopSize:        2,
				RepetitionCount: i + 2,
				FirstMessageID:  first.ID,
				LastMessageID:   last.ID,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	loops, err := testDB.ListLoops(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, n+1, loops[0].RepetitionCount)
}

func TestHealthSamples(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)

	_, err := testDB.LatestHealthSample(ctx, conv.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for i, overall := range []float64{90, 75} {
		_, err := testDB.InsertHealthSample(ctx, model.HealthSample{
			ConversationID: conv.ID,
			Overall:        overall,
			Coherence:      100,
			ContradictionScore: 80,
			LoopScore:      100,
			Citation:       100,
			MessageCount:   i + 1,
			CreatedAt:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	samples, err := testDB.ListHealthSamples(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, float64(90), samples[0].Overall)

	latest, err := testDB.LatestHealthSample(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(75), latest.Overall)
}

func TestDeleteConversationCascades(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)
	a := insertTestMessage(t, conv.ID, 0, "z is true")
	b := insertTestMessage(t, conv.ID, 0, "z is false")
	require.NoError(t, testDB.InsertEmbedding(ctx, conv.ID, a.ID, unitVector(1536, 0)))
	_, _, err := testDB.InsertContradiction(ctx, model.Contradiction{
		ConversationID: conv.ID, MessageAID: a.ID, MessageBID: b.ID, Severity: model.SeverityLow,
	})
	require.NoError(t, err)
	_, err = testDB.InsertHealthSample(ctx, model.HealthSample{ConversationID: conv.ID, Overall: 80})
	require.NoError(t, err)

	require.NoError(t, testDB.DeleteConversation(ctx, conv.ID))

	_, err = testDB.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	msgs, err := testDB.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, testDB.DeleteConversation(ctx, conv.ID), storage.ErrNotFound)
}

func TestUpdateConversationProgress(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)

	err := testDB.UpdateConversationProgress(ctx, conv.ID, storage.ConversationProgress{
		CurrentRound:  2,
		CurrentTurn:   1,
		TotalCost:     0.042,
		TokensByModel: map[string]int{"stub": 1234},
		HealthScore:   88.5,
	})
	require.NoError(t, err)

	got, err := testDB.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentRound)
	assert.Equal(t, 0.042, got.TotalCost)
	assert.Equal(t, 1234, got.TokensByModel["stub"])
	assert.Equal(t, 88.5, got.CurrentHealthScore)
}

func TestInsertAndListCitations(t *testing.T) {
	ctx := context.Background()
	conv := newTestConversation(t)
	m := insertTestMessage(t, conv.ID, 0, "see [study](https://example.org/study)")

	err := testDB.InsertCitations(ctx, m.ID, []model.Citation{
		{ConversationID: conv.ID, MessageID: m.ID, URL: "https://example.org/study", Title: "study"},
	})
	require.NoError(t, err)

	cites, err := testDB.ListCitations(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, cites, 1)
	assert.Equal(t, "https://example.org/study", cites[0].URL)
}
