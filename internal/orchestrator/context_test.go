package orchestrator

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/tokens"
)

func promptConversation() model.Conversation {
	return model.Conversation{
		ID:    uuid.New(),
		Topic: "universal basic income",
		Participants: []model.Participant{
			{Index: 0, Name: "Ada", Model: "stub-a", SystemPrompt: "Argue in favor.", MaxTokens: 256},
			{Index: 1, Name: "Bob", Model: "stub-b", MaxTokens: 256},
		},
		MaxRounds:           3,
		ContextWindowRounds: 5,
	}
}

func historyMsg(idx, seq, round int, name, content string) model.Message {
	return model.Message{
		ID:               uuid.New(),
		ParticipantIndex: idx,
		ParticipantName:  name,
		Role:             model.RoleAssistant,
		Content:          content,
		SequenceNumber:   seq,
		RoundNumber:      round,
	}
}

func TestBuildPromptOpeningTurn(t *testing.T) {
	conv := promptConversation()
	counter := tokens.NewCounter()

	msgs := buildPrompt(counter, conv, nil, conv.Participants[0], 0, 0)
	require.Len(t, msgs, 2)

	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Argue in favor.")
	assert.Contains(t, msgs[0].Content, "universal basic income")
	assert.Contains(t, msgs[0].Content, "Ada, Bob")
	// Round 0 renders one-based for the model.
	assert.Contains(t, msgs[0].Content, "round 1 of 3")

	assert.Equal(t, "user", msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "opening argument")
}

func TestBuildPromptRoleMapping(t *testing.T) {
	conv := promptConversation()
	counter := tokens.NewCounter()
	history := []model.Message{
		historyMsg(0, 0, 1, "Ada", "UBI reduces poverty."),
		historyMsg(1, 1, 1, "Bob", "It is unaffordable."),
	}

	msgs := buildPrompt(counter, conv, history, conv.Participants[0], 2, 0)
	require.Len(t, msgs, 4)

	// Own prior turn stays assistant with the raw content.
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "UBI reduces poverty.", msgs[1].Content)

	// The opponent's turn collapses to user with a name prefix.
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "Bob: It is unaffordable.", msgs[2].Content)

	assert.Contains(t, msgs[3].Content, "Continue the debate")
}

func TestBuildPromptTruncatesOldestFirst(t *testing.T) {
	conv := promptConversation()
	counter := tokens.NewCounter()

	long := strings.Repeat("argument word ", 400)
	history := []model.Message{
		historyMsg(0, 0, 1, "Ada", "OLDEST "+long),
		historyMsg(1, 1, 1, "Bob", "MIDDLE "+long),
		historyMsg(0, 2, 2, "Ada", "NEWEST "+long),
	}

	// A cap big enough for roughly one long message plus overheads.
	msgs := buildPrompt(counter, conv, history, conv.Participants[1], 2, 2500)

	var joined strings.Builder
	for _, m := range msgs {
		joined.WriteString(m.Content)
	}
	assert.Contains(t, joined.String(), "NEWEST")
	assert.NotContains(t, joined.String(), "OLDEST")

	// History order is preserved among what survives.
	for i := 1; i < len(msgs)-1; i++ {
		assert.NotEqual(t, "system", msgs[i].Role)
	}
}

func TestBuildPromptAlwaysIncludesNewestMessage(t *testing.T) {
	conv := promptConversation()
	counter := tokens.NewCounter()

	huge := strings.Repeat("oversized ", 5000)
	history := []model.Message{historyMsg(0, 0, 1, "Ada", huge)}

	// The cap is far below the newest message's size; it still ships.
	msgs := buildPrompt(counter, conv, history, conv.Participants[1], 1, 300)
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1].Content, "oversized")
}

func TestBuildPromptKeepsEverythingUnderLargeCap(t *testing.T) {
	conv := promptConversation()
	counter := tokens.NewCounter()

	var history []model.Message
	for i := 0; i < 6; i++ {
		name, idx := "Ada", 0
		if i%2 == 1 {
			name, idx = "Bob", 1
		}
		history = append(history, historyMsg(idx, i, i/2+1, name, "short point"))
	}

	msgs := buildPrompt(counter, conv, history, conv.Participants[0], 3, 0)
	assert.Len(t, msgs, 8)
}
