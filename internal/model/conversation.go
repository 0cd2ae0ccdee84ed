// Package model defines the domain entities for debates: conversations,
// participants, messages, and the quality entities derived from them
// (contradictions, loops, health samples).
package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a debate.
type ConversationStatus string

const (
	StatusCreated   ConversationStatus = "created"
	StatusRunning   ConversationStatus = "running"
	StatusPaused    ConversationStatus = "paused"
	StatusCompleted ConversationStatus = "completed"
	StatusErrored   ConversationStatus = "errored"
)

// JudgeCadence controls when the judge model is invoked.
type JudgeCadence string

const (
	CadenceEachRound JudgeCadence = "each_round"
	CadenceFinal     JudgeCadence = "final"
	CadenceNever     JudgeCadence = "never"
)

// Participant is a debate member. Immutable after conversation creation.
// Index is authoritative for turn cycling within a round.
type Participant struct {
	Index        int     `json:"index"`
	Name         string  `json:"name"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float32 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// Conversation is a single debate instance. The orchestrator exclusively
// mutates its control state while the debate is live.
type Conversation struct {
	ID                   uuid.UUID          `json:"id"`
	Topic                string             `json:"topic"`
	Participants         []Participant      `json:"participants"`
	MaxRounds            int                `json:"max_rounds"`
	ContextWindowRounds  int                `json:"context_window_rounds"`
	CostWarningThreshold float64            `json:"cost_warning_threshold"`
	JudgeModel           *string            `json:"judge_model,omitempty"`
	JudgeCadence         JudgeCadence       `json:"judge_cadence"`
	Status               ConversationStatus `json:"status"`
	CurrentRound         int                `json:"current_round"`
	CurrentTurn          int                `json:"current_turn"`
	TotalCost            float64            `json:"total_cost"`
	TokensByModel        map[string]int     `json:"tokens_by_model"`
	CurrentHealthScore   float64            `json:"current_health_score"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// ParticipantByIndex returns the participant with the given index, or nil.
func (c *Conversation) ParticipantByIndex(idx int) *Participant {
	for i := range c.Participants {
		if c.Participants[i].Index == idx {
			return &c.Participants[i]
		}
	}
	return nil
}

// Role is a message author role in provider terms.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one completed turn. Content is final and never mutated;
// quality annotations live in child tables keyed back to the message.
type Message struct {
	ID               uuid.UUID `json:"id"`
	ConversationID   uuid.UUID `json:"conversation_id"`
	ParticipantIndex int       `json:"participant_index"`
	ParticipantName  string    `json:"participant_name"`
	Model            string    `json:"model"`
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	SequenceNumber   int       `json:"sequence_number"`
	RoundNumber      int       `json:"round_number"`
	TurnIndex        int       `json:"turn_index"`
	TokensUsed       int       `json:"tokens_used"`
	ResponseTimeMS   float64   `json:"response_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
}
