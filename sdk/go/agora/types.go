package agora

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ParticipantSpec describes one debater when creating a debate.
type ParticipantSpec struct {
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
}

// CreateDebateRequest is the payload for CreateDebate.
type CreateDebateRequest struct {
	Topic                string            `json:"topic"`
	Participants         []ParticipantSpec `json:"participants"`
	MaxRounds            int               `json:"max_rounds"`
	ContextWindowRounds  int               `json:"context_window_rounds,omitempty"`
	CostWarningThreshold float64           `json:"cost_warning_threshold,omitempty"`
	JudgeModel           *string           `json:"judge_model,omitempty"`
	JudgeCadence         string            `json:"judge_cadence,omitempty"`
	AutoStart            bool              `json:"auto_start,omitempty"`
}

// Participant is one debater as stored by the server.
type Participant struct {
	Index        int     `json:"index"`
	Name         string  `json:"name"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float32 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// Debate is a debate with its configuration and live progress counters.
type Debate struct {
	ID                   uuid.UUID      `json:"id"`
	Topic                string         `json:"topic"`
	Participants         []Participant  `json:"participants"`
	MaxRounds            int            `json:"max_rounds"`
	ContextWindowRounds  int            `json:"context_window_rounds"`
	CostWarningThreshold float64        `json:"cost_warning_threshold"`
	JudgeModel           *string        `json:"judge_model,omitempty"`
	JudgeCadence         string         `json:"judge_cadence"`
	Status               string         `json:"status"`
	CurrentRound         int            `json:"current_round"`
	CurrentTurn          int            `json:"current_turn"`
	TotalCost            float64        `json:"total_cost"`
	TokensByModel        map[string]int `json:"tokens_by_model"`
	CurrentHealthScore   float64        `json:"current_health_score"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Message is one transcript entry.
type Message struct {
	ID               uuid.UUID `json:"id"`
	ConversationID   uuid.UUID `json:"conversation_id"`
	ParticipantIndex int       `json:"participant_index"`
	ParticipantName  string    `json:"participant_name"`
	Model            string    `json:"model"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	SequenceNumber   int       `json:"sequence_number"`
	RoundNumber      int       `json:"round_number"`
	TurnIndex        int       `json:"turn_index"`
	TokensUsed       int       `json:"tokens_used"`
	ResponseTimeMS   float64   `json:"response_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// ScoredMessage is a transcript search hit with its relevance score.
type ScoredMessage struct {
	Message   Message `json:"message"`
	Relevance float32 `json:"relevance"`
}

// Contradiction is a detected pair of opposing statements.
type Contradiction struct {
	ID                   uuid.UUID  `json:"id"`
	ConversationID       uuid.UUID  `json:"conversation_id"`
	MessageAID           uuid.UUID  `json:"message_a_id"`
	MessageBID           uuid.UUID  `json:"message_b_id"`
	Severity             string     `json:"severity"`
	Confidence           float64    `json:"confidence"`
	Similarity           float64    `json:"similarity"`
	StatementA           string     `json:"statement_a"`
	StatementB           string     `json:"statement_b"`
	Explanation          string     `json:"explanation,omitempty"`
	ResolutionSuggestion string     `json:"resolution_suggestion,omitempty"`
	Acknowledged         bool       `json:"acknowledged"`
	Resolved             bool       `json:"resolved"`
	ResolutionNote       *string    `json:"resolution_note,omitempty"`
	DetectedAt           time.Time  `json:"detected_at"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
}

// Loop is a detected repetition pattern in the transcript.
type Loop struct {
	ID                 uuid.UUID `json:"id"`
	ConversationID     uuid.UUID `json:"conversation_id"`
	PatternHash        string    `json:"pattern_hash"`
	Description        string    `json:"description"`
	LoopSize           int       `json:"loop_size"`
	RepetitionCount    int       `json:"repetition_count"`
	FirstMessageID     uuid.UUID `json:"first_message_id"`
	LastMessageID      uuid.UUID `json:"last_message_id"`
	InterventionStatus string    `json:"intervention_status"`
	Intervention       *string   `json:"intervention,omitempty"`
	DetectedAt         time.Time `json:"detected_at"`
}

// HealthSample is one point in a debate's quality time series.
type HealthSample struct {
	ID                 uuid.UUID `json:"id"`
	ConversationID     uuid.UUID `json:"conversation_id"`
	Overall            float64   `json:"overall"`
	Coherence          float64   `json:"coherence"`
	Contradiction      float64   `json:"contradiction"`
	Loop               float64   `json:"loop"`
	Citation           float64   `json:"citation"`
	MessageCount       int       `json:"message_count"`
	ContradictionCount int       `json:"contradiction_count"`
	LoopCount          int       `json:"loop_count"`
	CreatedAt          time.Time `json:"created_at"`
}

// Citation is a URL referenced by a participant.
type Citation struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	URL            string    `json:"url"`
	Title          string    `json:"title,omitempty"`
	Snippet        string    `json:"snippet,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// QualityReport is the rollup returned by Quality. A debate with no
// analysis samples yet reports a neutral 100 across the board.
type QualityReport struct {
	ConversationID uuid.UUID          `json:"conversation_id"`
	Overall        float64            `json:"overall"`
	Status         string             `json:"status"`
	Components     map[string]float64 `json:"components"`
	Counts         map[string]int     `json:"counts"`
}

// ControlAck acknowledges a lifecycle transition (start, pause, resume,
// stop). Status is the state the debate is moving into.
type ControlAck struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

// HealthResponse is the server health report.
type HealthResponse struct {
	Status        string `json:"status"`
	Postgres      string `json:"postgres"`
	Version       string `json:"version"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

// Page wraps a list of results with the server's pagination counters.
type Page[T any] struct {
	Items   []T
	Total   int
	HasMore bool
	Limit   int
	Offset  int
}

// listEnvelope is the server's list response wrapper.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   int             `json:"total"`
	HasMore bool            `json:"has_more"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}
