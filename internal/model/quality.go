package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies how strongly two messages conflict.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ClassifySeverity derives a contradiction severity from the embedding
// similarity of the pair and the oracle's confidence.
func ClassifySeverity(similarity, confidence float64) Severity {
	switch {
	case similarity >= 0.95 && confidence >= 0.9:
		return SeverityCritical
	case similarity >= 0.9 || confidence >= 0.8:
		return SeverityHigh
	case similarity >= 0.85:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Contradiction is a detected pair of conflicting messages.
// MessageA always precedes MessageB by sequence number.
// Mutable only through the resolution API.
type Contradiction struct {
	ID                   uuid.UUID  `json:"id"`
	ConversationID       uuid.UUID  `json:"conversation_id"`
	MessageAID           uuid.UUID  `json:"message_a_id"`
	MessageBID           uuid.UUID  `json:"message_b_id"`
	Severity             Severity   `json:"severity"`
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

// InterventionStatus is the lifecycle of a detected loop.
type InterventionStatus string

const (
	LoopDetected   InterventionStatus = "detected"
	LoopIntervened InterventionStatus = "intervened"
	LoopBroken     InterventionStatus = "broken"
)

// ConversationLoop is a detected repeating pattern at the tail of a debate.
// PatternHash is the natural key within a conversation: re-detection of the
// same pattern updates LastMessageID and increments RepetitionCount.
type ConversationLoop struct {
	ID                 uuid.UUID          `json:"id"`
	ConversationID     uuid.UUID          `json:"conversation_id"`
	PatternHash        string             `json:"pattern_hash"`
	Description        string             `json:"description"`
	LoopSize           int                `json:"loop_size"`
	RepetitionCount    int                `json:"repetition_count"`
	FirstMessageID     uuid.UUID          `json:"first_message_id"`
	LastMessageID      uuid.UUID          `json:"last_message_id"`
	InterventionStatus InterventionStatus `json:"intervention_status"`
	Intervention       *string            `json:"intervention,omitempty"`
	DetectedAt         time.Time          `json:"detected_at"`
}

// HealthStatus buckets an overall health score.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthFair      HealthStatus = "fair"
	HealthPoor      HealthStatus = "poor"
)

// StatusForScore maps an overall score to its status bucket.
func StatusForScore(score float64) HealthStatus {
	switch {
	case score >= 85:
		return HealthExcellent
	case score >= 70:
		return HealthGood
	case score >= 50:
		return HealthFair
	default:
		return HealthPoor
	}
}

// HealthSample is one append-only time-series sample of composite quality.
// All component scores are clamped to [0,100].
type HealthSample struct {
	ID                 uuid.UUID `json:"id"`
	ConversationID     uuid.UUID `json:"conversation_id"`
	Overall            float64   `json:"overall"`
	Coherence          float64   `json:"coherence"`
	ContradictionScore float64   `json:"contradiction"`
	LoopScore          float64   `json:"loop"`
	Citation           float64   `json:"citation"`
	MessageCount       int       `json:"message_count"`
	ContradictionCount int       `json:"contradiction_count"`
	LoopCount          int       `json:"loop_count"`
	CreatedAt          time.Time `json:"created_at"`
}

// Citation is a source reference extracted from a message's markdown.
type Citation struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	URL            string    `json:"url"`
	Title          string    `json:"title,omitempty"`
	Snippet        string    `json:"snippet,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// JudgeVerdict is the structured assessment produced by the judge model
// after a round. Rubric dimensions follow the debate rubric: argumentation,
// evidence, coherence, engagement, novelty, persuasiveness.
type JudgeVerdict struct {
	Winner            string             `json:"winner" jsonschema:"description=Name of the participant currently ahead"`
	Reasoning         string             `json:"reasoning" jsonschema:"description=Concise analysis of the round"`
	RubricScores      map[string]float64 `json:"rubric_scores" jsonschema:"description=Score 0-10 per rubric dimension"`
	ParticipantScores map[string]float64 `json:"participant_scores" jsonschema:"description=Score 0-10 per participant name"`
}
