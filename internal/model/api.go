package model

import (
	"fmt"
	"time"
)

// ParticipantSpec is a participant as supplied at debate creation.
type ParticipantSpec struct {
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
}

// CreateDebateRequest is the body of POST /api/v1/debates.
type CreateDebateRequest struct {
	Topic                string            `json:"topic"`
	Participants         []ParticipantSpec `json:"participants"`
	MaxRounds            int               `json:"max_rounds"`
	ContextWindowRounds  int               `json:"context_window_rounds,omitempty"`
	CostWarningThreshold float64           `json:"cost_warning_threshold,omitempty"`
	JudgeModel           *string           `json:"judge_model,omitempty"`
	JudgeCadence         JudgeCadence      `json:"judge_cadence,omitempty"`
	AutoStart            bool              `json:"auto_start,omitempty"`
}

const (
	MinParticipants = 2
	MaxParticipants = 4

	DefaultMaxRounds            = 10
	DefaultContextWindowRounds  = 5
	DefaultCostWarningThreshold = 1.0
	DefaultTemperature          = float32(0.7)
	DefaultMaxTokens            = 1024
)

// Validate checks structural constraints and fills defaults in place.
func (r *CreateDebateRequest) Validate() error {
	if r.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if n := len(r.Participants); n < MinParticipants || n > MaxParticipants {
		return fmt.Errorf("participants must number between %d and %d, got %d", MinParticipants, MaxParticipants, n)
	}
	seen := make(map[string]struct{}, len(r.Participants))
	for i, p := range r.Participants {
		if p.Name == "" {
			return fmt.Errorf("participant %d: name is required", i)
		}
		if p.Model == "" {
			return fmt.Errorf("participant %q: model is required", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("participant name %q is not unique", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if r.MaxRounds == 0 {
		r.MaxRounds = DefaultMaxRounds
	}
	if r.MaxRounds < 1 {
		return fmt.Errorf("max_rounds must be at least 1, got %d", r.MaxRounds)
	}
	if r.ContextWindowRounds == 0 {
		r.ContextWindowRounds = DefaultContextWindowRounds
	}
	if r.ContextWindowRounds < 1 {
		return fmt.Errorf("context_window_rounds must be at least 1, got %d", r.ContextWindowRounds)
	}
	if r.CostWarningThreshold == 0 {
		r.CostWarningThreshold = DefaultCostWarningThreshold
	}
	if r.CostWarningThreshold < 0 {
		return fmt.Errorf("cost_warning_threshold must be positive, got %v", r.CostWarningThreshold)
	}
	switch r.JudgeCadence {
	case "":
		r.JudgeCadence = CadenceEachRound
	case CadenceEachRound, CadenceFinal, CadenceNever:
	default:
		return fmt.Errorf("unknown judge_cadence %q", r.JudgeCadence)
	}
	return nil
}

// ResolveContradictionRequest is the body of the contradiction resolution call.
type ResolveContradictionRequest struct {
	Resolved bool    `json:"resolved"`
	Note     *string `json:"note,omitempty"`
}

// ResumeDebateRequest is the body of the resume control call.
type ResumeDebateRequest struct {
	OverrideCriticalCost bool `json:"override_critical_cost,omitempty"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
