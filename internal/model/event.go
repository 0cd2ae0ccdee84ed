package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a stream event type.
type EventKind string

const (
	EventLifecycleReady     EventKind = "lifecycle.ready"
	EventLifecycleRunning   EventKind = "lifecycle.running"
	EventLifecyclePaused    EventKind = "lifecycle.paused"
	EventLifecycleCompleted EventKind = "lifecycle.completed"
	EventLifecycleError     EventKind = "lifecycle.error"
	EventLifecycleResync    EventKind = "lifecycle.resync"
	EventTurnStarted        EventKind = "turn.started"
	EventTokenDelta         EventKind = "turn.token_delta"
	EventTurnCompleted      EventKind = "turn.completed"
	EventRoundCompleted     EventKind = "round.completed"
	EventJudgeAssessment    EventKind = "judge.assessment"
	EventContradictionFound EventKind = "quality.contradiction_detected"
	EventLoopDetected       EventKind = "quality.loop_detected"
	EventHealthUpdate       EventKind = "quality.health_update"
	EventCostWarning        EventKind = "cost.warning"
)

// Event is one entry in a conversation's ordered event stream.
// Seq is assigned by the bus and is strictly monotonic per conversation.
type Event struct {
	Seq            uint64         `json:"seq"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Kind           EventKind      `json:"kind"`
	At             time.Time      `json:"at"`
	Payload        map[string]any `json:"payload,omitempty"`
}
