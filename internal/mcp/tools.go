package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/agora-ai/agora/internal/ctxutil"
	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/storage"
)

func (s *Server) registerTools() {
	// agora_quality: composite health of a debate.
	s.mcpServer.AddTool(
		mcplib.NewTool("agora_quality",
			mcplib.WithDescription(`Get the current quality assessment of a debate.

WHAT YOU GET BACK:
- overall: composite health score 0-100 with a status bucket
  (excellent/good/fair/poor)
- components: coherence, contradiction, loop, and citation sub-scores
- counts: messages analyzed, open contradictions, detected loops

A debate with no analyzed messages yet reports a neutral score of 100.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("debate_id",
				mcplib.Description("UUID of the debate to assess"),
				mcplib.Required(),
			),
		),
		s.handleQuality,
	)

	// agora_contradictions: conflicting statement pairs.
	s.mcpServer.AddTool(
		mcplib.NewTool("agora_contradictions",
			mcplib.WithDescription(`List contradictions detected in a debate.

Each contradiction pairs two statements by the same participant that
conflict, with a severity (low/medium/high/critical), the oracle's
confidence, and a suggested resolution when available.

Use unresolved_only=true to see only contradictions still open.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("debate_id",
				mcplib.Description("UUID of the debate to inspect"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("unresolved_only",
				mcplib.Description("Only return contradictions that have not been resolved"),
			),
			mcplib.WithString("severity",
				mcplib.Description("Filter by severity: low, medium, high, or critical"),
			),
		),
		s.handleContradictions,
	)

	// agora_loops: repeating argument patterns.
	s.mcpServer.AddTool(
		mcplib.NewTool("agora_loops",
			mcplib.WithDescription(`List repetition loops detected in a debate.

A loop is a repeating pattern of semantically similar turns at the tail
of the conversation. Each entry reports the pattern size, how many times
it repeated, and whether a moderator intervention was synthesized.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("debate_id",
				mcplib.Description("UUID of the debate to inspect"),
				mcplib.Required(),
			),
		),
		s.handleLoops,
	)

	// agora_health_history: quality time series.
	s.mcpServer.AddTool(
		mcplib.NewTool("agora_health_history",
			mcplib.WithDescription(`Get the health score time series of a debate.

Returns one sample per analyzed message, oldest data capped by limit.
Useful for spotting when a debate started degrading.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("debate_id",
				mcplib.Description("UUID of the debate to inspect"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of samples to return"),
				mcplib.Min(1),
				mcplib.Max(500),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleHealthHistory,
	)
}

// logError logs a tool failure with the request ID the HTTP middleware
// put on the context.
func (s *Server) logError(ctx context.Context, msg string, err error) {
	s.logger.Error(msg, "error", err, "request_id", ctxutil.RequestID(ctx))
}

// debateID parses and validates the debate_id tool argument.
func (s *Server) debateID(ctx context.Context, request mcplib.CallToolRequest) (model.Conversation, *mcplib.CallToolResult) {
	raw := request.GetString("debate_id", "")
	if raw == "" {
		return model.Conversation{}, errorResult("debate_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return model.Conversation{}, errorResult(fmt.Sprintf("invalid debate_id: %v", err))
	}
	conv, err := s.db.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Conversation{}, errorResult("debate not found")
		}
		s.logError(ctx, "load debate failed", err)
		return model.Conversation{}, errorResult(fmt.Sprintf("load debate failed: %v", err))
	}
	return conv, nil
}

func (s *Server) handleQuality(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	conv, errRes := s.debateID(ctx, request)
	if errRes != nil {
		return errRes, nil
	}

	sample, err := s.db.LatestHealthSample(ctx, conv.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logError(ctx, "load health sample failed", err)
		return errorResult(fmt.Sprintf("load health sample failed: %v", err)), nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		sample = model.HealthSample{
			ConversationID:     conv.ID,
			Overall:            100,
			Coherence:          100,
			ContradictionScore: 100,
			LoopScore:          100,
			Citation:           100,
		}
	}

	return jsonResult(map[string]any{
		"debate_id": conv.ID,
		"topic":     conv.Topic,
		"status":    model.StatusForScore(sample.Overall),
		"overall":   sample.Overall,
		"components": map[string]float64{
			"coherence":     sample.Coherence,
			"contradiction": sample.ContradictionScore,
			"loop":          sample.LoopScore,
			"citation":      sample.Citation,
		},
		"counts": map[string]int{
			"messages":       sample.MessageCount,
			"contradictions": sample.ContradictionCount,
			"loops":          sample.LoopCount,
		},
	}), nil
}

func (s *Server) handleContradictions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	conv, errRes := s.debateID(ctx, request)
	if errRes != nil {
		return errRes, nil
	}

	unresolvedOnly := request.GetBool("unresolved_only", false)
	severity := model.Severity(request.GetString("severity", ""))

	rows, err := s.db.ListContradictions(ctx, conv.ID, unresolvedOnly)
	if err != nil {
		s.logError(ctx, "list contradictions failed", err)
		return errorResult(fmt.Sprintf("list contradictions failed: %v", err)), nil
	}
	if severity != "" {
		filtered := rows[:0]
		for _, c := range rows {
			if c.Severity == severity {
				filtered = append(filtered, c)
			}
		}
		rows = filtered
	}

	return jsonResult(map[string]any{
		"debate_id":      conv.ID,
		"total":          len(rows),
		"contradictions": rows,
	}), nil
}

func (s *Server) handleLoops(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	conv, errRes := s.debateID(ctx, request)
	if errRes != nil {
		return errRes, nil
	}

	rows, err := s.db.ListLoops(ctx, conv.ID)
	if err != nil {
		s.logError(ctx, "list loops failed", err)
		return errorResult(fmt.Sprintf("list loops failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"debate_id": conv.ID,
		"total":     len(rows),
		"loops":     rows,
	}), nil
}

func (s *Server) handleHealthHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	conv, errRes := s.debateID(ctx, request)
	if errRes != nil {
		return errRes, nil
	}

	limit := request.GetInt("limit", 50)
	rows, err := s.db.ListHealthSamples(ctx, conv.ID, limit)
	if err != nil {
		s.logError(ctx, "list health samples failed", err)
		return errorResult(fmt.Sprintf("list health samples failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"debate_id": conv.ID,
		"samples":   rows,
	}), nil
}
