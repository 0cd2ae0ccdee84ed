package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/provider"
)

// judgeTranscriptLimit bounds how many recent messages the judge sees.
const judgeTranscriptLimit = 200

const judgeSystemPrompt = "You are an impartial debate judge. Assess the debate so far " +
	"on these rubric dimensions: argumentation, evidence, coherence, engagement, " +
	"novelty, persuasiveness. Score each dimension and each participant from 0 to 10."

// runJudge assesses the debate after a round. Judge failures are logged
// and skipped; the debate continues either way.
func (d *debate) runJudge(ctx context.Context, final bool) {
	transcript, err := d.store.ListMessages(ctx, d.conv.ID, judgeTranscriptLimit, 0)
	if err != nil {
		d.logger.Warn("orchestrator: judge skipped, transcript load failed",
			"conversation_id", d.conv.ID, "error", err)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n", d.conv.Topic)
	for _, m := range transcript {
		fmt.Fprintf(&b, "[round %d] %s: %s\n\n", m.RoundNumber+1, m.ParticipantName, m.Content)
	}
	stage := "after round"
	if final {
		stage = "after the final round"
	}
	fmt.Fprintf(&b, "Assess the debate %s %d.", stage, d.conv.CurrentRound+1)

	verdict, _, err := provider.Structured[model.JudgeVerdict](ctx, d.providers, provider.Request{
		Model:     d.judgeModel(),
		System:    judgeSystemPrompt,
		MaxTokens: 1024,
		Messages:  []provider.Message{{Role: string(model.RoleUser), Content: b.String()}},
	})
	if err != nil {
		d.logger.Warn("orchestrator: judge skipped, structured completion failed",
			"conversation_id", d.conv.ID, "round", d.conv.CurrentRound, "error", err)
		return
	}

	d.events.Publish(d.conv.ID, model.EventJudgeAssessment, map[string]any{
		"round":              d.conv.CurrentRound,
		"final":              final,
		"winner":             verdict.Winner,
		"reasoning":          verdict.Reasoning,
		"rubric_scores":      verdict.RubricScores,
		"participant_scores": verdict.ParticipantScores,
	})
}
