package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/provider"
	"github.com/agora-ai/agora/internal/tokens"
)

const (
	// Transient streaming failures are retried twice after the first
	// attempt, with 1s and 4s delays plus jitter.
	turnAttempts    = 3
	turnRetryBase   = time.Second
	turnRetryJitter = 500 * time.Millisecond
)

// turnDelay yields 1s for the first retry and 4s for the second.
func turnDelay(n uint, _ error, _ *retry.Config) time.Duration {
	return turnRetryBase << (2 * n)
}

// dispatchTurn runs one participant turn end to end: build the prompt,
// stream the completion, persist the message, update aggregates, and
// publish the turn events. Streaming is retried on transient failures;
// persistence is not.
func (d *debate) dispatchTurn(ctx context.Context, p model.Participant) (model.Message, error) {
	prompt, err := d.buildTurnPrompt(ctx, p)
	if err != nil {
		return model.Message{}, err
	}

	d.events.Publish(d.conv.ID, model.EventTurnStarted, map[string]any{
		"round":             d.conv.CurrentRound,
		"turn_index":        d.conv.CurrentTurn,
		"participant_index": p.Index,
		"participant_name":  p.Name,
		"model":             p.Model,
	})

	req := provider.Request{
		Model:       p.Model,
		Messages:    prompt,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}
	// The system message travels in Request.System; providers splice it
	// back per vendor convention.
	if len(prompt) > 0 && prompt[0].Role == string(model.RoleSystem) {
		req.System = prompt[0].Content
		req.Messages = prompt[1:]
	}

	started := time.Now()
	var text string
	var usage provider.Usage
	err = retry.Do(
		func() error {
			var attemptErr error
			text, usage, attemptErr = d.streamTurn(ctx, req, p.Index)
			return attemptErr
		},
		retry.Context(ctx),
		retry.Attempts(turnAttempts),
		retry.DelayType(retry.CombineDelay(turnDelay, retry.RandomDelay)),
		retry.MaxJitter(turnRetryJitter),
		retry.RetryIf(func(err error) bool {
			return !d.isStopping() && provider.Retryable(err)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn("orchestrator: turn retry",
				"conversation_id", d.conv.ID, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil || d.isStopping() {
			return model.Message{}, errStopped
		}
		return model.Message{}, err
	}

	return d.finalizeTurn(ctx, p, text, usage, time.Since(started))
}

// streamTurn runs one streaming attempt under the turn deadline,
// publishing a token_delta event per fragment.
func (d *debate) streamTurn(ctx context.Context, req provider.Request, participantIndex int) (string, provider.Usage, error) {
	turnCtx, cancel := context.WithTimeout(ctx, d.cfg.TurnDeadline)
	defer cancel()

	stream, err := d.providers.Stream(turnCtx, req)
	if err != nil {
		return "", provider.Usage{}, err
	}
	defer stream.Close()

	var buf []byte
	var usage provider.Usage
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", provider.Usage{}, err
		}
		if delta.Text != "" {
			buf = append(buf, delta.Text...)
			d.events.Publish(d.conv.ID, model.EventTokenDelta, map[string]any{
				"round":             d.conv.CurrentRound,
				"turn_index":        d.conv.CurrentTurn,
				"participant_index": participantIndex,
				"delta":             delta.Text,
			})
		}
		if delta.Usage != nil {
			usage = *delta.Usage
		}
	}
	text := string(buf)

	// Vendors that omit usage on the terminal delta get an estimate so
	// cost accounting never silently reads zero.
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		msgs := make([]tokens.RoleContent, 0, len(req.Messages)+1)
		if req.System != "" {
			msgs = append(msgs, tokens.RoleContent{Role: string(model.RoleSystem), Content: req.System})
		}
		for _, m := range req.Messages {
			msgs = append(msgs, tokens.RoleContent{Role: m.Role, Content: m.Content})
		}
		usage.InputTokens = d.counter.CountMessages(msgs)
		usage.OutputTokens = d.counter.Count(text)
	}
	return text, usage, nil
}

// finalizeTurn persists the message, updates conversation aggregates,
// publishes turn.completed, and hands the message to the analyzer.
// A persistence failure here is fatal for the debate.
func (d *debate) finalizeTurn(ctx context.Context, p model.Participant, text string, usage provider.Usage, elapsed time.Duration) (model.Message, error) {
	msg, err := d.store.InsertMessage(ctx, model.Message{
		ConversationID:   d.conv.ID,
		ParticipantIndex: p.Index,
		ParticipantName:  p.Name,
		Model:            p.Model,
		Role:             model.RoleAssistant,
		Content:          text,
		RoundNumber:      d.conv.CurrentRound,
		TurnIndex:        d.conv.CurrentTurn,
		TokensUsed:       usage.InputTokens + usage.OutputTokens,
		ResponseTimeMS:   float64(elapsed.Milliseconds()),
	})
	if err != nil {
		return model.Message{}, err
	}

	cost := tokens.Cost(p.Model, usage.InputTokens, usage.OutputTokens)
	d.conv.TotalCost += cost
	if d.conv.TokensByModel == nil {
		d.conv.TokensByModel = map[string]int{}
	}
	d.conv.TokensByModel[p.Model] += usage.InputTokens + usage.OutputTokens

	d.events.Publish(d.conv.ID, model.EventTurnCompleted, map[string]any{
		"message_id":        msg.ID,
		"round":             msg.RoundNumber,
		"turn_index":        msg.TurnIndex,
		"participant_index": p.Index,
		"participant_name":  p.Name,
		"sequence_number":   msg.SequenceNumber,
		"tokens":            msg.TokensUsed,
		"cost":              cost,
		"total_cost":        d.conv.TotalCost,
		"response_time_ms":  msg.ResponseTimeMS,
	})
	return msg, nil
}

// buildTurnPrompt loads the context-window history and assembles the
// prompt for the participant.
func (d *debate) buildTurnPrompt(ctx context.Context, p model.Participant) ([]provider.Message, error) {
	fromRound := d.conv.CurrentRound - d.conv.ContextWindowRounds + 1
	if fromRound < 0 {
		fromRound = 0
	}
	history, err := d.store.MessagesSinceRound(ctx, d.conv.ID, fromRound)
	if err != nil {
		return nil, err
	}
	return buildPrompt(d.counter, d.conv, history, p, d.conv.CurrentRound, d.cfg.ContextTokenCap), nil
}
