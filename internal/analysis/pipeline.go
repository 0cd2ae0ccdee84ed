// Package analysis is the post-turn quality pipeline: contradiction
// detection, loop detection, and composite health scoring.
//
// The pipeline runs once per finalized message. Analyzers are
// independent; a failure in one is logged and the others still run.
package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/provider"
	"github.com/agora-ai/agora/internal/storage"
)

// Store is the persistence surface the pipeline needs. *storage.DB
// satisfies it.
type Store interface {
	GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, n int) ([]model.Message, error)
	InsertEmbedding(ctx context.Context, conversationID, messageID uuid.UUID, vec pgvector.Vector) error
	NearestMessages(ctx context.Context, conversationID uuid.UUID, probe pgvector.Vector, beforeSeq, k int, minSim float64) ([]storage.Neighbor, error)
	ConsecutiveSimilarities(ctx context.Context, conversationID uuid.UUID) ([]float64, error)
	InsertContradiction(ctx context.Context, c model.Contradiction) (model.Contradiction, bool, error)
	UnresolvedContradictionCounts(ctx context.Context, conversationID uuid.UUID) (map[model.Severity]int, error)
	UpsertLoop(ctx context.Context, l model.ConversationLoop) (model.ConversationLoop, bool, error)
	UpdateLoopStatus(ctx context.Context, id uuid.UUID, status model.InterventionStatus, intervention *string) error
	ActiveLoopCount(ctx context.Context, conversationID uuid.UUID) (int, error)
	InsertHealthSample(ctx context.Context, h model.HealthSample) (model.HealthSample, error)
	UpdateConversationHealth(ctx context.Context, id uuid.UUID, score float64) error
	InsertCitations(ctx context.Context, messageID uuid.UUID, citations []model.Citation) error
}

// Publisher receives quality events as results land. The event bus
// satisfies it.
type Publisher interface {
	Publish(conversationID uuid.UUID, kind model.EventKind, payload map[string]any) model.Event
}

// Embedder is the subset of the embedding provider the pipeline uses.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	Dimensions() int
}

// Config tunes the analyzers.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for
	// contradiction candidates.
	SimilarityThreshold float64
	// CandidateK bounds the kNN fan-out per new message.
	CandidateK int
	// LoopLookback is how many tail messages loop detection inspects.
	LoopLookback int
	// OracleModel runs the structured opposition check and intervention
	// synthesis. Empty disables both LLM steps.
	OracleModel string
}

func (c *Config) defaults() {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.85
	}
	if c.CandidateK <= 0 {
		c.CandidateK = 10
	}
	if c.LoopLookback <= 0 {
		c.LoopLookback = 20
	}
}

// Pipeline wires the analyzers to storage, embeddings, the oracle
// model, and the event bus.
type Pipeline struct {
	store    Store
	embedder Embedder
	oracle   provider.Completer
	events   Publisher
	logger   *slog.Logger
	cfg      Config
}

// New creates a Pipeline. embedder may be a noop provider; oracle may
// be nil, disabling the LLM opposition check (candidates are then
// recorded with heuristic confidence).
func New(store Store, embedder Embedder, oracle provider.Completer, events Publisher, logger *slog.Logger, cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		store:    store,
		embedder: embedder,
		oracle:   oracle,
		events:   events,
		logger:   logger,
		cfg:      cfg,
	}
}

// OnMessage runs the full pipeline for one finalized message. Analyzer
// errors are logged, never returned; the debate must not stall on
// quality analysis.
func (p *Pipeline) OnMessage(ctx context.Context, msg model.Message) {
	log := p.logger.With("conversation_id", msg.ConversationID, "message_id", msg.ID)

	embedded, err := p.embedMessage(ctx, msg)
	if err != nil {
		log.Warn("analysis: embedding failed, continuing in text-only mode", "error", err)
	}

	if err := p.detectContradictions(ctx, msg, embedded); err != nil {
		log.Warn("analysis: contradiction detection failed", "error", err)
	}
	if err := p.detectLoops(ctx, msg); err != nil {
		log.Warn("analysis: loop detection failed", "error", err)
	}
	if err := p.extractMessageCitations(ctx, msg); err != nil {
		log.Warn("analysis: citation extraction failed", "error", err)
	}
	if err := p.scoreHealth(ctx, msg); err != nil {
		log.Warn("analysis: health scoring failed", "error", err)
	}
}

// embedMessage stores the message embedding and returns the vector, or
// nil when running text-only.
func (p *Pipeline) embedMessage(ctx context.Context, msg model.Message) (*pgvector.Vector, error) {
	if p.embedder == nil {
		return nil, nil
	}
	vec, err := p.embedder.Embed(ctx, msg.Content)
	if err != nil {
		return nil, err
	}
	if isZeroVector(vec) {
		// Noop embedder; vectors carry no signal.
		return nil, nil
	}
	if err := p.store.InsertEmbedding(ctx, msg.ConversationID, msg.ID, vec); err != nil {
		return nil, err
	}
	return &vec, nil
}

func isZeroVector(v pgvector.Vector) bool {
	for _, x := range v.Slice() {
		if x != 0 {
			return false
		}
	}
	return true
}

// oppositionCheck is the structured answer of the contradiction oracle.
type oppositionCheck struct {
	Contradicts          bool    `json:"contradicts" jsonschema:"description=True when the two statements assert incompatible claims"`
	Confidence           float64 `json:"confidence" jsonschema:"description=Confidence in the verdict between 0 and 1"`
	Explanation          string  `json:"explanation" jsonschema:"description=One or two sentences explaining the verdict"`
	ResolutionSuggestion string  `json:"resolution_suggestion" jsonschema:"description=One sentence suggesting how the participants could reconcile the claims"`
}

// detectContradictions finds prior messages semantically close to the
// new one and runs the opposition check on each candidate pair.
func (p *Pipeline) detectContradictions(ctx context.Context, msg model.Message, embedded *pgvector.Vector) error {
	type candidate struct {
		prior      model.Message
		similarity float64
	}
	var candidates []candidate

	if embedded != nil {
		neighbors, err := p.store.NearestMessages(ctx, msg.ConversationID, *embedded,
			msg.SequenceNumber, p.cfg.CandidateK, p.cfg.SimilarityThreshold)
		if err != nil {
			return err
		}
		for _, n := range neighbors {
			prior, err := p.store.GetMessage(ctx, n.MessageID)
			if err != nil {
				return err
			}
			candidates = append(candidates, candidate{prior: prior, similarity: n.Similarity})
		}
	} else {
		// Text-only mode: shingle similarity over the lookback window.
		recent, err := p.store.RecentMessages(ctx, msg.ConversationID, p.cfg.LoopLookback)
		if err != nil {
			return err
		}
		for _, prior := range recent {
			if prior.SequenceNumber >= msg.SequenceNumber || prior.Role != model.RoleAssistant {
				continue
			}
			if sim := textSimilarity(prior.Content, msg.Content); sim >= p.cfg.SimilarityThreshold {
				candidates = append(candidates, candidate{prior: prior, similarity: sim})
				if len(candidates) >= p.cfg.CandidateK {
					break
				}
			}
		}
	}

	for _, cand := range candidates {
		check, err := p.checkOpposition(ctx, cand.prior.Content, msg.Content)
		if err != nil {
			p.logger.Warn("analysis: opposition check failed", "error", err)
			continue
		}
		if !check.Contradicts {
			continue
		}

		severity := model.ClassifySeverity(cand.similarity, check.Confidence)
		if !p.hasOracle() {
			// A similarity-only verdict is a hint, not a finding.
			severity = model.SeverityLow
		}
		stored, created, err := p.store.InsertContradiction(ctx, model.Contradiction{
			ConversationID:       msg.ConversationID,
			MessageAID:           cand.prior.ID,
			MessageBID:           msg.ID,
			Severity:             severity,
			Confidence:           check.Confidence,
			Similarity:           cand.similarity,
			StatementA:           cand.prior.Content,
			StatementB:           msg.Content,
			Explanation:          check.Explanation,
			ResolutionSuggestion: check.ResolutionSuggestion,
		})
		if err != nil {
			return err
		}
		if !created {
			continue
		}
		p.events.Publish(msg.ConversationID, model.EventContradictionFound, map[string]any{
			"contradiction_id": stored.ID,
			"severity":         stored.Severity,
			"confidence":       stored.Confidence,
			"similarity":       stored.Similarity,
			"message_a_id":     stored.MessageAID,
			"message_b_id":     stored.MessageBID,
		})
	}
	return nil
}

func (p *Pipeline) hasOracle() bool {
	return p.oracle != nil && p.cfg.OracleModel != ""
}

// checkOpposition asks the oracle whether two statements contradict.
// Without an oracle the pair is treated as contradictory with modest
// confidence, so text-only deployments still surface candidates; those
// verdicts are capped at low severity by the caller.
func (p *Pipeline) checkOpposition(ctx context.Context, a, b string) (oppositionCheck, error) {
	if !p.hasOracle() {
		return oppositionCheck{Contradicts: true, Confidence: 0.5, Explanation: "high semantic similarity with no oracle configured"}, nil
	}
	req := provider.Request{
		Model:     p.cfg.OracleModel,
		MaxTokens: 300,
		System:    "You judge whether two debate statements contradict each other.",
		Messages: []provider.Message{{
			Role: "user",
			Content: fmt.Sprintf(
				"Do these two statements contradict each other?\n\nStatement A:\n%s\n\nStatement B:\n%s", a, b),
		}},
	}
	out, _, err := provider.Structured[oppositionCheck](ctx, p.oracle, req)
	return out, err
}

// detectLoops runs pattern detection over the conversation tail and
// persists any hits.
func (p *Pipeline) detectLoops(ctx context.Context, msg model.Message) error {
	recent, err := p.store.RecentMessages(ctx, msg.ConversationID, p.cfg.LoopLookback)
	if err != nil {
		return err
	}
	// Only debate turns participate in pattern detection.
	assistant := recent[:0]
	for _, m := range recent {
		if m.Role == model.RoleAssistant {
			assistant = append(assistant, m)
		}
	}

	for _, raw := range findLoops(assistant) {
		stored, created, err := p.store.UpsertLoop(ctx, model.ConversationLoop{
			ConversationID:  msg.ConversationID,
			PatternHash:     raw.PatternHash,
			Description:     raw.Description,
			LoopSize:        raw.Size,
			RepetitionCount: raw.Repetitions,
			FirstMessageID:  raw.First.ID,
			LastMessageID:   raw.Last.ID,
		})
		if err != nil {
			return err
		}

		if stored.RepetitionCount >= interventionRepetitions && stored.Intervention == nil {
			intervention := p.synthesizeIntervention(ctx, stored.Description)
			if err := p.store.UpdateLoopStatus(ctx, stored.ID, model.LoopDetected, &intervention); err != nil {
				return err
			}
			stored.Intervention = &intervention
		}

		payload := map[string]any{
			"loop_id":          stored.ID,
			"pattern_hash":     stored.PatternHash,
			"loop_size":        stored.LoopSize,
			"repetition_count": stored.RepetitionCount,
			"new":              created,
		}
		if stored.Intervention != nil {
			payload["intervention"] = *stored.Intervention
		}
		p.events.Publish(msg.ConversationID, model.EventLoopDetected, payload)
	}
	return nil
}

// synthesizeIntervention asks the oracle for a redirection prompt; falls
// back to a canned suggestion when the call fails.
func (p *Pipeline) synthesizeIntervention(ctx context.Context, description string) string {
	if p.oracle == nil || p.cfg.OracleModel == "" {
		return fallbackIntervention(description)
	}
	text, _, err := p.oracle.Complete(ctx, provider.Request{
		Model:     p.cfg.OracleModel,
		MaxTokens: 200,
		System:    "You moderate a debate between AI participants.",
		Messages: []provider.Message{{
			Role: "user",
			Content: fmt.Sprintf(
				"The debate is stuck: %s. Write one short neutral moderator message that redirects the discussion to unexplored ground.",
				description),
		}},
	})
	if err != nil || text == "" {
		return fallbackIntervention(description)
	}
	return text
}

// extractMessageCitations stores source links found in the message.
func (p *Pipeline) extractMessageCitations(ctx context.Context, msg model.Message) error {
	citations := extractCitations(msg)
	if len(citations) == 0 {
		return nil
	}
	return p.store.InsertCitations(ctx, msg.ID, citations)
}

// scoreHealth computes a composite sample, persists it, caches the
// score on the conversation, and publishes the update.
func (p *Pipeline) scoreHealth(ctx context.Context, msg model.Message) error {
	sims, err := p.store.ConsecutiveSimilarities(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	if len(sims) == 0 {
		// Text-only mode: approximate with shingle similarity.
		recent, err := p.store.RecentMessages(ctx, msg.ConversationID, p.cfg.LoopLookback)
		if err != nil {
			return err
		}
		for i := 1; i < len(recent); i++ {
			sims = append(sims, textSimilarity(recent[i-1].Content, recent[i].Content))
		}
	}

	openCounts, err := p.store.UnresolvedContradictionCounts(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	activeLoops, err := p.store.ActiveLoopCount(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	coherence := coherenceScore(sims)
	contradiction := contradictionScore(openCounts)
	loop := loopScore(activeLoops)
	citation := citationScore(0, 0)
	overall := composeHealth(coherence, contradiction, loop, citation)

	openTotal := 0
	for _, n := range openCounts {
		openTotal += n
	}
	sample, err := p.store.InsertHealthSample(ctx, model.HealthSample{
		ConversationID:     msg.ConversationID,
		Overall:            overall,
		Coherence:          coherence,
		ContradictionScore: contradiction,
		LoopScore:          loop,
		Citation:           citation,
		MessageCount:       msg.SequenceNumber + 1,
		ContradictionCount: openTotal,
		LoopCount:          activeLoops,
	})
	if err != nil {
		return err
	}
	if err := p.store.UpdateConversationHealth(ctx, msg.ConversationID, overall); err != nil {
		return err
	}

	p.events.Publish(msg.ConversationID, model.EventHealthUpdate, map[string]any{
		"score":  sample.Overall,
		"status": model.StatusForScore(sample.Overall),
		"breakdown": map[string]any{
			"coherence":     sample.Coherence,
			"contradiction": sample.ContradictionScore,
			"loop":          sample.LoopScore,
			"citation":      sample.Citation,
		},
	})
	return nil
}
