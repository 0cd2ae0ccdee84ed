// Package orchestrator runs debates. Each live debate is one goroutine
// driving a small state machine: dispatch a turn, stream it, finalize
// it, check the round, maybe judge, repeat until max rounds or a
// terminal command.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/provider"
	"github.com/agora-ai/agora/internal/storage"
	"github.com/agora-ai/agora/internal/tokens"
)

// Store is the persistence surface the orchestrator needs. *storage.DB
// satisfies it.
type Store interface {
	InsertMessage(ctx context.Context, m model.Message) (model.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]model.Message, error)
	MessagesSinceRound(ctx context.Context, conversationID uuid.UUID, fromRound int) ([]model.Message, error)
	UpdateConversationStatus(ctx context.Context, id uuid.UUID, status model.ConversationStatus) error
	UpdateConversationProgress(ctx context.Context, id uuid.UUID, p storage.ConversationProgress) error
}

// Providers streams turns and runs the judge. *provider.Registry
// satisfies it.
type Providers interface {
	Stream(ctx context.Context, req provider.Request) (provider.Stream, error)
	Complete(ctx context.Context, req provider.Request) (string, provider.Usage, error)
}

// Publisher is the event-bus surface. The bus satisfies it.
type Publisher interface {
	Publish(conversationID uuid.UUID, kind model.EventKind, payload map[string]any) model.Event
}

// Analyzer receives each finalized message. The quality pipeline
// satisfies it; calls run fire-and-forget.
type Analyzer interface {
	OnMessage(ctx context.Context, msg model.Message)
}

// Config tunes per-debate behavior.
type Config struct {
	// TurnDeadline is the wall clock budget from turn start to the
	// terminal delta. Expiry counts as a transport transient.
	TurnDeadline time.Duration
	// ContextTokenCap bounds prompt input tokens per turn.
	ContextTokenCap int
	// JudgeModel is the fallback when a conversation names no judge.
	JudgeModel string
}

func (c *Config) defaults() {
	if c.TurnDeadline <= 0 {
		c.TurnDeadline = 120 * time.Second
	}
	if c.ContextTokenCap <= 0 {
		c.ContextTokenCap = defaultContextTokenCap
	}
}

// ErrCriticalCostPause is returned by resume when the debate paused on a
// critical cost warning and the override flag was not set.
var ErrCriticalCostPause = errors.New("orchestrator: debate paused at critical cost, resume requires override_critical_cost")

// errStopped is the internal signal that a stop command cancelled the
// in-flight turn.
var errStopped = errors.New("orchestrator: stopped")

// debate is one running debate task. Control requests land as flags
// under mu; the run goroutine observes them at turn boundaries and owns
// everything else, including all event publishing, so event order
// within the debate is total.
type debate struct {
	conv      model.Conversation
	store     Store
	providers Providers
	analyzer  Analyzer
	events    Publisher
	counter   *tokens.Counter
	logger    *slog.Logger
	cfg       Config

	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu               sync.Mutex
	pauseReq         bool
	stopReq          bool
	pausedOnCritical bool
	overridePending  bool

	// Run-goroutine state.
	paused   bool
	lastWarn tokens.WarningLevel
}

// requestPause asks the run loop to pause at the next turn boundary.
func (d *debate) requestPause() {
	d.mu.Lock()
	d.pauseReq = true
	d.mu.Unlock()
}

// requestResume clears the pause. A critical-cost pause needs the
// override flag, which also arms a one-shot bypass of the next
// critical check.
func (d *debate) requestResume(overrideCritical bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pausedOnCritical && !overrideCritical {
		return ErrCriticalCostPause
	}
	if d.pausedOnCritical {
		d.overridePending = true
	}
	d.pauseReq = false
	d.pausedOnCritical = false
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// requestStop cancels the in-flight turn and marks the debate stopping.
// Idempotent.
func (d *debate) requestStop() {
	d.mu.Lock()
	d.stopReq = true
	d.mu.Unlock()
	d.cancel()
}

func (d *debate) isStopping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopReq
}

// run drives the debate to a terminal state. It owns the conversation
// row for its lifetime.
func (d *debate) run(ctx context.Context) {
	defer close(d.done)

	d.events.Publish(d.conv.ID, model.EventLifecycleReady, map[string]any{
		"topic":        d.conv.Topic,
		"participants": d.conv.Participants,
		"max_rounds":   d.conv.MaxRounds,
	})
	if err := d.setStatus(ctx, model.StatusRunning); err != nil {
		d.fail(ctx, "persistence_fatal", err)
		return
	}
	d.events.Publish(d.conv.ID, model.EventLifecycleRunning, map[string]any{
		"round": d.conv.CurrentRound,
	})

	n := len(d.conv.Participants)

	// Rounds are zero-based: the first turn.started carries round 0.
	for d.conv.CurrentRound < d.conv.MaxRounds {
		for d.conv.CurrentTurn < n {
			if !d.checkpoint(ctx) {
				d.complete(ctx)
				return
			}

			p := d.conv.Participants[d.conv.CurrentTurn]
			msg, err := d.dispatchTurn(ctx, p)
			if err != nil {
				if errors.Is(err, errStopped) || d.isStopping() {
					d.complete(ctx)
					return
				}
				d.fail(ctx, errorKind(err), err)
				return
			}

			d.conv.CurrentTurn++
			if err := d.persistProgress(ctx); err != nil {
				d.fail(ctx, "persistence_fatal", err)
				return
			}
			go d.analyzer.OnMessage(context.WithoutCancel(ctx), msg)

			if !d.governCost(ctx) {
				d.complete(ctx)
				return
			}
		}

		d.events.Publish(d.conv.ID, model.EventRoundCompleted, map[string]any{
			"round":    d.conv.CurrentRound,
			"of_total": d.conv.MaxRounds,
		})

		final := d.conv.CurrentRound == d.conv.MaxRounds-1
		if d.shouldJudge(final) {
			d.runJudge(ctx, final)
		}

		d.conv.CurrentRound++
		d.conv.CurrentTurn = 0
		if err := d.persistProgress(ctx); err != nil {
			d.fail(ctx, "persistence_fatal", err)
			return
		}
	}

	d.complete(ctx)
}

// checkpoint applies pending control flags at a turn boundary and
// blocks while paused. It returns false when the debate should
// terminate.
func (d *debate) checkpoint(ctx context.Context) bool {
	for {
		d.mu.Lock()
		stop := d.stopReq
		pause := d.pauseReq
		d.mu.Unlock()

		if stop || ctx.Err() != nil {
			return false
		}
		if !pause {
			if d.paused {
				d.paused = false
				d.setStatusLogged(ctx, model.StatusRunning)
				d.events.Publish(d.conv.ID, model.EventLifecycleRunning, map[string]any{
					"round": d.conv.CurrentRound,
				})
			}
			return true
		}
		if !d.paused {
			d.paused = true
			d.setStatusLogged(ctx, model.StatusPaused)
			d.events.Publish(d.conv.ID, model.EventLifecyclePaused, map[string]any{
				"round": d.conv.CurrentRound,
			})
		}
		select {
		case <-d.wake:
		case <-ctx.Done():
		}
	}
}

// governCost evaluates the warning level after a finalized turn,
// publishes level transitions, and pauses the debate at critical.
// Returns false when the debate should terminate.
func (d *debate) governCost(ctx context.Context) bool {
	level := tokens.Warning(d.conv.TotalCost, d.conv.CostWarningThreshold)
	if level != d.lastWarn && level != tokens.WarnNone {
		d.events.Publish(d.conv.ID, model.EventCostWarning, map[string]any{
			"level":      level,
			"total_cost": d.conv.TotalCost,
			"threshold":  d.conv.CostWarningThreshold,
		})
	}
	d.lastWarn = level

	if level == tokens.WarnCritical {
		d.mu.Lock()
		if d.overridePending {
			d.overridePending = false
			d.mu.Unlock()
			return true
		}
		d.pauseReq = true
		d.pausedOnCritical = true
		d.mu.Unlock()

		d.paused = true
		d.setStatusLogged(ctx, model.StatusPaused)
		d.events.Publish(d.conv.ID, model.EventLifecyclePaused, map[string]any{
			"round":  d.conv.CurrentRound,
			"reason": "cost_critical",
		})
		return d.checkpoint(ctx)
	}
	return true
}

func (d *debate) shouldJudge(final bool) bool {
	if d.judgeModel() == "" {
		return false
	}
	switch d.conv.JudgeCadence {
	case model.CadenceEachRound:
		return true
	case model.CadenceFinal:
		return final
	default:
		return false
	}
}

func (d *debate) judgeModel() string {
	if d.conv.JudgeModel != nil && *d.conv.JudgeModel != "" {
		return *d.conv.JudgeModel
	}
	if d.conv.JudgeCadence == model.CadenceNever {
		return ""
	}
	return d.cfg.JudgeModel
}

func (d *debate) setStatus(ctx context.Context, s model.ConversationStatus) error {
	d.conv.Status = s
	return d.store.UpdateConversationStatus(ctx, d.conv.ID, s)
}

// setStatusLogged is for control transitions where a status write
// failure must not kill the debate.
func (d *debate) setStatusLogged(ctx context.Context, s model.ConversationStatus) {
	if err := d.setStatus(ctx, s); err != nil {
		d.logger.Error("orchestrator: status update failed", "status", s, "error", err)
	}
}

func (d *debate) persistProgress(ctx context.Context) error {
	return d.store.UpdateConversationProgress(ctx, d.conv.ID, storage.ConversationProgress{
		CurrentRound:  d.conv.CurrentRound,
		CurrentTurn:   d.conv.CurrentTurn,
		TotalCost:     d.conv.TotalCost,
		TokensByModel: d.conv.TokensByModel,
		HealthScore:   d.conv.CurrentHealthScore,
	})
}

func (d *debate) complete(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	d.setStatusLogged(ctx, model.StatusCompleted)
	d.events.Publish(d.conv.ID, model.EventLifecycleCompleted, map[string]any{
		"rounds":     min(d.conv.CurrentRound, d.conv.MaxRounds),
		"total_cost": d.conv.TotalCost,
	})
}

func (d *debate) fail(ctx context.Context, kind string, err error) {
	ctx = context.WithoutCancel(ctx)
	d.logger.Error("orchestrator: debate failed", "conversation_id", d.conv.ID, "kind", kind, "error", err)
	d.setStatusLogged(ctx, model.StatusErrored)
	d.events.Publish(d.conv.ID, model.EventLifecycleError, map[string]any{
		"kind":    kind,
		"message": err.Error(),
	})
}

// errorKind maps an error to the machine-readable kind carried on
// lifecycle.error events.
func errorKind(err error) string {
	switch provider.KindOf(err) {
	case provider.KindRateLimit:
		return "provider_rate_limit"
	case provider.KindContextLength:
		return "provider_context_length"
	case provider.KindAuth:
		return "provider_auth"
	case provider.KindInvalid:
		return "provider_invalid"
	case provider.KindTransport:
		return "provider_transport"
	case provider.KindTimeout:
		return "provider_timeout"
	default:
		return "persistence_fatal"
	}
}
