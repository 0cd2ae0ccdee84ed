package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/agora-ai/agora/internal/bus"
	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/orchestrator"
	"github.com/agora-ai/agora/internal/search"
	"github.com/agora-ai/agora/internal/storage"
)

// Store is the persistence surface the handlers need. *storage.DB
// satisfies it.
type Store interface {
	CreateConversation(ctx context.Context, c model.Conversation) (model.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error)
	ListConversations(ctx context.Context, status model.ConversationStatus, limit, offset int) ([]model.Conversation, int, error)
	DeleteConversation(ctx context.Context, id uuid.UUID) error
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]model.Message, error)
	MessagesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Message, error)
	ListContradictions(ctx context.Context, conversationID uuid.UUID, unresolvedOnly bool) ([]model.Contradiction, error)
	ResolveContradiction(ctx context.Context, id uuid.UUID, resolved bool, note *string) (model.Contradiction, error)
	ListLoops(ctx context.Context, conversationID uuid.UUID) ([]model.ConversationLoop, error)
	ListHealthSamples(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.HealthSample, error)
	LatestHealthSample(ctx context.Context, conversationID uuid.UUID) (model.HealthSample, error)
	ListCitations(ctx context.Context, conversationID uuid.UUID) ([]model.Citation, error)
	Ping(ctx context.Context) error
}

// Controller is the live-debate control surface. *orchestrator.Manager
// satisfies it.
type Controller interface {
	Start(conv model.Conversation) error
	Pause(id uuid.UUID) error
	Resume(id uuid.UUID, overrideCritical bool) error
	Stop(id uuid.UUID) error
	Running(id uuid.UUID) bool
}

// ModelChecker validates that a model name routes to a configured
// provider. *provider.Registry satisfies it.
type ModelChecker interface {
	Supported(model string) bool
}

// Embedder turns query text into a vector for transcript search.
// embedding.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  Store
	controller          Controller
	events              *bus.Bus
	models              ModelChecker
	searcher            search.Searcher
	embedder            Embedder
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	heartbeatInterval   time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Models, Searcher, Embedder.
type HandlersDeps struct {
	DB                  Store
	Controller          Controller
	Events              *bus.Bus
	Models              ModelChecker
	Searcher            search.Searcher
	Embedder            Embedder
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	HeartbeatInterval   time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = 15 * time.Second
	}
	return &Handlers{
		db:                  d.DB,
		controller:          d.Controller,
		events:              d.Events,
		models:              d.Models,
		searcher:            d.Searcher,
		embedder:            d.Embedder,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		heartbeatInterval:   d.HeartbeatInterval,
	}
}

// HandleCreateDebate handles POST /v1/debates.
func (h *Handlers) HandleCreateDebate(w http.ResponseWriter, r *http.Request) {
	var req model.CreateDebateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	participants := make([]model.Participant, len(req.Participants))
	for i, p := range req.Participants {
		if h.models != nil && !h.models.Supported(p.Model) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"no provider configured for model "+p.Model)
			return
		}
		participant := model.Participant{
			Index:        i,
			Name:         p.Name,
			Model:        p.Model,
			SystemPrompt: p.SystemPrompt,
			Temperature:  model.DefaultTemperature,
			MaxTokens:    model.DefaultMaxTokens,
		}
		if p.Temperature != nil {
			participant.Temperature = *p.Temperature
		}
		if p.MaxTokens != nil {
			participant.MaxTokens = *p.MaxTokens
		}
		participants[i] = participant
	}

	conv, err := h.db.CreateConversation(r.Context(), model.Conversation{
		ID:                   uuid.New(),
		Topic:                req.Topic,
		Participants:         participants,
		MaxRounds:            req.MaxRounds,
		ContextWindowRounds:  req.ContextWindowRounds,
		CostWarningThreshold: req.CostWarningThreshold,
		JudgeModel:           req.JudgeModel,
		JudgeCadence:         req.JudgeCadence,
		Status:               model.StatusCreated,
	})
	if err != nil {
		h.logger.Error("create debate failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not create debate")
		return
	}

	if req.AutoStart {
		if err := h.controller.Start(conv); err != nil {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
			return
		}
		conv.Status = model.StatusRunning
	}
	writeJSON(w, r, http.StatusCreated, conv)
}

// HandleStartDebate handles POST /v1/debates/{id}/start.
func (h *Handlers) HandleStartDebate(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	if err := h.controller.Start(conv); err != nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"id":     conv.ID,
		"status": model.StatusRunning,
	})
}

// HandlePauseDebate handles POST /v1/debates/{id}/pause.
func (h *Handlers) HandlePauseDebate(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid debate id")
		return
	}
	if err := h.controller.Pause(id); err != nil {
		h.writeControlError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"id": id, "status": model.StatusPaused})
}

// HandleResumeDebate handles POST /v1/debates/{id}/resume.
func (h *Handlers) HandleResumeDebate(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid debate id")
		return
	}
	var req model.ResumeDebateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}
	if err := h.controller.Resume(id, req.OverrideCriticalCost); err != nil {
		if errors.Is(err, orchestrator.ErrCriticalCostPause) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
			return
		}
		h.writeControlError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"id": id, "status": model.StatusRunning})
}

// HandleStopDebate handles POST /v1/debates/{id}/stop.
func (h *Handlers) HandleStopDebate(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid debate id")
		return
	}
	if err := h.controller.Stop(id); err != nil {
		h.writeControlError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"id": id, "status": model.StatusCompleted})
}

func (h *Handlers) writeControlError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, orchestrator.ErrNotRunning) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "debate is not running")
		return
	}
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
}

// HandleGetDebate handles GET /v1/debates/{id}.
func (h *Handlers) HandleGetDebate(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, conv)
}

// HandleListConversations handles GET /v1/conversations.
func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(queryInt(r, "limit", 50))
	offset := max(queryInt(r, "offset", 0), 0)
	status := model.ConversationStatus(r.URL.Query().Get("status"))

	rows, total, err := h.db.ListConversations(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("list conversations failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not list conversations")
		return
	}
	writeList(w, r, rows, total, limit, offset)
}

// HandleDeleteConversation handles DELETE /v1/conversations/{id}.
// Deleting a live debate stops it first.
func (h *Handlers) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conversation id")
		return
	}
	if h.controller.Running(id) {
		_ = h.controller.Stop(id)
	}
	if err := h.db.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "conversation not found")
			return
		}
		h.logger.Error("delete conversation failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not delete conversation")
		return
	}
	h.events.Drop(id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleListMessages handles GET /v1/conversations/{id}/messages.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conversation id")
		return
	}
	limit := clampLimit(queryInt(r, "limit", 100))
	offset := max(queryInt(r, "offset", 0), 0)

	msgs, err := h.db.ListMessages(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("list messages failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not list messages")
		return
	}
	writeList(w, r, msgs, offset+len(msgs), limit, offset)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, r, httpStatus, map[string]any{
		"status":         status,
		"postgres":       pgStatus,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handlers) loadConversation(w http.ResponseWriter, r *http.Request) (model.Conversation, bool) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid debate id")
		return model.Conversation{}, false
	}
	conv, err := h.db.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "debate not found")
			return model.Conversation{}, false
		}
		h.logger.Error("get conversation failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not load debate")
		return model.Conversation{}, false
	}
	return conv, true
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > 500 {
		return 500
	}
	return limit
}
