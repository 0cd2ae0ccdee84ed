package server

import (
	"errors"
	"net/http"

	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/storage"
)

// HandleGetQuality handles GET /v1/conversations/{id}/quality.
// It reads the latest persisted health sample; a conversation with no
// samples yet reports a neutral score.
func (h *Handlers) HandleGetQuality(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}

	sample, err := h.db.LatestHealthSample(r.Context(), conv.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.logger.Error("load health sample failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not load quality metrics")
		return
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

	writeJSON(w, r, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"overall":         sample.Overall,
		"status":          model.StatusForScore(sample.Overall),
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
	})
}

// HandleListContradictions handles
// GET /v1/conversations/{id}/contradictions?status=&severity=&acknowledged=&page=&page_size=.
func (h *Handlers) HandleListContradictions(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	status := r.URL.Query().Get("status")
	severity := model.Severity(r.URL.Query().Get("severity"))
	acknowledged := r.URL.Query().Get("acknowledged")
	if acknowledged != "" && acknowledged != "true" && acknowledged != "false" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "acknowledged must be true or false")
		return
	}

	rows, err := h.db.ListContradictions(r.Context(), conv.ID, status == "unresolved")
	if err != nil {
		h.logger.Error("list contradictions failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not list contradictions")
		return
	}

	filtered := rows[:0]
	for _, c := range rows {
		if status == "resolved" && !c.Resolved {
			continue
		}
		if severity != "" && c.Severity != severity {
			continue
		}
		if acknowledged != "" && c.Acknowledged != (acknowledged == "true") {
			continue
		}
		filtered = append(filtered, c)
	}

	page := max(queryInt(r, "page", 1), 1)
	pageSize := clampLimit(queryInt(r, "page_size", 50))
	offset := (page - 1) * pageSize
	paged := paginate(filtered, offset, pageSize)
	writeList(w, r, paged, len(filtered), pageSize, offset)
}

// HandleResolveContradiction handles POST /v1/contradictions/{id}/resolve.
// Idempotent: resolving an already resolved contradiction updates the
// note and returns the row.
func (h *Handlers) HandleResolveContradiction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid contradiction id")
		return
	}
	req := model.ResolveContradictionRequest{Resolved: true}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	row, err := h.db.ResolveContradiction(r.Context(), id, req.Resolved, req.Note)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "contradiction not found")
			return
		}
		h.logger.Error("resolve contradiction failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not resolve contradiction")
		return
	}
	writeJSON(w, r, http.StatusOK, row)
}

// HandleListLoops handles
// GET /v1/conversations/{id}/loops?status=&min_repetitions=.
func (h *Handlers) HandleListLoops(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	status := model.InterventionStatus(r.URL.Query().Get("status"))
	minReps := queryInt(r, "min_repetitions", 0)

	rows, err := h.db.ListLoops(r.Context(), conv.ID)
	if err != nil {
		h.logger.Error("list loops failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not list loops")
		return
	}

	filtered := rows[:0]
	for _, l := range rows {
		if status != "" && l.InterventionStatus != status {
			continue
		}
		if l.RepetitionCount < minReps {
			continue
		}
		filtered = append(filtered, l)
	}

	limit := clampLimit(queryInt(r, "limit", 50))
	offset := max(queryInt(r, "offset", 0), 0)
	writeList(w, r, paginate(filtered, offset, limit), len(filtered), limit, offset)
}

// HandleHealthHistory handles
// GET /v1/conversations/{id}/health-history?limit=.
func (h *Handlers) HandleHealthHistory(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	limit := clampLimit(queryInt(r, "limit", 50))

	rows, err := h.db.ListHealthSamples(r.Context(), conv.ID, limit)
	if err != nil {
		h.logger.Error("list health samples failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not load health history")
		return
	}
	writeList(w, r, rows, len(rows), limit, 0)
}

// HandleListCitations handles GET /v1/conversations/{id}/citations.
func (h *Handlers) HandleListCitations(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	rows, err := h.db.ListCitations(r.Context(), conv.ID)
	if err != nil {
		h.logger.Error("list citations failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not list citations")
		return
	}
	writeList(w, r, rows, len(rows), len(rows), 0)
}

// paginate returns the window [offset, offset+limit) of items.
func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
