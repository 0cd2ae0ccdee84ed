package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/search"
)

// HandleSearchMessages handles
// GET /v1/conversations/{id}/search?q=&limit=.
//
// The query text is embedded with the same provider that embeds debate
// messages, the vector index returns candidates, and results are
// re-scored by recency before hydration from Postgres.
func (h *Handlers) HandleSearchMessages(w http.ResponseWriter, r *http.Request) {
	if h.searcher == nil || h.embedder == nil {
		writeError(w, r, http.StatusNotImplemented, model.ErrCodeInvalidInput, "transcript search is not configured")
		return
	}
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query parameter q is required")
		return
	}
	limit := clampLimit(queryInt(r, "limit", 10))

	vec, err := h.embedder.Embed(r.Context(), query)
	if err != nil {
		h.logger.Error("embed search query failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not embed query")
		return
	}

	// Over-fetch so recency re-scoring has candidates to demote.
	results, err := h.searcher.Search(r.Context(), conv.ID, vec.Slice(), limit*3)
	if err != nil {
		h.logger.Error("transcript search failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "search failed")
		return
	}

	ids := make([]uuid.UUID, len(results))
	for i, res := range results {
		ids[i] = res.MessageID
	}
	messages, err := h.db.MessagesByIDs(r.Context(), ids)
	if err != nil {
		h.logger.Error("hydrate search results failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "search failed")
		return
	}

	scored := search.ReScore(results, messages, limit)
	writeList(w, r, scored, len(scored), limit, 0)
}
