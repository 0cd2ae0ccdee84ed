package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/agora-ai/agora/internal/model"
)

// HandleStreamEvents handles GET /v1/debates/{id}/events (SSE).
//
// Events carry the bus sequence as the SSE id, so a reconnecting client
// sends Last-Event-ID and replay resumes from the ring buffer. When the
// requested position has been evicted the client gets one
// lifecycle.resync event and must reload state via the read APIs before
// trusting the live tail. Client disconnects never affect the debate.
func (h *Handlers) HandleStreamEvents(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	afterSeq := int64(-1)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid Last-Event-ID")
			return
		}
		afterSeq = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived connection: the server WriteTimeout must not apply.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	sub := h.events.Subscribe(conv.ID, afterSeq)
	defer sub.Close()

	if sub.Resync {
		// The resync event carries the newest sequence so the client's
		// cursor never moves backwards; a resync implies the ring has
		// already advanced past the requested position.
		resync := model.Event{
			Seq:            uint64(sub.NewestSeq),
			ConversationID: conv.ID,
			Kind:           model.EventLifecycleResync,
			At:             time.Now().UTC(),
			Payload:        map[string]any{"status": conv.Status, "current_round": conv.CurrentRound},
		}
		if !writeSSE(w, flusher, resync) {
			return
		}
	}
	for _, ev := range sub.Replay {
		if !writeSSE(w, flusher, ev) {
			return
		}
	}

	keepalive := time.NewTicker(h.heartbeatInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.Done:
			return
		case ev := <-sub.Live:
			if !writeSSE(w, flusher, ev) {
				return
			}
		}
	}
}

// writeSSE writes one event in wire format: id, event, then a
// single-line JSON data field.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev model.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	var buf []byte
	buf = append(buf, "id: "...)
	buf = strconv.AppendUint(buf, ev.Seq, 10)
	buf = append(buf, "\nevent: "...)
	buf = append(buf, string(ev.Kind)...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	if _, err := w.Write(buf); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
