package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-ai/agora/internal/bus"
	"github.com/agora-ai/agora/internal/model"
)

// streamEvents runs the SSE handler against a cancelable request and
// returns the raw body once the handler exits.
func streamEvents(t *testing.T, srv *Server, path, lastEventID string, during func(cancel context.CancelFunc)) string {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Handler().ServeHTTP(rec, req)
	}()
	during(cancel)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream handler did not exit after cancel")
	}
	return rec.Body.String()
}

func TestStreamEventsReplayAndLive(t *testing.T) {
	store := newMemStore()
	events := bus.New(32, 16)
	srv := newTestServer(store, &fakeController{}, events)
	conv := seedConversation(store)

	events.Publish(conv.ID, model.EventLifecycleReady, nil)                               // seq 0
	events.Publish(conv.ID, model.EventTurnStarted, map[string]any{"participant": "Ada"}) // seq 1

	body := streamEvents(t, srv, "/v1/debates/"+conv.ID.String()+"/events", "0",
		func(cancel context.CancelFunc) {
			// Let the handler subscribe and drain the replay first.
			time.Sleep(100 * time.Millisecond)
			events.Publish(conv.ID, model.EventTurnCompleted, map[string]any{"participant": "Ada"})
			time.Sleep(100 * time.Millisecond)
			cancel()
		})

	// Replay resumes after the acknowledged id, so seq 0 is skipped.
	assert.NotContains(t, body, "event: lifecycle.ready")
	assert.Contains(t, body, "id: 1\nevent: turn.started\n")
	assert.Contains(t, body, "id: 2\nevent: turn.completed\n")
	assert.Contains(t, body, `"participant":"Ada"`)
	assert.NotContains(t, body, "lifecycle.resync")
}

func TestStreamEventsResyncOnEvictedPosition(t *testing.T) {
	store := newMemStore()
	events := bus.New(2, 16) // tiny ring so early events evict fast
	srv := newTestServer(store, &fakeController{}, events)
	conv := seedConversation(store)
	conv.Status = model.StatusRunning
	conv.CurrentRound = 4
	store.conversations[conv.ID] = conv

	for range 8 {
		events.Publish(conv.ID, model.EventTokenDelta, nil)
	}

	body := streamEvents(t, srv, "/v1/debates/"+conv.ID.String()+"/events", "0",
		func(cancel context.CancelFunc) {
			time.Sleep(100 * time.Millisecond)
			cancel()
		})

	// The resync event carries the newest sequence seen so far, so the
	// reconnecting client's cursor never moves backwards.
	require.Contains(t, body, "id: 7\nevent: lifecycle.resync\n")
	assert.Contains(t, body, `"status":"running"`)
	assert.Contains(t, body, `"current_round":4`)
}

func TestStreamEventsInvalidLastEventID(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &fakeController{}, bus.New(16, 16))
	conv := seedConversation(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/debates/"+conv.ID.String()+"/events", nil)
	req.Header.Set("Last-Event-ID", "not-a-number")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEventsUnknownDebate(t *testing.T) {
	srv := newTestServer(newMemStore(), &fakeController{}, bus.New(16, 16))

	req := httptest.NewRequest(http.MethodGet, "/v1/debates/"+uuid.NewString()+"/events", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEventsWireFormat(t *testing.T) {
	store := newMemStore()
	events := bus.New(16, 16)
	srv := newTestServer(store, &fakeController{}, events)
	conv := seedConversation(store)

	events.Publish(conv.ID, model.EventLifecycleReady, nil)

	body := streamEvents(t, srv, "/v1/debates/"+conv.ID.String()+"/events", "",
		func(cancel context.CancelFunc) {
			time.Sleep(100 * time.Millisecond)
			events.Publish(conv.ID, model.EventRoundCompleted, map[string]any{"round": 1})
			time.Sleep(100 * time.Millisecond)
			cancel()
		})

	lines := strings.Split(body, "\n")
	var idLine, eventLine, dataLine string
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "id: "):
			idLine = l
		case strings.HasPrefix(l, "event: "):
			eventLine = l
		case strings.HasPrefix(l, "data: "):
			dataLine = l
		}
	}
	assert.Equal(t, "id: 1", idLine)
	assert.Equal(t, "event: round.completed", eventLine)
	assert.Contains(t, dataLine, `"round":1`)
}
