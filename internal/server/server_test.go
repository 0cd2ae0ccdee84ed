package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-ai/agora/internal/bus"
	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/search"
	"github.com/agora-ai/agora/internal/storage"
)

type memStore struct {
	mu             sync.Mutex
	conversations  map[uuid.UUID]model.Conversation
	messages       map[uuid.UUID][]model.Message
	contradictions map[uuid.UUID]model.Contradiction
	loops          map[uuid.UUID][]model.ConversationLoop
	health         map[uuid.UUID][]model.HealthSample
	citations      map[uuid.UUID][]model.Citation
	pingErr        error
}

func newMemStore() *memStore {
	return &memStore{
		conversations:  map[uuid.UUID]model.Conversation{},
		messages:       map[uuid.UUID][]model.Message{},
		contradictions: map[uuid.UUID]model.Contradiction{},
		loops:          map[uuid.UUID][]model.ConversationLoop{},
		health:         map[uuid.UUID][]model.HealthSample{},
		citations:      map[uuid.UUID][]model.Citation{},
	}
}

func (s *memStore) CreateConversation(_ context.Context, c model.Conversation) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.CreatedAt = time.Now()
	s.conversations[c.ID] = c
	return c, nil
}

func (s *memStore) GetConversation(_ context.Context, id uuid.UUID) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStore) ListConversations(_ context.Context, status model.ConversationStatus, limit, offset int) ([]model.Conversation, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversation
	for _, c := range s.conversations {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	return out, len(out), nil
}

func (s *memStore) DeleteConversation(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.conversations, id)
	return nil
}

func (s *memStore) ListMessages(_ context.Context, id uuid.UUID, limit, offset int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id], nil
}

func (s *memStore) MessagesByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]model.Message)
	for _, msgs := range s.messages {
		for _, m := range msgs {
			for _, id := range ids {
				if m.ID == id {
					out[id] = m
				}
			}
		}
	}
	return out, nil
}

func (s *memStore) ListContradictions(_ context.Context, id uuid.UUID, unresolvedOnly bool) ([]model.Contradiction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Contradiction
	for _, c := range s.contradictions {
		if c.ConversationID != id {
			continue
		}
		if unresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) ResolveContradiction(_ context.Context, id uuid.UUID, resolved bool, note *string) (model.Contradiction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contradictions[id]
	if !ok {
		return model.Contradiction{}, storage.ErrNotFound
	}
	c.Resolved = resolved
	c.Acknowledged = true
	c.ResolutionNote = note
	s.contradictions[id] = c
	return c, nil
}

func (s *memStore) ListLoops(_ context.Context, id uuid.UUID) ([]model.ConversationLoop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops[id], nil
}

func (s *memStore) ListHealthSamples(_ context.Context, id uuid.UUID, limit int) ([]model.HealthSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health[id], nil
}

func (s *memStore) LatestHealthSample(_ context.Context, id uuid.UUID) (model.HealthSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.health[id]
	if len(rows) == 0 {
		return model.HealthSample{}, storage.ErrNotFound
	}
	return rows[len(rows)-1], nil
}

func (s *memStore) ListCitations(_ context.Context, id uuid.UUID) ([]model.Citation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.citations[id], nil
}

func (s *memStore) Ping(context.Context) error { return s.pingErr }

type fakeController struct {
	mu       sync.Mutex
	started  []uuid.UUID
	paused   []uuid.UUID
	stopped  []uuid.UUID
	startErr error
	ctrlErr  error
}

func (c *fakeController) Start(conv model.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = append(c.started, conv.ID)
	return nil
}

func (c *fakeController) Pause(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrlErr != nil {
		return c.ctrlErr
	}
	c.paused = append(c.paused, id)
	return nil
}

func (c *fakeController) Resume(id uuid.UUID, override bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrlErr
}

func (c *fakeController) Stop(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrlErr != nil {
		return c.ctrlErr
	}
	c.stopped = append(c.stopped, id)
	return nil
}

func (c *fakeController) Running(uuid.UUID) bool { return false }

type allModels struct{}

func (allModels) Supported(m string) bool { return !strings.HasPrefix(m, "unknown-") }

func newTestServer(store *memStore, ctrl *fakeController, events *bus.Bus) *Server {
	return New(ServerConfig{
		DB:                  store,
		Controller:          ctrl,
		Events:              events,
		Models:              allModels{},
		Logger:              slog.New(slog.DiscardHandler),
		MaxRequestBodyBytes: 1 << 20,
		HeartbeatInterval:   time.Hour,
	})
}

func seedConversation(store *memStore) model.Conversation {
	conv := model.Conversation{
		ID:    uuid.New(),
		Topic: "test topic",
		Participants: []model.Participant{
			{Index: 0, Name: "Ada", Model: "gpt-4o-mini"},
			{Index: 1, Name: "Bob", Model: "claude-3-5-haiku"},
		},
		MaxRounds: 3,
		Status:    model.StatusCreated,
	}
	store.conversations[conv.ID] = conv
	return conv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateDebate(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &fakeController{}, bus.New(16, 16))

	rec := doJSON(t, srv, http.MethodPost, "/v1/debates", model.CreateDebateRequest{
		Topic: "carbon tax",
		Participants: []model.ParticipantSpec{
			{Name: "Pro", Model: "gpt-4o-mini"},
			{Name: "Con", Model: "claude-3-5-haiku"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data model.Conversation `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "carbon tax", resp.Data.Topic)
	assert.Equal(t, model.StatusCreated, resp.Data.Status)
	assert.Equal(t, model.DefaultMaxRounds, resp.Data.MaxRounds)
	assert.Len(t, resp.Data.Participants, 2)
	assert.Equal(t, 1, len(store.conversations))
}

func TestCreateDebateValidation(t *testing.T) {
	srv := newTestServer(newMemStore(), &fakeController{}, bus.New(16, 16))

	// Too few participants.
	rec := doJSON(t, srv, http.MethodPost, "/v1/debates", model.CreateDebateRequest{
		Topic:        "solo",
		Participants: []model.ParticipantSpec{{Name: "Only", Model: "gpt-4o-mini"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unsupported model.
	rec = doJSON(t, srv, http.MethodPost, "/v1/debates", model.CreateDebateRequest{
		Topic: "bad model",
		Participants: []model.ParticipantSpec{
			{Name: "A", Model: "unknown-model"},
			{Name: "B", Model: "gpt-4o-mini"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
}

func TestStartDebate(t *testing.T) {
	store := newMemStore()
	ctrl := &fakeController{}
	srv := newTestServer(store, ctrl, bus.New(16, 16))
	conv := seedConversation(store)

	rec := doJSON(t, srv, http.MethodPost, "/v1/debates/"+conv.ID.String()+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ctrl.started, 1)
	assert.Equal(t, conv.ID, ctrl.started[0])
}

func TestStartUnknownDebate(t *testing.T) {
	srv := newTestServer(newMemStore(), &fakeController{}, bus.New(16, 16))
	rec := doJSON(t, srv, http.MethodPost, "/v1/debates/"+uuid.NewString()+"/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlEndpoints(t *testing.T) {
	store := newMemStore()
	ctrl := &fakeController{}
	srv := newTestServer(store, ctrl, bus.New(16, 16))
	conv := seedConversation(store)
	base := "/v1/debates/" + conv.ID.String()

	assert.Equal(t, http.StatusAccepted, doJSON(t, srv, http.MethodPost, base+"/pause", nil).Code)
	assert.Equal(t, http.StatusAccepted, doJSON(t, srv, http.MethodPost, base+"/resume",
		model.ResumeDebateRequest{OverrideCriticalCost: true}).Code)
	assert.Equal(t, http.StatusAccepted, doJSON(t, srv, http.MethodPost, base+"/stop", nil).Code)
	assert.Len(t, ctrl.paused, 1)
	assert.Len(t, ctrl.stopped, 1)
}

func TestDeleteConversation(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &fakeController{}, bus.New(16, 16))
	conv := seedConversation(store)

	rec := doJSON(t, srv, http.MethodDelete, "/v1/conversations/"+conv.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, store.conversations)

	rec = doJSON(t, srv, http.MethodDelete, "/v1/conversations/"+conv.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQualityNeutralWithoutSamples(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &fakeController{}, bus.New(16, 16))
	conv := seedConversation(store)

	rec := doJSON(t, srv, http.MethodGet, "/v1/conversations/"+conv.ID.String()+"/quality", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Overall float64            `json:"overall"`
			Status  model.HealthStatus `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 100.0, resp.Data.Overall)
	assert.Equal(t, model.HealthExcellent, resp.Data.Status)
}

func TestQualityReflectsLatestSample(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &fakeController{}, bus.New(16, 16))
	conv := seedConversation(store)
	store.health[conv.ID] = []model.HealthSample{
		{ConversationID: conv.ID, Overall: 90},
		{ConversationID: conv.ID, Overall: 62.5, Coherence: 50, ContradictionScore: 75, LoopScore: 60, Citation: 100},
	}

	rec := doJSON(t, srv, http.MethodGet, "/v1/conversations/"+conv.ID.String()+"/quality", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Overall    float64            `json:"overall"`
			Status     model.HealthStatus `json:"status"`
			Components map[string]float64 `json:"components"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 62.5, resp.Data.Overall)
	assert.Equal(t, model.HealthFair, resp.Data.Status)
	assert.Equal(t, 50.0, resp.Data.Components["coherence"])
}

func TestListContradictionsFilters(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &fakeController{}, bus.New(16, 16))
	conv := seedConversation(store)

	mk := func(sev model.Severity, resolved bool) {
		id := uuid.New()
		store.contradictions[id] = model.Contradiction{
			ID: id, ConversationID: conv.ID, Severity: sev, Resolved: resolved,
		}
	}
	mk(model.SeverityHigh, false)
	mk(model.SeverityLow, false)
	mk(model.SeverityHigh, true)

	rec := doJSON(t, srv, http.MethodGet,
		"/v1/conversations/"+conv.ID.String()+"/contradictions?severity=high", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data  []model.Contradiction `json:"data"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)

	rec = doJSON(t, srv, http.MethodGet,
		"/v1/conversations/"+conv.ID.String()+"/contradictions?status=unresolved", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
}

func TestListContradictionsAcknowledgedFilter(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &fakeController{}, bus.New(16, 16))
	conv := seedConversation(store)

	mk := func(acknowledged bool) {
		id := uuid.New()
		store.contradictions[id] = model.Contradiction{
			ID: id, ConversationID: conv.ID, Severity: model.SeverityMedium, Acknowledged: acknowledged,
		}
	}
	mk(true)
	mk(false)
	mk(false)

	var resp struct {
		Data  []model.Contradiction `json:"data"`
		Total int                   `json:"total"`
	}

	rec := doJSON(t, srv, http.MethodGet,
		"/v1/conversations/"+conv.ID.String()+"/contradictions?acknowledged=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)

	rec = doJSON(t, srv, http.MethodGet,
		"/v1/conversations/"+conv.ID.String()+"/contradictions?acknowledged=false", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)

	rec = doJSON(t, srv, http.MethodGet,
		"/v1/conversations/"+conv.ID.String()+"/contradictions?acknowledged=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveContradiction(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &fakeController{}, bus.New(16, 16))
	conv := seedConversation(store)
	cid := uuid.New()
	store.contradictions[cid] = model.Contradiction{ID: cid, ConversationID: conv.ID, Severity: model.SeverityHigh}

	note := "they reconciled in round 3"
	rec := doJSON(t, srv, http.MethodPost, "/v1/contradictions/"+cid.String()+"/resolve",
		model.ResolveContradictionRequest{Resolved: true, Note: &note})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.contradictions[cid].Resolved)

	// Idempotent: resolving again succeeds.
	rec = doJSON(t, srv, http.MethodPost, "/v1/contradictions/"+cid.String()+"/resolve",
		model.ResolveContradictionRequest{Resolved: true})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListLoopsFilters(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &fakeController{}, bus.New(16, 16))
	conv := seedConversation(store)
	store.loops[conv.ID] = []model.ConversationLoop{
		{ID: uuid.New(), ConversationID: conv.ID, RepetitionCount: 2, InterventionStatus: model.LoopDetected},
		{ID: uuid.New(), ConversationID: conv.ID, RepetitionCount: 5, InterventionStatus: model.LoopIntervened},
	}

	rec := doJSON(t, srv, http.MethodGet,
		"/v1/conversations/"+conv.ID.String()+"/loops?min_repetitions=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data  []model.ConversationLoop `json:"data"`
		Total int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, model.LoopIntervened, resp.Data[0].InterventionStatus)
}

type fixedEmbedder struct{ vec pgvector.Vector }

func (f fixedEmbedder) Embed(context.Context, string) (pgvector.Vector, error) {
	return f.vec, nil
}

type stubSearcher struct{ results []search.Result }

func (s stubSearcher) Search(context.Context, uuid.UUID, []float32, int) ([]search.Result, error) {
	return s.results, nil
}

func (stubSearcher) Healthy(context.Context) error { return nil }

func TestSearchMessages(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(store)
	msg := model.Message{
		ID: uuid.New(), ConversationID: conv.ID,
		ParticipantName: "Ada", Content: "Carbon pricing works.",
		CreatedAt: time.Now(),
	}
	store.messages[conv.ID] = []model.Message{msg}

	srv := New(ServerConfig{
		DB:         store,
		Controller: &fakeController{},
		Events:     bus.New(16, 16),
		Models:     allModels{},
		Searcher:   stubSearcher{results: []search.Result{{MessageID: msg.ID, Score: 0.92}}},
		Embedder:   fixedEmbedder{vec: pgvector.NewVector([]float32{0.1, 0.2})},
		Logger:     slog.New(slog.DiscardHandler),
	})

	rec := doJSON(t, srv, http.MethodGet,
		"/v1/conversations/"+conv.ID.String()+"/search?q=carbon", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data []search.ScoredMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, msg.ID, resp.Data[0].Message.ID)
	assert.Greater(t, resp.Data[0].Relevance, float32(0))
}

func TestSearchMessagesNotConfigured(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(store)
	srv := newTestServer(store, &fakeController{}, bus.New(16, 16))

	rec := doJSON(t, srv, http.MethodGet,
		"/v1/conversations/"+conv.ID.String()+"/search?q=anything", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &fakeController{}, bus.New(16, 16))

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	store.pingErr = fmt.Errorf("connection refused")
	rec = doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWrappedWriterSupportsFlush(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	var flushable bool
	h := loggingMiddleware(logger, tracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		flushable = ok
		if ok {
			w.Write([]byte("data: x\n\n"))
			f.Flush()
		}
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/debates/any/events", nil))
	require.True(t, flushable)
	assert.True(t, rec.Flushed)
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(newMemStore(), &fakeController{}, bus.New(16, 16))
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
