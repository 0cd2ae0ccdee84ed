package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/tokens"
)

// ErrNotRunning is returned by control operations when no live debate
// exists for the conversation.
var ErrNotRunning = errors.New("orchestrator: debate is not running")

// ErrAlreadyRunning is returned by Start when the conversation already
// has a live debate task.
var ErrAlreadyRunning = errors.New("orchestrator: debate is already running")

// Manager owns the live debate tasks. One task per conversation;
// controls are routed by conversation id.
type Manager struct {
	store     Store
	providers Providers
	analyzer  Analyzer
	events    Publisher
	counter   *tokens.Counter
	logger    *slog.Logger
	cfg       Config

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	debates map[uuid.UUID]*debate
}

// NewManager creates a Manager. Debates started later inherit ctx, so
// cancelling it stops every live debate.
func NewManager(ctx context.Context, store Store, providers Providers, analyzer Analyzer, events Publisher, logger *slog.Logger, cfg Config) *Manager {
	cfg.defaults()
	base, cancel := context.WithCancel(ctx)
	return &Manager{
		store:     store,
		providers: providers,
		analyzer:  analyzer,
		events:    events,
		counter:   tokens.NewCounter(),
		logger:    logger,
		cfg:       cfg,
		base:      base,
		cancel:    cancel,
		debates:   map[uuid.UUID]*debate{},
	}
}

// Start launches the debate task for a conversation. The conversation
// must be in the created or paused status; running and terminal
// statuses are rejected.
func (m *Manager) Start(conv model.Conversation) error {
	switch conv.Status {
	case model.StatusCreated, model.StatusPaused:
	default:
		return fmt.Errorf("orchestrator: cannot start debate in status %q", conv.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.debates[conv.ID]; ok {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(m.base)
	d := &debate{
		conv:      conv,
		store:     m.store,
		providers: m.providers,
		analyzer:  m.analyzer,
		events:    m.events,
		counter:   m.counter,
		logger:    m.logger.With("conversation_id", conv.ID),
		cfg:       m.cfg,
		cancel:    cancel,
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
	m.debates[conv.ID] = d

	go func() {
		defer m.remove(conv.ID)
		d.run(ctx)
		cancel()
	}()
	return nil
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	delete(m.debates, id)
	m.mu.Unlock()
}

func (m *Manager) get(id uuid.UUID) (*debate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.debates[id]
	return d, ok
}

// Running reports whether a live task exists for the conversation.
func (m *Manager) Running(id uuid.UUID) bool {
	_, ok := m.get(id)
	return ok
}

// Pause requests a pause. It takes effect at the next turn boundary;
// the in-flight turn always completes or errors first.
func (m *Manager) Pause(id uuid.UUID) error {
	d, ok := m.get(id)
	if !ok {
		return ErrNotRunning
	}
	d.requestPause()
	return nil
}

// Resume resumes a paused debate. overrideCritical bypasses one
// critical cost check when the debate paused on cost governance.
func (m *Manager) Resume(id uuid.UUID, overrideCritical bool) error {
	d, ok := m.get(id)
	if !ok {
		return ErrNotRunning
	}
	return d.requestResume(overrideCritical)
}

// Stop terminates the debate. The in-flight turn is cancelled and its
// partial output discarded. Stop waits for the task to exit.
func (m *Manager) Stop(id uuid.UUID) error {
	d, ok := m.get(id)
	if !ok {
		return ErrNotRunning
	}
	d.requestStop()
	<-d.done
	return nil
}

// Shutdown stops every live debate and waits for their tasks to exit.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	running := make([]*debate, 0, len(m.debates))
	for _, d := range m.debates {
		running = append(running, d)
	}
	m.mu.Unlock()
	for _, d := range running {
		<-d.done
	}
}
