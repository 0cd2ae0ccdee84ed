// Package agora is the public API for embedding the Agora debate server.
//
// Consumers import this package to construct and extend the server
// without forking it:
//
//	app, err := agora.New(
//	    agora.WithVersion(version),
//	    agora.WithLogger(logger),
//	    agora.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: agora (root)
// imports internal/*, but internal/* never imports agora (root).
package agora

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/agora-ai/agora/internal/analysis"
	"github.com/agora-ai/agora/internal/bus"
	"github.com/agora-ai/agora/internal/config"
	"github.com/agora-ai/agora/internal/embedding"
	"github.com/agora-ai/agora/internal/mcp"
	"github.com/agora-ai/agora/internal/orchestrator"
	"github.com/agora-ai/agora/internal/provider"
	"github.com/agora-ai/agora/internal/ratelimit"
	"github.com/agora-ai/agora/internal/search"
	"github.com/agora-ai/agora/internal/server"
	"github.com/agora-ai/agora/internal/storage"
	"github.com/agora-ai/agora/internal/telemetry"
	"github.com/agora-ai/agora/migrations"
	"github.com/agora-ai/agora/ui"
)

// App is the Agora server lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	manager      *orchestrator.Manager
	outbox       *search.OutboxWorker
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Agora server. It connects to the database, runs
// migrations, and wires all subsystems. It does NOT start goroutines
// or accept HTTP connections: call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	// The vector extension must exist for the embedding tables. If it
	// didn't create, quality analysis silently degrades; catch it here.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'message_embeddings')`,
	).Scan(&schemaOK); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close()
		return nil, fmt.Errorf("table 'message_embeddings' does not exist after migration, check that the pgvector extension is installed")
	}
	for _, extra := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			db.Close()
			return nil, fmt.Errorf("extra migrations: %w", err)
		}
	}

	registry, err := provider.NewRegistry(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("providers: %w", err)
	}

	embedder, err := newEmbedder(cfg, o)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("embedding: %w", err)
	}

	app := &App{
		cfg:          cfg,
		db:           db,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	searcher, err := app.newSearcher(ctx, o, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	events := bus.New(cfg.EventRingSize, cfg.EventBufferSize)

	analyzer := analysis.New(db, embedder, registry, events, logger, analysis.Config{
		SimilarityThreshold: cfg.SimilarityThreshold,
		CandidateK:          cfg.CandidateK,
		LoopLookback:        cfg.LoopLookback,
		OracleModel:         cfg.OracleModel,
	})

	app.manager = orchestrator.NewManager(ctx, db, registry, analyzer, events, logger, orchestrator.Config{
		TurnDeadline: cfg.TurnDeadline,
		JudgeModel:   cfg.JudgeModel,
	})

	mcpSrv := mcp.New(db, logger, version)

	if cfg.RateLimitEnabled {
		app.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory token bucket",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		app.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	extraRoutes := make([]func(mux *http.ServeMux), len(o.routeRegistrars))
	for i, fn := range o.routeRegistrars {
		extraRoutes[i] = fn
	}
	middlewares := make([]func(http.Handler) http.Handler, len(o.middlewares))
	for i, mw := range o.middlewares {
		middlewares[i] = mw
	}

	// Non-nil only when built with the ui tag.
	uiFS, err := ui.DistFS()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ui: %w", err)
	}

	app.srv = server.New(server.ServerConfig{
		DB:                  db,
		Controller:          app.manager,
		Events:              events,
		Models:              registry,
		Limiter:             app.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Searcher:            searcher,
		Embedder:            embedder,
		UI:                  uiFS,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		HeartbeatInterval:   cfg.HeartbeatInterval,
	})

	return app, nil
}

// Run starts the HTTP server and the background workers, then blocks
// until ctx is cancelled or the server fails. On cancellation it shuts
// everything down gracefully.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("agora started", "version", a.version, "port", a.cfg.Port)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}
	return a.Shutdown(context.Background())
}

// Shutdown stops the HTTP server, running debates, and background
// workers. Each phase gets its own timeout, worst case 30 seconds.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("agora shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	err := a.srv.Shutdown(httpCtx)
	httpCancel()

	a.manager.Shutdown()

	if a.outbox != nil {
		outboxCtx, outboxCancel := context.WithTimeout(ctx, 10*time.Second)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}

	a.db.Close()
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}

	a.logger.Info("agora stopped")
	return err
}

// Handler returns the root HTTP handler, for tests and custom serving.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// newSearcher builds the transcript search index: the WithSearcher
// override when present, otherwise pgvector fronted by Qdrant when
// configured.
func (a *App) newSearcher(ctx context.Context, o resolvedOptions, logger *slog.Logger) (search.Searcher, error) {
	if o.searcher != nil {
		return &searcherAdapter{inner: o.searcher}, nil
	}

	pgIndex := search.NewPgIndex(a.db.Pool(), logger)
	if a.cfg.QdrantHost == "" {
		logger.Info("qdrant: disabled, transcript search served by pgvector")
		return pgIndex, nil
	}

	qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
		Host:       a.cfg.QdrantHost,
		Port:       a.cfg.QdrantPort,
		APIKey:     a.cfg.QdrantAPIKey,
		UseTLS:     a.cfg.QdrantUseTLS,
		Collection: a.cfg.QdrantCollection,
		Dims:       uint64(a.cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("qdrant: %w", err)
	}
	if err := qdrantIndex.EnsureCollection(ctx); err != nil {
		_ = qdrantIndex.Close()
		return nil, fmt.Errorf("qdrant ensure collection: %w", err)
	}

	a.db.EnableSearchOutbox()
	a.qdrantIndex = qdrantIndex
	a.outbox = search.NewOutboxWorker(a.db.Pool(), qdrantIndex, logger, a.cfg.OutboxPollInterval, a.cfg.OutboxBatchSize)
	logger.Info("qdrant: enabled", "collection", a.cfg.QdrantCollection)
	return &search.Fallback{Primary: qdrantIndex, Secondary: pgIndex, Logger: logger}, nil
}

// newEmbedder selects the embedding provider: the WithEmbeddingProvider
// override when present, otherwise config-driven selection.
func newEmbedder(cfg config.Config, o resolvedOptions) (embedding.Provider, error) {
	if o.embeddingProvider != nil {
		return &embeddingAdapter{inner: o.embeddingProvider}, nil
	}
	return embedding.New(embedding.Settings{
		Provider:    cfg.EmbeddingProvider,
		Model:       cfg.EmbeddingModel,
		Dimensions:  cfg.EmbeddingDimensions,
		OpenAIKey:   cfg.OpenAIAPIKey,
		OllamaURL:   cfg.OllamaURL,
		OllamaModel: cfg.OllamaModel,
	})
}

// embeddingAdapter bridges the public []float32 interface to the
// internal pgvector one.
type embeddingAdapter struct {
	inner EmbeddingProvider
}

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.inner.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embeddingAdapter) Dimensions() int {
	return a.inner.Dimensions()
}

// searcherAdapter bridges the public Searcher to internal/search.
type searcherAdapter struct {
	inner Searcher
}

func (a *searcherAdapter) Search(ctx context.Context, conversationID uuid.UUID, embedding []float32, limit int) ([]search.Result, error) {
	hits, err := a.inner.Search(ctx, conversationID, embedding, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, len(hits))
	for i, h := range hits {
		out[i] = search.Result{MessageID: h.MessageID, Score: h.Score}
	}
	return out, nil
}

func (a *searcherAdapter) Healthy(ctx context.Context) error {
	return a.inner.Healthy(ctx)
}
