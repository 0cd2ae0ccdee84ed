package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agora-ai/agora/api"
	"github.com/agora-ai/agora/internal/bus"
	"github.com/agora-ai/agora/internal/ratelimit"
	"github.com/agora-ai/agora/internal/search"
)

// Server is the agora HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Models, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB         Store
	Controller Controller
	Events     *bus.Bus
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Models    ModelChecker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	Searcher  search.Searcher
	Embedder  Embedder
	UI        fs.FS

	// Embedding extension points. ExtraRoutes run after the built-in
	// routes are registered; Middlewares wrap the whole chain, first
	// registered outermost.
	ExtraRoutes []func(mux *http.ServeMux)
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	HeartbeatInterval   time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Controller:          cfg.Controller,
		Events:              cfg.Events,
		Models:              cfg.Models,
		Searcher:            cfg.Searcher,
		Embedder:            cfg.Embedder,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		HeartbeatInterval:   cfg.HeartbeatInterval,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules, keyed by client IP.
	writeRL := ratelimit.Middleware(cfg.Limiter, "write", ratelimit.IPKeyFunc, reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, "query", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Debate lifecycle (rate limited writes).
	mux.Handle("POST /v1/debates", writeRL(http.HandlerFunc(h.HandleCreateDebate)))
	mux.Handle("POST /v1/debates/{id}/start", writeRL(http.HandlerFunc(h.HandleStartDebate)))
	mux.Handle("POST /v1/debates/{id}/pause", writeRL(http.HandlerFunc(h.HandlePauseDebate)))
	mux.Handle("POST /v1/debates/{id}/resume", writeRL(http.HandlerFunc(h.HandleResumeDebate)))
	mux.Handle("POST /v1/debates/{id}/stop", writeRL(http.HandlerFunc(h.HandleStopDebate)))
	mux.Handle("GET /v1/debates/{id}", queryRL(http.HandlerFunc(h.HandleGetDebate)))

	// Event stream (no rate limit, long-lived connection).
	mux.Handle("GET /v1/debates/{id}/events", http.HandlerFunc(h.HandleStreamEvents))

	// Conversation reads and delete.
	mux.Handle("GET /v1/conversations", queryRL(http.HandlerFunc(h.HandleListConversations)))
	mux.Handle("DELETE /v1/conversations/{id}", writeRL(http.HandlerFunc(h.HandleDeleteConversation)))
	mux.Handle("GET /v1/conversations/{id}/messages", queryRL(http.HandlerFunc(h.HandleListMessages)))
	mux.Handle("GET /v1/conversations/{id}/search", queryRL(http.HandlerFunc(h.HandleSearchMessages)))

	// Quality reads.
	mux.Handle("GET /v1/conversations/{id}/quality", queryRL(http.HandlerFunc(h.HandleGetQuality)))
	mux.Handle("GET /v1/conversations/{id}/contradictions", queryRL(http.HandlerFunc(h.HandleListContradictions)))
	mux.Handle("POST /v1/contradictions/{id}/resolve", writeRL(http.HandlerFunc(h.HandleResolveContradiction)))
	mux.Handle("GET /v1/conversations/{id}/loops", queryRL(http.HandlerFunc(h.HandleListLoops)))
	mux.Handle("GET /v1/conversations/{id}/health-history", queryRL(http.HandlerFunc(h.HandleHealthHistory)))
	mux.Handle("GET /v1/conversations/{id}/citations", queryRL(http.HandlerFunc(h.HandleListCitations)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health and API description (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.OpenAPISpec)
	})

	// Embedded web UI, when built with the ui tag.
	if cfg.UI != nil {
		mux.Handle("/", http.FileServerFS(cfg.UI))
	}

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
