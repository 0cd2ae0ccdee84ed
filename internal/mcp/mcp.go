// Package mcp implements the Model Context Protocol server for Agora.
//
// The MCP server exposes the debate quality surface through read-only
// resources and tools, allowing MCP-compatible AI agents to inspect
// transcripts, contradictions, loops, and health without the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agora-ai/agora/internal/model"
)

// Store is the read-only persistence surface the MCP server needs.
// *storage.DB satisfies it.
type Store interface {
	GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error)
	ListConversations(ctx context.Context, status model.ConversationStatus, limit, offset int) ([]model.Conversation, int, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]model.Message, error)
	ListContradictions(ctx context.Context, conversationID uuid.UUID, unresolvedOnly bool) ([]model.Contradiction, error)
	ListLoops(ctx context.Context, conversationID uuid.UUID) ([]model.ConversationLoop, error)
	ListHealthSamples(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.HealthSample, error)
	LatestHealthSample(ctx context.Context, conversationID uuid.UUID) (model.HealthSample, error)
}

// Server wraps the MCP server over Agora's storage layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        Store
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
func New(db Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:     db,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"agora",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// agora://debates/recent: recently created debates.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"agora://debates/recent",
			"Recent Debates",
			mcplib.WithResourceDescription("Recently created debates with status and progress"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleDebatesRecent,
	)

	// agora://debate/{id}/transcript: full message transcript.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"agora://debate/{id}/transcript",
			"Debate Transcript",
			mcplib.WithTemplateDescription("Full message transcript of a debate"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTranscript,
	)
}

func (s *Server) handleDebatesRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	convs, _, err := s.db.ListConversations(ctx, "", 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent debates: %w", err)
	}

	data, err := json.MarshalIndent(convs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal debates: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleTranscript(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	id, err := debateIDFromURI(request.Params.URI)
	if err != nil {
		return nil, err
	}

	conv, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: load debate: %w", err)
	}
	messages, err := s.db.ListMessages(ctx, id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: load transcript: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"debate":   conv,
		"messages": messages,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal transcript: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// debateIDFromURI extracts the debate UUID from an
// agora://debate/{id}/... resource URI.
func debateIDFromURI(uri string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, "agora://debate/")
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid debate URI: %s", uri)
	}
	raw, _, _ := strings.Cut(rest, "/")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid debate id in URI %s: %w", uri, err)
	}
	return id, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
