// Package mcp implements the Model Context Protocol server for Tansa.
//
// The MCP server exposes the research engine through MCP tools and
// resources, allowing MCP-compatible AI agents to launch research runs
// and read their results without going through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nagare-ai/tansa/internal/engine"
	"github.com/nagare-ai/tansa/internal/index"
	"github.com/nagare-ai/tansa/internal/websearch"
)

// Server wraps the MCP server around the research engine.
type Server struct {
	mcpServer     *mcpserver.MCPServer
	engine        *engine.Engine
	learningIndex *index.LearningIndex
	logger        *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
// learningIndex may be nil when no vector index is configured; the
// cross-run search tool is not registered in that case.
func New(eng *engine.Engine, learningIndex *index.LearningIndex, version string, logger *slog.Logger) *Server {
	s := &Server{
		engine:        eng,
		learningIndex: learningIndex,
		logger:        logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tansa",
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
	// tansa://runs/recent: recent research runs, newest first.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tansa://runs/recent",
			"Recent Research Runs",
			mcplib.WithResourceDescription("Recent research runs, newest first, without learnings or reports"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsRecent,
	)

	// tansa://capabilities: configured models and search providers.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tansa://capabilities",
			"Research Capabilities",
			mcplib.WithResourceDescription("Models and search providers this deployment can use"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCapabilities,
	)
}

func (s *Server) handleRunsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs := s.engine.Runs()
	if len(runs) > 50 {
		runs = runs[:50]
	}
	for i := range runs {
		runs[i].Learnings = nil
		runs[i].Report = nil
	}

	data, err := json.MarshalIndent(map[string]any{"runs": runs}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleCapabilities(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	defaultModel, defaultProvider := s.engine.DefaultParameters()
	data, err := json.MarshalIndent(map[string]any{
		"models":                  s.engine.ModelCatalog(),
		"search_providers":        websearch.Catalog(),
		"default_model":           defaultModel,
		"default_search_provider": defaultProvider,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
