package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nagare-ai/tansa/internal/engine"
	"github.com/nagare-ai/tansa/internal/index"
	"github.com/nagare-ai/tansa/internal/progress"
	"github.com/nagare-ai/tansa/internal/ratelimit"
	"github.com/nagare-ai/tansa/internal/storage"
)

// Server is the Tansa HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): DB, LearningIndex, Limiter,
// MCPServer.
type Config struct {
	Engine    *engine.Engine
	Publisher *progress.Publisher
	Logger    *slog.Logger

	DB            *storage.DB
	LearningIndex *index.LearningIndex
	Limiter       ratelimit.Limiter
	MCPServer     *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Publisher:           cfg.Publisher,
		DB:                  cfg.DB,
		LearningIndex:       cfg.LearningIndex,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	rl := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Research lifecycle.
	mux.Handle("POST /v1/research", rl(http.HandlerFunc(h.HandleSubmitResearch)))
	mux.Handle("GET /v1/research", rl(http.HandlerFunc(h.HandleListResearch)))
	mux.Handle("GET /v1/research/{id}", rl(http.HandlerFunc(h.HandleGetResearch)))
	mux.Handle("DELETE /v1/research/{id}", rl(http.HandlerFunc(h.HandleCancelResearch)))

	// Progress: cursor polling and SSE push over the same event log.
	// The stream endpoint is not rate limited; it is one long-lived
	// connection, not a request stream.
	mux.Handle("GET /v1/research/{id}/events", rl(http.HandlerFunc(h.HandleResearchEvents)))
	mux.Handle("GET /v1/research/{id}/stream", http.HandlerFunc(h.HandleResearchStream))

	// Capability discovery.
	mux.Handle("GET /v1/models", rl(http.HandlerFunc(h.HandleModels)))
	mux.Handle("GET /v1/search-providers", rl(http.HandlerFunc(h.HandleSearchProviders)))

	// Cross-run learning search.
	mux.Handle("GET /v1/learnings/search", rl(http.HandlerFunc(h.HandleLearningsSearch)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec and health (no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

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

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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
