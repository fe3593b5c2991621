// Package tansa is the public API for embedding the Tansa research server.
//
// Consumers import this package to construct and extend the server
// without forking it:
//
//	app, err := tansa.New(
//	    tansa.WithVersion(version),
//	    tansa.WithLogger(logger),
//	    tansa.WithSearcher(myInternalSearchBackend{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: tansa (root) imports
// internal/*, but internal/* never imports tansa (root). Public types
// (Generator, Searcher, SearchResult) are standalone; the adapters that
// bridge them to internal interfaces live here because this is the only
// file that sees both sides of the boundary.
package tansa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/nagare-ai/tansa/api"
	"github.com/nagare-ai/tansa/internal/config"
	"github.com/nagare-ai/tansa/internal/dedup"
	"github.com/nagare-ai/tansa/internal/embedding"
	"github.com/nagare-ai/tansa/internal/engine"
	"github.com/nagare-ai/tansa/internal/index"
	"github.com/nagare-ai/tansa/internal/mcp"
	"github.com/nagare-ai/tansa/internal/progress"
	"github.com/nagare-ai/tansa/internal/provider"
	"github.com/nagare-ai/tansa/internal/ratelimit"
	"github.com/nagare-ai/tansa/internal/server"
	"github.com/nagare-ai/tansa/internal/storage"
	"github.com/nagare-ai/tansa/internal/telemetry"
	"github.com/nagare-ai/tansa/internal/websearch"
	"github.com/nagare-ai/tansa/migrations"
)

// App is the Tansa server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg           config.Config
	db            *storage.DB // nil without DATABASE_URL
	learningIndex *index.LearningIndex
	eng           *engine.Engine
	srv           *server.Server
	otelShutdown  telemetry.Shutdown
	logger        *slog.Logger
	version       string
}

// New initialises the Tansa server. It connects to the database when one
// is configured, runs migrations, wires all subsystems, and returns a
// ready-to-run App. It does NOT accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
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
	// Registered generators count as providers for validation: a caller
	// wiring their own LLM backend needs no API keys in the environment.
	if err := validateConfig(cfg, len(o.generators) > 0); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("tansa starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// fail is the single cleanup path for construction errors past this
	// point, so each resource is released exactly once.
	var db *storage.DB
	var learningIndex *index.LearningIndex
	fail := func(err error) (*App, error) {
		if learningIndex != nil {
			_ = learningIndex.Close()
		}
		if db != nil {
			db.Close()
		}
		_ = otelShutdown(context.Background())
		return nil, err
	}

	if cfg.DatabaseURL != "" {
		db, err = storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			return fail(fmt.Errorf("migrations: %w", err))
		}
		for i, extraFS := range o.extraMigrations {
			if err := db.RunMigrations(context.Background(), extraFS); err != nil {
				return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
			}
		}
	} else {
		logger.Info("persistence: disabled (no DATABASE_URL), runs are in-memory only")
	}

	// Embedding provider: external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embedder != nil {
		embedder = &embedderAdapter{p: o.embedder}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	generators, err := newGenerators(cfg, o.generators, logger)
	if err != nil {
		return fail(err)
	}
	searchers := newSearchers(cfg, o.searchers, logger)

	publisher := progress.NewPublisher(logger)

	if cfg.QdrantURL != "" {
		learningIndex, err = index.New(index.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
		}, embedder, logger)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		if err := learningIndex.EnsureCollection(context.Background()); err != nil {
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// Interface-typed nils: the engine checks its store and index
	// against nil, so absent backends must stay untyped.
	var store engine.Store
	if db != nil {
		store = db
	}
	var engIndex engine.Index
	if learningIndex != nil {
		engIndex = learningIndex
	}

	eng := engine.New(
		engine.Config{
			DefaultModel:          cfg.DefaultModel,
			DefaultSearchProvider: cfg.SearchProvider,
			SubQueryTimeout:       cfg.SubQueryTimeout,
			SynthesisTimeout:      cfg.SynthesisTimeout,
			ContinueOnEmptyRound:  cfg.ContinueOnEmptyRound,
			AllowDegradedSearch:   cfg.AllowDegradedSearch,
			TerminalRunCap:        cfg.TerminalRunCap,
		},
		provider.NewRegistry(generators...),
		searchers,
		dedup.New(embedder, logger),
		publisher, store, engIndex, logger,
	)

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitPerMinute)
		logger.Info("rate limiting: memory (in-process token bucket)", "per_minute", cfg.RateLimitPerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(eng, learningIndex, version, logger)

	srv := server.New(server.Config{
		Engine:              eng,
		Publisher:           publisher,
		Logger:              logger,
		DB:                  db,
		LearningIndex:       learningIndex,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:           cfg,
		db:            db,
		learningIndex: learningIndex,
		eng:           eng,
		srv:           srv,
		otelShutdown:  otelShutdown,
		logger:        logger,
		version:       version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a
// fatal server error occurs. On return, Shutdown has already run;
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in two phases: stop accepting HTTP requests first,
// then give active research runs a bounded window to reach a round
// boundary and persist. Resources close afterwards.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tansa shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	engCtx, engCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.eng.Close(engCtx); err != nil {
		a.logger.Warn("engine close incomplete, some runs may not have persisted", "error", err)
	}
	engCancel()

	if a.learningIndex != nil {
		_ = a.learningIndex.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("tansa stopped")
	return nil
}

// Engine exposes the research engine for embedding consumers that want
// to submit runs directly instead of through HTTP or MCP.
func (a *App) Engine() *engine.Engine { return a.eng }

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

func validateConfig(cfg config.Config, hasExternalGenerator bool) error {
	err := cfg.Validate()
	if err == nil || !hasExternalGenerator {
		return err
	}
	// Re-check with a fake key: only the no-provider failure is excused.
	relaxed := cfg
	relaxed.OpenAIAPIKey = "external"
	if relaxed.Validate() == nil {
		return nil
	}
	return err
}

// ── Subsystem construction ─────────────────────────────────────────────────────

func newGenerators(cfg config.Config, external []Generator, logger *slog.Logger) ([]provider.Generator, error) {
	var gens []provider.Generator
	taken := make(map[string]bool)

	// Registered generators first; they shadow built-ins by name.
	for _, g := range external {
		gens = append(gens, g)
		taken[g.Name()] = true
		logger.Info("llm provider: registered", "name", g.Name(), "models", len(g.Models()))
	}

	if cfg.OpenAIAPIKey != "" && !taken["openai"] {
		g, err := provider.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		gens = append(gens, g)
		logger.Info("llm provider: openai")
	}
	if cfg.AnthropicAPIKey != "" && !taken["anthropic"] {
		g, err := provider.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("anthropic adapter: %w", err)
		}
		gens = append(gens, g)
		logger.Info("llm provider: anthropic")
	}
	if cfg.GeminiAPIKey != "" && !taken["gemini"] {
		g, err := provider.NewGeminiAdapter(context.Background(), cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		gens = append(gens, g)
		logger.Info("llm provider: gemini")
	}

	if len(gens) == 0 {
		return nil, errors.New("no LLM provider configured")
	}
	return gens, nil
}

func newSearchers(cfg config.Config, external []Searcher, logger *slog.Logger) []websearch.Searcher {
	var searchers []websearch.Searcher
	for _, s := range external {
		searchers = append(searchers, &searcherAdapter{s: s})
		logger.Info("search provider: registered", "name", s.Name())
	}
	searchers = append(searchers, websearch.NewSearXNG(cfg.SearXNGInstances, logger))
	if cfg.TavilyAPIKey != "" {
		searchers = append(searchers, websearch.NewTavily(cfg.TavilyAPIKey))
		logger.Info("search provider: tavily enabled")
	}
	return searchers
}

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when TANSA_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (semantic dedup and index disabled)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (lexical dedup only)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// searcherAdapter wraps a public tansa.Searcher to satisfy websearch.Searcher.
type searcherAdapter struct {
	s Searcher
}

func (a *searcherAdapter) Name() string { return a.s.Name() }

func (a *searcherAdapter) Search(ctx context.Context, query string) ([]websearch.Result, error) {
	results, err := a.s.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]websearch.Result, len(results))
	for i, r := range results {
		out[i] = websearch.Result{Title: r.Title, URL: r.URL, Content: r.Content}
	}
	return out, nil
}

// embedderAdapter wraps a public tansa.EmbeddingProvider to satisfy
// embedding.Provider.
type embedderAdapter struct {
	p EmbeddingProvider
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embedderAdapter) Dimensions() int { return a.p.Dimensions() }
