package tansa

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	generators      []Generator
	searchers       []Searcher
	embedder        EmbeddingProvider
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (TANSA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the connection string from config
// (DATABASE_URL env var). An empty URL leaves persistence disabled.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGenerator registers an additional LLM provider. Its models become
// selectable alongside the built-in adapters; if a built-in adapter with
// the same Name is configured, the registered one wins.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generators = append(o.generators, g) }
}

// WithSearcher registers an additional web search backend, selectable
// by its Name as a run's search_provider.
func WithSearcher(s Searcher) Option {
	return func(o *resolvedOptions) { o.searchers = append(o.searchers, s) }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (OpenAI/Ollama/noop).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embedder = p }
}

// WithExtraMigrations adds an SQL migration filesystem to run after the
// built-in migrations. Multiple filesystems apply in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
