package tansa

import "context"

// Generator is a pluggable LLM backend for planning, extraction, and
// report synthesis. Register one with WithGenerator to add a provider
// the built-in adapters (OpenAI, Anthropic, Gemini) do not cover.
type Generator interface {
	// Name identifies the provider family, e.g. "openai".
	Name() string

	// Models lists the model ids this generator accepts.
	Models() []string

	// Generate produces a completion for the given system and user prompts.
	Generate(ctx context.Context, model, system, user string) (string, error)
}

// SearchResult is one document returned by a web search backend.
type SearchResult struct {
	Title   string
	URL     string
	Content string
}

// Searcher is a pluggable web search backend. Register one with
// WithSearcher to make it selectable as a run's search_provider.
type Searcher interface {
	// Name is the provider id callers pass as search_provider.
	Name() string

	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// EmbeddingProvider replaces the auto-detected embedding backend used
// for learning dedup and the cross-run vector index.
type EmbeddingProvider interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns vectors for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the output vector width.
	Dimensions() int
}
