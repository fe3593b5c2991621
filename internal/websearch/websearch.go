// Package websearch adapts web search vendors behind one capability
// interface with a fallback chain. A run never dies because one search
// backend is down: the chain walks every configured provider and, as a
// last resort, can hand back a clearly-flagged degraded result set.
package websearch

import (
	"context"
	"fmt"
)

// MaxResults caps how many results a provider returns per query. The
// extraction prompt embeds full result content, so this bounds prompt size.
const MaxResults = 5

// Result is a single item returned by a Searcher.
type Result struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Searcher executes a query against one search vendor.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
	Name() string
}

// ErrorKind classifies a search failure.
type ErrorKind string

const (
	// Transient covers a single backend failing (timeout, rate limit,
	// malformed response). The chain retries the next backend.
	Transient ErrorKind = "transient"
	// Exhausted means every configured backend failed.
	Exhausted ErrorKind = "exhausted"
)

// SearchError wraps a search failure with its classification.
type SearchError struct {
	Kind ErrorKind
	Err  error
}

func (e *SearchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("search error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("search error (%s)", e.Kind)
}

func (e *SearchError) Unwrap() error { return e.Err }

// ProviderInfo describes one provider for capability discovery.
type ProviderInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	RequiresKey bool   `json:"requires_key"`
}

// Catalog returns the static provider listing for the configuration layer.
func Catalog() []ProviderInfo {
	return []ProviderInfo{
		{
			ID:          "searxng",
			Name:        "SearXNG",
			Description: "Open-source metasearch engine",
			RequiresKey: false,
		},
		{
			ID:          "tavily",
			Name:        "Tavily",
			Description: "AI-powered search API",
			RequiresKey: true,
		},
	}
}
