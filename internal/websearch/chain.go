package websearch

import (
	"context"
	"fmt"
	"log/slog"
)

// Outcome is what a Chain lookup hands back to the engine. Degraded is
// true when every real backend failed and the results are synthesized
// placeholders; callers must not treat degraded content as evidence.
type Outcome struct {
	Results  []Result
	Degraded bool
}

// Chain walks an ordered list of search providers, falling through to
// the next on any failure. Only when every provider has failed does it
// either synthesize a degraded result set (AllowDegraded) or return
// SearchError{exhausted}.
type Chain struct {
	providers     []Searcher
	allowDegraded bool
	logger        *slog.Logger
}

// NewChain builds a fallback chain over providers, tried in order.
func NewChain(providers []Searcher, allowDegraded bool, logger *slog.Logger) *Chain {
	return &Chain{providers: providers, allowDegraded: allowDegraded, logger: logger}
}

// Providers returns the names of the configured providers, in fallback order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Search runs the query through the chain.
func (c *Chain) Search(ctx context.Context, query string) (Outcome, error) {
	if len(c.providers) == 0 {
		return Outcome{}, &SearchError{Kind: Exhausted, Err: fmt.Errorf("websearch: no search providers configured")}
	}

	var lastErr error
	for _, p := range c.providers {
		results, err := p.Search(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, &SearchError{Kind: Transient, Err: ctx.Err()}
			}
			c.logger.Warn("websearch: provider failed, falling back", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
		if len(results) > 0 {
			return Outcome{Results: results}, nil
		}
		lastErr = fmt.Errorf("websearch: %s returned no results", p.Name())
	}

	if c.allowDegraded {
		c.logger.Warn("websearch: all providers failed, returning degraded mock results", "query", query)
		return Outcome{Degraded: true, Results: mockResults(query)}, nil
	}
	return Outcome{}, &SearchError{Kind: Exhausted, Err: fmt.Errorf("websearch: every configured backend failed: %w", lastErr)}
}

// mockResults is the last-resort placeholder set. Content is phrased so
// an extraction model cannot mistake it for real evidence.
func mockResults(query string) []Result {
	return []Result{
		{
			URL:     "https://example.com/unavailable",
			Content: fmt.Sprintf("Placeholder result: all search providers were unavailable for the query %q. No real web content was retrieved.", query),
		},
	}
}
