package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Some public SearXNG instances block unfamiliar clients outright, so
// requests carry a browser user agent.
const searxngUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// DefaultSearXNGInstances are tried in order when no explicit list is
// configured. Public instances come and go; the fallback walk below
// tolerates any subset being dead.
var DefaultSearXNGInstances = []string{
	"https://searx.be/search",
	"https://searx.tiekoetter.com/search",
	"https://search.mdosch.de/search",
	"https://search.privacyguides.net/search",
}

// SearXNG queries SearXNG metasearch instances with per-instance fallback.
type SearXNG struct {
	instances []string
	client    *http.Client
	logger    *slog.Logger
}

// NewSearXNG creates a SearXNG searcher. An empty instance list falls
// back to DefaultSearXNGInstances.
func NewSearXNG(instances []string, logger *slog.Logger) *SearXNG {
	if len(instances) == 0 {
		instances = DefaultSearXNGInstances
	}
	return &SearXNG{
		instances: instances,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

// Name returns the provider identifier.
func (s *SearXNG) Name() string { return "searxng" }

// Search tries each configured instance in order and returns the first
// non-empty result set. All instances failing is a transient error; the
// enclosing Chain decides whether that exhausts the whole lookup.
func (s *SearXNG) Search(ctx context.Context, query string) ([]Result, error) {
	var lastErr error
	for _, instance := range s.instances {
		results, err := s.searchInstance(ctx, instance, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &SearchError{Kind: Transient, Err: ctx.Err()}
			}
			s.logger.Debug("websearch: searxng instance failed", "instance", instance, "error", err)
			lastErr = err
			continue
		}
		if len(results) > 0 {
			return results, nil
		}
		lastErr = fmt.Errorf("no results from %s", instance)
	}
	return nil, &SearchError{Kind: Transient, Err: fmt.Errorf("websearch: all searxng instances failed: %w", lastErr)}
}

func (s *SearXNG) searchInstance(ctx context.Context, instance, query string) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instance, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("engines", "google")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", searxngUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	results := make([]Result, 0, MaxResults)
	for _, r := range payload.Results {
		if r.URL == "" || r.Content == "" {
			continue
		}
		results = append(results, Result{Title: r.Title, URL: r.URL, Content: r.Content})
		if len(results) >= MaxResults {
			break
		}
	}
	return results, nil
}
