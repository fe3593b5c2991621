package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// Tavily calls the Tavily search API.
type Tavily struct {
	apiKey string
	client *http.Client
}

// NewTavily constructs a Tavily search provider.
func NewTavily(apiKey string) *Tavily {
	return &Tavily{
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns the provider identifier.
func (t *Tavily) Name() string { return "tavily" }

// Search posts a query to Tavily. A 429 is backed off once before the
// error is surfaced; the enclosing Chain owns further fallback.
func (t *Tavily) Search(ctx context.Context, query string) ([]Result, error) {
	if t.apiKey == "" {
		return nil, &SearchError{Kind: Transient, Err: fmt.Errorf("websearch: tavily API key is missing")}
	}

	results, err := t.search(ctx, query)
	if err == nil {
		return results, nil
	}
	if !isRateLimited(err) {
		return nil, &SearchError{Kind: Transient, Err: err}
	}

	select {
	case <-ctx.Done():
		return nil, &SearchError{Kind: Transient, Err: ctx.Err()}
	case <-time.After(2 * time.Second):
	}
	results, err = t.search(ctx, query)
	if err != nil {
		return nil, &SearchError{Kind: Transient, Err: err}
	}
	return results, nil
}

type tavilyStatusError int

func (e tavilyStatusError) Error() string { return fmt.Sprintf("tavily http %d", int(e)) }

func isRateLimited(err error) bool {
	se, ok := err.(tavilyStatusError)
	return ok && int(se) == http.StatusTooManyRequests
}

func (t *Tavily) search(ctx context.Context, query string) ([]Result, error) {
	payload, err := json.Marshal(map[string]any{
		"query":          query,
		"search_depth":   "advanced",
		"include_answer": false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tavilyEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, tavilyStatusError(resp.StatusCode)
	}

	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	results := make([]Result, 0, MaxResults)
	for _, r := range body.Results {
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
