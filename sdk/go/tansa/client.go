package tansa

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Tansa server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used. Stream ignores the
	// client timeout; it runs until the run finishes or ctx ends.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Tansa research API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tansa: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// Submit starts a research run and returns it in pending state.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*ResearchRun, error) {
	var run ResearchRun
	if err := c.post(ctx, "/v1/research", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Get retrieves a run by id, including learnings and the report when
// the run has completed.
func (c *Client) Get(ctx context.Context, runID uuid.UUID) (*ResearchRun, error) {
	var run ResearchRun
	if err := c.get(ctx, "/v1/research/"+runID.String(), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListOptions are optional pagination parameters for List.
type ListOptions struct {
	Limit  int
	Offset int
}

// List returns runs, newest first.
func (c *Client) List(ctx context.Context, opts *ListOptions) (*RunList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/research"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp runListResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &RunList{Runs: resp.Runs, Total: resp.Total}, nil
}

// Cancel requests cancellation of an in-flight run. The run settles to
// cancelled at its next round boundary; cancelling a finished run is a
// no-op.
func (c *Client) Cancel(ctx context.Context, runID uuid.UUID) (*ResearchRun, error) {
	var run ResearchRun
	if err := c.doDelete(ctx, "/v1/research/"+runID.String(), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Events returns the run's progress events after the given sequence
// number (pass 0 for the full log). Finished reports whether the log
// has received its terminal event.
func (c *Client) Events(ctx context.Context, runID uuid.UUID, after int64) (*EventsPage, error) {
	path := "/v1/research/" + runID.String() + "/events"
	if after > 0 {
		path += "?after=" + strconv.FormatInt(after, 10)
	}
	var page EventsPage
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Wait polls the run until it reaches a terminal status, then returns
// the final run. The poll interval defaults to one second when zero.
func (c *Client) Wait(ctx context.Context, runID uuid.UUID, pollInterval time.Duration) (*ResearchRun, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		run, err := c.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stream subscribes to the run's SSE endpoint and invokes fn for every
// event, including a full replay of events emitted before the call.
// It returns nil after the terminal event, or the first error from fn.
func (c *Client) Stream(ctx context.Context, runID uuid.UUID, fn func(ProgressEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/research/"+runID.String()+"/stream", nil)
	if err != nil {
		return fmt.Errorf("tansa: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// A client-level timeout would sever long streams midway.
	streamClient := &http.Client{Transport: c.client.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("tansa: GET %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return parseErrorResponse(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var kind, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if kind == "" && data == "" {
				continue // keepalive comment frame
			}
			var payload EventPayload
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				return fmt.Errorf("tansa: decode stream payload: %w", err)
			}
			ev := ProgressEvent{RunID: runID, Kind: EventKind(kind), Payload: payload}
			if err := fn(ev); err != nil {
				return err
			}
			if payload.Final {
				return nil
			}
			kind, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("tansa: read stream: %w", err)
	}
	return nil
}

// Models returns the model catalog keyed by provider family.
func (c *Client) Models(ctx context.Context) (map[string][]string, error) {
	var resp modelsResponse
	if err := c.get(ctx, "/v1/models", &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// SearchProviders returns the web search backends the server offers.
func (c *Client) SearchProviders(ctx context.Context) ([]SearchProvider, error) {
	var resp providersResponse
	if err := c.get(ctx, "/v1/search-providers", &resp); err != nil {
		return nil, err
	}
	return resp.Providers, nil
}

// SearchLearnings performs semantic search over learnings from all past
// runs. Requires a deployment with a vector index; returns a 503 Error
// otherwise.
func (c *Client) SearchLearnings(ctx context.Context, query string, limit int) ([]LearningHit, error) {
	params := url.Values{}
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp hitsResponse
	if err := c.get(ctx, "/v1/learnings/search?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("tansa: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("tansa: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tansa: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tansa: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tansa: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tansa: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("tansa: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
