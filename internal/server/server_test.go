package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/tansa/internal/dedup"
	"github.com/nagare-ai/tansa/internal/engine"
	"github.com/nagare-ai/tansa/internal/model"
	"github.com/nagare-ai/tansa/internal/progress"
	"github.com/nagare-ai/tansa/internal/provider"
	"github.com/nagare-ai/tansa/internal/ratelimit"
	"github.com/nagare-ai/tansa/internal/websearch"
)

// scriptedGen answers each prompt stage with a fixed response.
type scriptedGen struct {
	mu sync.Mutex
}

func (g *scriptedGen) Name() string     { return "gemini" }
func (g *scriptedGen) Models() []string { return []string{"gemini-1.5-pro", "gemini-1.5-flash"} }

func (g *scriptedGen) Generate(ctx context.Context, mdl, system, user string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case strings.Contains(user, "web search queries"):
		return `[{"query": "test sub-query", "researchGoal": "establish the basics"}]`, nil
	case strings.Contains(user, "Generate a list of learnings"):
		return `{"learnings": ["A verified fact."], "followUpQuestions": []}`, nil
	case strings.Contains(user, "final report"):
		return "# Report\n\nA verified fact.", nil
	}
	return "", errors.New("unrecognized prompt")
}

type fixedSearch struct{}

func (fixedSearch) Name() string { return "searxng" }
func (fixedSearch) Search(ctx context.Context, query string) ([]websearch.Result, error) {
	return []websearch.Result{{Title: "t", URL: "https://example.org/a", Content: "content"}}, nil
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter) (*Server, *engine.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := progress.NewPublisher(logger)
	eng := engine.New(
		engine.Config{DefaultModel: "gemini-1.5-pro", DefaultSearchProvider: "searxng"},
		provider.NewRegistry(&scriptedGen{}),
		[]websearch.Searcher{fixedSearch{}},
		dedup.New(nil, logger),
		pub, nil, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})

	srv := New(Config{
		Engine:              eng,
		Publisher:           pub,
		Logger:              logger,
		Limiter:             limiter,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	return srv, eng
}

type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) errEnvelope {
	t.Helper()
	var env errEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func awaitCompleted(t *testing.T, h http.Handler, id uuid.UUID) model.ResearchRun {
	t.Helper()
	var run model.ResearchRun
	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/v1/research/"+id.String(), nil)
		if rec.Code != http.StatusOK {
			return false
		}
		run = decodeData[model.ResearchRun](t, rec)
		return run.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return run
}

func TestSubmitAndGetResearch(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/research", model.SubmitRequest{Query: "what is tansa"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	run := decodeData[model.ResearchRun](t, rec)
	assert.Equal(t, model.RunStatusPending, run.Status)
	assert.Equal(t, "gemini-1.5-pro", run.Parameters.Model)
	assert.Equal(t, model.DefaultMaxDepth, run.Parameters.MaxDepth)

	final := awaitCompleted(t, h, run.ID)
	assert.Equal(t, model.RunStatusCompleted, final.Status)
	require.NotNil(t, final.Report)
	assert.Contains(t, *final.Report, "A verified fact")
	assert.NotEmpty(t, final.Learnings)
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	t.Run("empty query", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/research", model.SubmitRequest{Query: "   "})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, model.ErrCodeInvalidInput, decodeErr(t, rec).Error.Code)
	})

	t.Run("unknown model", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/research",
			model.SubmitRequest{Query: "q", Model: "llama-70b"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("depth out of range", func(t *testing.T) {
		depth := model.MaxDepthLimit + 1
		rec := doJSON(t, h, http.MethodPost, "/v1/research",
			model.SubmitRequest{Query: "q", MaxDepth: &depth})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/research", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/research", map[string]any{"query": "q", "bogus": 1})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetResearchNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/research/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decodeErr(t, rec).Error.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/research/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListResearch(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/research", model.SubmitRequest{Query: "list me"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	list := decodeData[struct {
		Runs  []model.ResearchRun `json:"runs"`
		Total int                 `json:"total"`
	}](t, doJSON(t, h, http.MethodGet, "/v1/research", nil))
	assert.GreaterOrEqual(t, list.Total, 1)
	require.NotEmpty(t, list.Runs)
}

func TestCancelResearch(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/research", model.SubmitRequest{Query: "cancel me"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	run := decodeData[model.ResearchRun](t, rec)

	rec = doJSON(t, h, http.MethodDelete, "/v1/research/"+run.ID.String(), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/v1/research/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResearchEventsPolling(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/research", model.SubmitRequest{Query: "poll me"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	run := decodeData[model.ResearchRun](t, rec)
	awaitCompleted(t, h, run.ID)

	page := decodeData[struct {
		Events   []model.ProgressEvent `json:"events"`
		Finished bool                  `json:"finished"`
	}](t, doJSON(t, h, http.MethodGet, "/v1/research/"+run.ID.String()+"/events", nil))

	require.NotEmpty(t, page.Events)
	assert.True(t, page.Finished)
	for i, ev := range page.Events {
		assert.Equal(t, int64(i+1), ev.SequenceNum)
	}
	last := page.Events[len(page.Events)-1]
	assert.True(t, last.Payload.Final)

	// Cursor resumes after the given sequence number.
	tail := decodeData[struct {
		Events []model.ProgressEvent `json:"events"`
	}](t, doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/research/%s/events?after=%d", run.ID, last.SequenceNum-1), nil))
	require.Len(t, tail.Events, 1)
	assert.Equal(t, last.SequenceNum, tail.Events[0].SequenceNum)
}

func TestResearchStreamSSE(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/research", model.SubmitRequest{Query: "stream me"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	run := decodeData[model.ResearchRun](t, rec)

	resp, err := http.Get(ts.URL + "/v1/research/" + run.ID.String() + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Read frames until the terminal one; the server closes the stream
	// after writing it.
	var kinds []string
	var sawFinal bool
	scanner := bufio.NewScanner(resp.Body)
	var kind string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			kinds = append(kinds, kind)
			var payload model.EventPayload
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
			if payload.Final {
				sawFinal = true
			}
		}
	}

	assert.True(t, sawFinal, "stream must end with the terminal frame, got kinds %v", kinds)
	assert.Contains(t, kinds, string(model.EventStatus))
	assert.Contains(t, kinds, string(model.EventReport))
	assert.Equal(t, string(model.EventFinal), kinds[len(kinds)-1])
}

func TestCapabilityEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	models := decodeData[struct {
		Models map[string][]string `json:"models"`
	}](t, doJSON(t, h, http.MethodGet, "/v1/models", nil))
	require.Contains(t, models.Models, "gemini")
	assert.Contains(t, models.Models["gemini"], "gemini-1.5-pro")

	providers := decodeData[struct {
		Providers []websearch.ProviderInfo `json:"providers"`
	}](t, doJSON(t, h, http.MethodGet, "/v1/search-providers", nil))
	ids := make([]string, 0, len(providers.Providers))
	for _, p := range providers.Providers {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"searxng", "tavily"}, ids)
}

func TestLearningsSearchUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/learnings/search?q=go", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthWithoutBackends(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeData[struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		Qdrant   string `json:"qdrant"`
	}](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "disabled", health.Postgres)
	assert.Equal(t, "disabled", health.Qdrant)
}

func TestRateLimiting(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	srv, _ := newTestServer(t, limiter)
	h := srv.Handler()

	first := doJSON(t, h, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, h, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, model.ErrCodeRateLimited, decodeErr(t, second).Error.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	// Health is not rate limited.
	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/healthz", nil).Code)
}
