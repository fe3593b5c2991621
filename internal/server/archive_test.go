package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/nagare-ai/tansa/internal/testutil"
	"github.com/nagare-ai/tansa/internal/websearch"
)

// newArchivedRunFixture builds a server whose engine has never seen the
// returned run: the run and its event log exist only in Postgres, as
// after a process restart. Skips when Docker is unavailable.
func newArchivedRunFixture(t *testing.T) (http.Handler, model.ResearchRun) {
	t.Helper()
	ctx := context.Background()

	tc, err := testutil.StartPostgres(ctx)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(tc.Terminate)

	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(db.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := progress.NewPublisher(logger)
	eng := engine.New(
		engine.Config{DefaultModel: "gemini-1.5-pro", DefaultSearchProvider: "searxng"},
		provider.NewRegistry(&scriptedGen{}),
		[]websearch.Searcher{fixedSearch{}},
		dedup.New(nil, logger),
		pub, db, nil, logger)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(cctx)
	})

	now := time.Now().UTC().Truncate(time.Microsecond)
	report := "# Archived Findings"
	run := model.ResearchRun{
		ID:    uuid.New(),
		Query: "an earlier process lifetime's research",
		Parameters: model.RunParameters{
			Model: "gemini-1.5-pro", SearchProvider: "searxng", MaxDepth: 1, Breadth: 1,
		},
		Status:         model.RunStatusCompleted,
		VisitedQueries: []string{"archived sub-query"},
		Learnings: []model.Learning{
			{Text: "An archived fact.", SourceQueries: []string{"archived sub-query"}, DiscoveredAt: now},
		},
		Report:      &report,
		CreatedAt:   now.Add(-time.Minute),
		CompletedAt: &now,
	}
	require.NoError(t, db.SaveRun(ctx, run))
	require.NoError(t, db.AppendEvents(ctx, []model.ProgressEvent{
		{RunID: run.ID, SequenceNum: 1, Kind: model.EventStatus,
			Payload: model.EventPayload{Status: model.RunStatusPlanning}, OccurredAt: now},
		{RunID: run.ID, SequenceNum: 2, Kind: model.EventLearnings,
			Payload: model.EventPayload{Learnings: run.Learnings}, OccurredAt: now},
		{RunID: run.ID, SequenceNum: 3, Kind: model.EventReport,
			Payload: model.EventPayload{Report: report}, OccurredAt: now},
		{RunID: run.ID, SequenceNum: 4, Kind: model.EventFinal,
			Payload: model.EventPayload{Status: model.RunStatusCompleted, Final: true}, OccurredAt: now},
	}))

	srv := New(Config{
		Engine:              eng,
		Publisher:           pub,
		DB:                  db,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	return srv.Handler(), run
}

func TestArchivedRunServedFromDatabase(t *testing.T) {
	h, run := newArchivedRunFixture(t)

	t.Run("snapshot", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/v1/research/"+run.ID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decodeData[model.ResearchRun](t, rec)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, model.RunStatusCompleted, got.Status)
	})

	t.Run("events", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/v1/research/"+run.ID.String()+"/events", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		page := decodeData[struct {
			Events   []model.ProgressEvent `json:"events"`
			Finished bool                  `json:"finished"`
		}](t, rec)
		require.Len(t, page.Events, 4)
		assert.True(t, page.Finished)
		assert.True(t, page.Events[3].Payload.Final)

		// The cursor works against the persisted log too.
		tail := decodeData[struct {
			Events []model.ProgressEvent `json:"events"`
		}](t, doJSON(t, h, http.MethodGet, "/v1/research/"+run.ID.String()+"/events?after=3", nil))
		require.Len(t, tail.Events, 1)
		assert.Equal(t, int64(4), tail.Events[0].SequenceNum)
	})

	t.Run("stream replay", func(t *testing.T) {
		ts := httptest.NewServer(h)
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/v1/research/" + run.ID.String() + "/stream")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

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
				if strings.Contains(line, `"final":true`) {
					sawFinal = true
				}
			}
		}
		require.NoError(t, scanner.Err())
		assert.True(t, sawFinal)
		assert.Equal(t, string(model.EventFinal), kinds[len(kinds)-1])
	})

	t.Run("unknown id still 404s", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/v1/research/"+uuid.NewString()+"/events", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}
