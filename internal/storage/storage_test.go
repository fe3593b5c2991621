package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/tansa/internal/model"
	"github.com/nagare-ai/tansa/internal/storage"
	"github.com/nagare-ai/tansa/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func sampleRun() model.ResearchRun {
	now := time.Now().UTC().Truncate(time.Microsecond)
	report := "# Findings"
	return model.ResearchRun{
		ID:    uuid.New(),
		Query: "history of go generics",
		Parameters: model.RunParameters{
			Model:          "gemini-1.5-pro",
			SearchProvider: "searxng",
			MaxDepth:       2,
			Breadth:        3,
			Requirement:    "cite sources",
		},
		Status:         model.RunStatusCompleted,
		VisitedQueries: []string{"go generics history", "go 1.18 release"},
		Learnings: []model.Learning{
			{
				Text:          "Go 1.18 shipped generics in March 2022.",
				SourceQueries: []string{"go generics history"},
				SourceURLs:    []string{"https://go.dev/blog/go1.18"},
				Depth:         0,
				DiscoveredAt:  now,
				Embedding:     []float32{0.25, -0.5, 0.75},
			},
			{
				Text:          "The type parameters proposal was accepted in 2021.",
				SourceQueries: []string{"go 1.18 release"},
				Depth:         1,
				DiscoveredAt:  now,
			},
		},
		Report:      &report,
		CreatedAt:   now,
		CompletedAt: &now,
	}
}

func TestSaveAndGetRun(t *testing.T) {
	ctx := context.Background()
	run := sampleRun()

	require.NoError(t, testDB.SaveRun(ctx, run))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.Query, got.Query)
	assert.Equal(t, run.Parameters, got.Parameters)
	assert.Equal(t, run.Status, got.Status)
	assert.Equal(t, run.VisitedQueries, got.VisitedQueries)
	require.NotNil(t, got.Report)
	assert.Equal(t, *run.Report, *got.Report)
	assert.Nil(t, got.Error)

	require.Len(t, got.Learnings, 2)
	assert.Equal(t, run.Learnings[0].Text, got.Learnings[0].Text)
	assert.Equal(t, run.Learnings[0].SourceURLs, got.Learnings[0].SourceURLs)
	assert.Equal(t, 1, got.Learnings[1].Depth)

	// The dedup-time vector survives the round trip; a learning saved
	// without one comes back empty rather than zero-filled.
	assert.Equal(t, run.Learnings[0].Embedding, got.Learnings[0].Embedding)
	assert.Empty(t, got.Learnings[1].Embedding)
}

func TestSaveRunUpsertsAndReplacesLearnings(t *testing.T) {
	ctx := context.Background()
	run := sampleRun()
	run.Status = model.RunStatusSearching
	run.Report = nil
	run.CompletedAt = nil
	run.Learnings = run.Learnings[:1]

	require.NoError(t, testDB.SaveRun(ctx, run))

	// Second save with more learnings and a terminal status.
	done := time.Now().UTC().Truncate(time.Microsecond)
	report := "final report"
	run.Status = model.RunStatusCompleted
	run.Report = &report
	run.CompletedAt = &done
	run.Learnings = append(run.Learnings, model.Learning{
		Text:          "A second, later learning.",
		SourceQueries: []string{"q2"},
		Depth:         1,
		DiscoveredAt:  done,
	})
	require.NoError(t, testDB.SaveRun(ctx, run))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.Learnings, 2)
	assert.Equal(t, "A second, later learning.", got.Learnings[1].Text)
}

func TestGetRunNotFound(t *testing.T) {
	_, err := testDB.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	first := sampleRun()
	second := sampleRun()
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	require.NoError(t, testDB.SaveRun(ctx, first))
	require.NoError(t, testDB.SaveRun(ctx, second))

	runs, total, err := testDB.ListRuns(ctx, 100, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 2)

	// Newest first; the second run was created later.
	idx := map[uuid.UUID]int{}
	for i, r := range runs {
		idx[r.ID] = i
	}
	require.Contains(t, idx, first.ID)
	require.Contains(t, idx, second.ID)
	assert.Less(t, idx[second.ID], idx[first.ID])
}

func TestAppendAndReadEvents(t *testing.T) {
	ctx := context.Background()
	run := sampleRun()
	require.NoError(t, testDB.SaveRun(ctx, run))

	now := time.Now().UTC().Truncate(time.Microsecond)
	events := []model.ProgressEvent{
		{RunID: run.ID, SequenceNum: 1, Kind: model.EventStatus,
			Payload: model.EventPayload{Status: model.RunStatusPlanning}, OccurredAt: now},
		{RunID: run.ID, SequenceNum: 2, Kind: model.EventLearnings,
			Payload: model.EventPayload{Learnings: run.Learnings}, OccurredAt: now},
		{RunID: run.ID, SequenceNum: 3, Kind: model.EventFinal,
			Payload: model.EventPayload{Status: model.RunStatusCompleted, Final: true}, OccurredAt: now},
	}
	require.NoError(t, testDB.AppendEvents(ctx, events))

	got, err := testDB.EventsByRun(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.EventStatus, got[0].Kind)
	assert.Equal(t, model.RunStatusPlanning, got[0].Payload.Status)
	assert.Len(t, got[1].Payload.Learnings, 2)
	assert.True(t, got[2].Payload.Final)

	// Cursor read skips already-seen events.
	tail, err := testDB.EventsByRun(ctx, run.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].SequenceNum)
}

func TestAppendEventsRejectsReplay(t *testing.T) {
	ctx := context.Background()
	run := sampleRun()
	require.NoError(t, testDB.SaveRun(ctx, run))

	ev := model.ProgressEvent{RunID: run.ID, SequenceNum: 1, Kind: model.EventStatus,
		Payload: model.EventPayload{Status: model.RunStatusPlanning}, OccurredAt: time.Now().UTC()}
	require.NoError(t, testDB.AppendEvents(ctx, []model.ProgressEvent{ev}))
	assert.Error(t, testDB.AppendEvents(ctx, []model.ProgressEvent{ev}))
}
