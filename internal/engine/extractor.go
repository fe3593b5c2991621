package engine

import (
	"context"
	"time"

	"github.com/nagare-ai/tansa/internal/model"
	"github.com/nagare-ai/tansa/internal/provider"
	"github.com/nagare-ai/tansa/internal/websearch"
)

// extraction is the settled outcome of processing one sub-query.
// Err is per-item: the controller records it and moves on; it never
// fails the round.
type extraction struct {
	Query     string
	Learnings []model.Learning
	FollowUps []string
	Degraded  bool
	Err       error
}

// extractor runs search-then-extract for a single sub-query.
type extractor struct {
	chain *websearch.Chain
	gen   provider.Generator
	model string
}

type extractionResponse struct {
	Learnings         []string `json:"learnings"`
	FollowUpQuestions []string `json:"followUpQuestions"`
}

// process fetches search results for the sub-query and extracts atomic
// learnings plus follow-up questions from them.
func (x *extractor) process(ctx context.Context, pq plannedQuery, depth int) extraction {
	out := extraction{Query: pq.Query}

	sr, err := x.chain.Search(ctx, pq.Query)
	if err != nil {
		out.Err = err
		return out
	}
	out.Degraded = sr.Degraded
	if len(sr.Results) == 0 {
		return out
	}

	var resp extractionResponse
	err = provider.GenerateJSON(ctx, x.gen, x.model, systemPrompt(),
		extractPrompt(pq.Query, pq.ResearchGoal, sr.Results), &resp)
	if err != nil {
		out.Err = err
		return out
	}

	urls := make([]string, 0, len(sr.Results))
	for _, r := range sr.Results {
		urls = append(urls, r.URL)
	}

	now := time.Now().UTC()
	for _, text := range resp.Learnings {
		if text == "" {
			continue
		}
		out.Learnings = append(out.Learnings, model.Learning{
			Text:          text,
			SourceQueries: []string{pq.Query},
			SourceURLs:    urls,
			Depth:         depth,
			DiscoveredAt:  now,
		})
	}
	out.FollowUps = resp.FollowUpQuestions
	return out
}
