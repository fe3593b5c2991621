package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/nagare-ai/tansa/internal/dedup"
	"github.com/nagare-ai/tansa/internal/model"
	"github.com/nagare-ai/tansa/internal/provider"
)

// ErrNoViableExpansion signals that planning produced no unexplored
// sub-queries. It is a normal termination condition, not a failure.
var ErrNoViableExpansion = errors.New("engine: no viable expansion")

// plannedQuery is one sub-query with the goal the model attached to it.
// The goal is threaded into the extraction prompt so the extractor
// knows what the sub-query was meant to establish.
type plannedQuery struct {
	Query        string `json:"query"`
	ResearchGoal string `json:"researchGoal"`
}

// planner produces the next round's sub-queries through the model adapter.
type planner struct {
	gen   provider.Generator
	model string
}

// plan asks the model for up to breadth sub-queries, drops anything
// that normalizes onto an already-visited query, and returns the
// survivors. Zero survivors is ErrNoViableExpansion.
//
// At depth 0 a model failure degrades to planning the original query
// itself as the lone sub-query, so a flaky planner never kills a run
// before its first search.
func (p *planner) plan(ctx context.Context, originalQuery string, learnings []model.Learning, visited map[string]struct{}, visitedOrder, followUps []string, breadth, depth int) ([]plannedQuery, error) {
	var planned []plannedQuery
	err := provider.GenerateJSON(ctx, p.gen, p.model, systemPrompt(),
		planPrompt(originalQuery, learnings, visitedOrder, followUps, breadth), &planned)
	if err != nil {
		if depth == 0 {
			planned = []plannedQuery{{Query: originalQuery, ResearchGoal: "Research the main query"}}
		} else {
			// Deeper rounds absorb planner failures as "nothing left
			// to explore"; the run keeps whatever it has learned.
			return nil, fmt.Errorf("%w: planner failed: %v", ErrNoViableExpansion, err)
		}
	}

	if len(planned) > breadth {
		planned = planned[:breadth]
	}

	out := make([]plannedQuery, 0, len(planned))
	seen := make(map[string]struct{}, len(planned))
	for _, pq := range planned {
		norm := dedup.Normalize(pq.Query)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		if _, explored := visited[norm]; explored {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, pq)
	}

	if len(out) == 0 {
		return nil, ErrNoViableExpansion
	}
	return out, nil
}
