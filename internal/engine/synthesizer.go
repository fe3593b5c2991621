package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/nagare-ai/tansa/internal/model"
	"github.com/nagare-ai/tansa/internal/provider"
)

// synthesizer compiles the final report from every accumulated learning.
type synthesizer struct {
	gen   provider.Generator
	model string
}

// synthesize orders learnings by depth then discovery order (stable and
// deterministic for identical input) and asks the model for the report.
// One retry on failure; a second failure escalates to the caller, which
// turns it into a run-level error with the learnings preserved.
func (s *synthesizer) synthesize(ctx context.Context, originalQuery string, learnings []model.Learning, requirement string) (string, error) {
	ordered := make([]model.Learning, len(learnings))
	copy(ordered, learnings)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Depth < ordered[j].Depth
	})

	prompt := reportPrompt(originalQuery, ordered, requirement)

	report, err := s.gen.Generate(ctx, s.model, systemPrompt(), prompt)
	if err == nil && report != "" {
		return report, nil
	}
	if ctx.Err() != nil {
		return "", provider.Transient(ctx.Err())
	}

	report, err = s.gen.Generate(ctx, s.model, systemPrompt(), prompt)
	if err != nil {
		return "", err
	}
	if report == "" {
		return "", provider.InvalidFormat(errors.New("model returned an empty report"))
	}
	return report, nil
}
