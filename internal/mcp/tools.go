package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/nagare-ai/tansa/internal/engine"
	"github.com/nagare-ai/tansa/internal/model"
)

func (s *Server) registerTools() {
	// tansa_research: launch a research run.
	s.mcpServer.AddTool(
		mcplib.NewTool("tansa_research",
			mcplib.WithDescription(`Launch a recursive web research run on a topic.

The run executes asynchronously: the engine plans search queries, reads
results, extracts learnings, and recurses into follow-up questions until
the depth budget is spent, then writes a final report.

WHAT YOU GET BACK: the run id and its initial status. Poll tansa_status
with the id until status is "completed" (or a failure status), then read
the report from the status result.

EXAMPLE: tansa_research with query="state of solid-state battery
manufacturing in 2026" and max_depth=3 for a deeper investigation.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("The research question or topic to investigate"),
				mcplib.Required(),
			),
			mcplib.WithString("model",
				mcplib.Description("LLM to plan, extract, and synthesize with. Omit to use the deployment default. See the tansa://capabilities resource for configured models."),
			),
			mcplib.WithString("search_provider",
				mcplib.Description("Web search backend to use. Omit to use the deployment default."),
			),
			mcplib.WithNumber("max_depth",
				mcplib.Description("How many rounds of recursive follow-up to run"),
				mcplib.Min(1),
				mcplib.Max(model.MaxDepthLimit),
				mcplib.DefaultNumber(model.DefaultMaxDepth),
			),
			mcplib.WithNumber("breadth",
				mcplib.Description("How many parallel search queries per round"),
				mcplib.Min(1),
				mcplib.Max(model.MaxBreadthLimit),
				mcplib.DefaultNumber(model.DefaultBreadth),
			),
			mcplib.WithString("requirement",
				mcplib.Description("Optional instruction for the final report, e.g. format or audience"),
			),
		),
		s.handleResearch,
	)

	// tansa_status: read a run's current state.
	s.mcpServer.AddTool(
		mcplib.NewTool("tansa_status",
			mcplib.WithDescription(`Read the current state of a research run.

Returns the run's status, visited queries, learnings gathered so far,
and the final report once the run has completed. Poll this after
tansa_research until the status is terminal: completed, error,
cancelled, or no_results.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run id returned by tansa_research"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("include_learnings",
				mcplib.Description("Include the full learnings list in the result. Defaults to true; set false to keep the result small while polling."),
				mcplib.DefaultBool(true),
			),
		),
		s.handleStatus,
	)

	// tansa_cancel: stop a running research run.
	s.mcpServer.AddTool(
		mcplib.NewTool("tansa_cancel",
			mcplib.WithDescription(`Cancel an in-flight research run.

Cancellation takes effect at the next round boundary; learnings gathered
in completed rounds are kept on the run. Cancelling a run that already
reached a terminal status is a no-op.`),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run id to cancel"),
				mcplib.Required(),
			),
		),
		s.handleCancel,
	)

	if s.learningIndex != nil {
		// tansa_learnings_search: semantic search across all past runs.
		s.mcpServer.AddTool(
			mcplib.NewTool("tansa_learnings_search",
				mcplib.WithDescription(`Search learnings from all completed research runs by meaning.

Use this before launching a new run: if a past run already covered the
topic, the learnings surface here and you can read the full run with
tansa_status instead of paying for a fresh investigation.`),
				mcplib.WithReadOnlyHintAnnotation(true),
				mcplib.WithIdempotentHintAnnotation(true),
				mcplib.WithOpenWorldHintAnnotation(false),
				mcplib.WithString("query",
					mcplib.Description("Natural language query to match learnings against"),
					mcplib.Required(),
				),
				mcplib.WithNumber("limit",
					mcplib.Description("Maximum number of learnings to return"),
					mcplib.Min(1),
					mcplib.Max(100),
					mcplib.DefaultNumber(10),
				),
			),
			s.handleLearningsSearch,
		)
	}
}

func (s *Server) handleResearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.SubmitRequest{
		Query:          request.GetString("query", ""),
		Model:          request.GetString("model", ""),
		SearchProvider: request.GetString("search_provider", ""),
		Requirement:    request.GetString("requirement", ""),
	}
	if d := request.GetInt("max_depth", 0); d != 0 {
		req.MaxDepth = &d
	}
	if b := request.GetInt("breadth", 0); b != 0 {
		req.Breadth = &b
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	defaultModel, defaultProvider := s.engine.DefaultParameters()
	run, err := s.engine.Submit(req.Query, req.Parameters(defaultModel, defaultProvider))
	if err != nil {
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}

	s.logger.Info("mcp research submitted", "run_id", run.ID, "model", run.Parameters.Model)

	return jsonResult(map[string]any{
		"run_id": run.ID,
		"status": run.Status,
		"query":  run.Query,
	}), nil
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a valid UUID"), nil
	}

	run, ok := s.engine.Snapshot(id)
	if !ok {
		return errorResult(fmt.Sprintf("run %s not found", id)), nil
	}

	if !request.GetBool("include_learnings", true) {
		run.Learnings = nil
	}

	return jsonResult(run), nil
}

func (s *Server) handleCancel(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a valid UUID"), nil
	}

	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrUnknownRun) {
			return errorResult(fmt.Sprintf("run %s not found", id)), nil
		}
		return errorResult(fmt.Sprintf("cancel failed: %v", err)), nil
	}

	run, _ := s.engine.Snapshot(id)
	return jsonResult(map[string]any{
		"run_id": id,
		"status": run.Status,
	}), nil
}

func (s *Server) handleLearningsSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", 10)

	hits, err := s.learningIndex.Search(ctx, query, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	return jsonResult(map[string]any{"hits": hits}), nil
}
