// Package engine implements the recursive research orchestration core:
// planning sub-queries, dispatching concurrent search/extraction,
// deduplicating learnings, controlling recursion termination, and
// synthesizing the final report.
//
// Concurrency model: each run executes on its own goroutine, which is
// the only writer of the run's state. Within a round, sub-query workers
// run concurrently and funnel their results back to the controller over
// a channel; workers never touch run state directly. External readers
// get deep-copied snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nagare-ai/tansa/internal/dedup"
	"github.com/nagare-ai/tansa/internal/model"
	"github.com/nagare-ai/tansa/internal/progress"
	"github.com/nagare-ai/tansa/internal/provider"
	"github.com/nagare-ai/tansa/internal/websearch"
)

// ErrUnknownRun is returned for run ids the engine has never seen.
var ErrUnknownRun = errors.New("engine: unknown run")

// ErrInvalidParameters wraps submission precondition failures. These
// are rejected synchronously; no run is created.
var ErrInvalidParameters = errors.New("engine: invalid parameters")

// Store persists run snapshots and progress events. Persistence is
// durability only: it is never on the fan-out path, and a nil Store
// disables it entirely.
type Store interface {
	SaveRun(ctx context.Context, run model.ResearchRun) error
	AppendEvents(ctx context.Context, events []model.ProgressEvent) error
}

// Index receives a completed run's learnings for cross-run semantic
// search. Optional; nil disables indexing.
type Index interface {
	IndexLearnings(ctx context.Context, runID uuid.UUID, learnings []model.Learning) error
}

// Config tunes the engine.
type Config struct {
	DefaultModel          string
	DefaultSearchProvider string

	// SubQueryTimeout bounds one search+extract worker. A timed-out
	// worker is a per-item failure, never a run failure.
	SubQueryTimeout time.Duration

	// SynthesisTimeout bounds the final report call (per attempt).
	SynthesisTimeout time.Duration

	// ContinueOnEmptyRound keeps recursing when a middle round yields
	// zero new learnings. Tunable policy, on by default.
	ContinueOnEmptyRound bool

	// AllowDegradedSearch lets the search chain synthesize flagged
	// placeholder results when every backend fails, instead of
	// recording the sub-query as failed.
	AllowDegradedSearch bool

	// TerminalRunCap bounds how many finished runs stay in memory.
	// When a run finishes beyond the cap, the oldest finished runs are
	// evicted together with their event logs; with a Store configured
	// they remain readable from the database. Zero means the default of
	// 1000; negative disables eviction.
	TerminalRunCap int
}

func (c *Config) applyDefaults() {
	if c.DefaultModel == "" {
		c.DefaultModel = "gemini-1.5-pro"
	}
	if c.DefaultSearchProvider == "" {
		c.DefaultSearchProvider = "searxng"
	}
	if c.SubQueryTimeout <= 0 {
		c.SubQueryTimeout = 90 * time.Second
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 3 * time.Minute
	}
	if c.TerminalRunCap == 0 {
		c.TerminalRunCap = 1000
	}
}

// Engine owns every live run.
type Engine struct {
	cfg       Config
	providers *provider.Registry
	searchers []websearch.Searcher
	dedup     *dedup.Deduplicator
	publisher *progress.Publisher
	store     Store
	index     Index
	logger    *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu   sync.RWMutex
	runs map[uuid.UUID]*runner
	wg   sync.WaitGroup
}

// New creates an Engine. Store and Index may be nil.
func New(cfg Config, providers *provider.Registry, searchers []websearch.Searcher, dd *dedup.Deduplicator, pub *progress.Publisher, store Store, index Index, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		providers:  providers,
		searchers:  searchers,
		dedup:      dd,
		publisher:  pub,
		store:      store,
		index:      index,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		runs:       make(map[uuid.UUID]*runner),
	}
}

// DefaultParameters exposes the configured defaults for submission resolution.
func (e *Engine) DefaultParameters() (model string, searchProvider string) {
	return e.cfg.DefaultModel, e.cfg.DefaultSearchProvider
}

// Submit validates parameters, creates a pending run, and starts its
// controller goroutine. The returned snapshot already has status
// pending; the caller's request cycle never waits on research progress.
func (e *Engine) Submit(query string, params model.RunParameters) (model.ResearchRun, error) {
	if !e.providers.Recognizes(params.Model) {
		return model.ResearchRun{}, fmt.Errorf("%w: unrecognized model %q", ErrInvalidParameters, params.Model)
	}
	if e.searcherByName(params.SearchProvider) == nil {
		return model.ResearchRun{}, fmt.Errorf("%w: unrecognized search provider %q", ErrInvalidParameters, params.SearchProvider)
	}
	if params.MaxDepth < 1 || params.Breadth < 1 {
		return model.ResearchRun{}, fmt.Errorf("%w: max_depth and breadth must be positive", ErrInvalidParameters)
	}

	gen, err := e.providers.Lookup(params.Model)
	if err != nil {
		return model.ResearchRun{}, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	run := model.ResearchRun{
		ID:         uuid.New(),
		Query:      query,
		Parameters: params,
		Status:     model.RunStatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	r := &runner{
		engine: e,
		gen:    gen,
		chain:  e.chainFor(params.SearchProvider),
		run:    run,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.runs[run.ID] = r
	e.mu.Unlock()

	r.emit(model.EventStatus, model.EventPayload{Status: model.RunStatusPending})
	r.persist()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(r.done)
		r.loop(e.baseCtx)
	}()

	return run, nil
}

// Snapshot returns a deep copy of the run's current state.
func (e *Engine) Snapshot(id uuid.UUID) (model.ResearchRun, bool) {
	e.mu.RLock()
	r, ok := e.runs[id]
	e.mu.RUnlock()
	if !ok {
		return model.ResearchRun{}, false
	}
	return r.snapshot(), true
}

// Runs returns snapshots of every run the engine knows, newest first.
func (e *Engine) Runs() []model.ResearchRun {
	e.mu.RLock()
	runners := make([]*runner, 0, len(e.runs))
	for _, r := range e.runs {
		runners = append(runners, r)
	}
	e.mu.RUnlock()

	out := make([]model.ResearchRun, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ModelCatalog exposes the configured model listing for capability discovery.
func (e *Engine) ModelCatalog() map[string][]string {
	return e.providers.Catalog()
}

// Cancel requests cancellation of a run. The request is observed at the
// next round boundary; in-flight sub-query workers finish but their
// results are discarded. Cancelling a terminal run is a no-op.
func (e *Engine) Cancel(id uuid.UUID) error {
	e.mu.RLock()
	r, ok := e.runs[id]
	e.mu.RUnlock()
	if !ok {
		return ErrUnknownRun
	}
	r.cancelled.Store(true)
	return nil
}

// Close stops accepting progress and waits for in-flight runs to
// observe cancellation, up to ctx's deadline.
func (e *Engine) Close(ctx context.Context) error {
	e.baseCancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown timed out: %w", ctx.Err())
	}
}

// evictTerminal drops the oldest finished runs beyond the retention
// cap, releasing their runner state and publisher event logs. Called
// from each run's own goroutine after it reaches a terminal status.
func (e *Engine) evictTerminal() {
	limit := e.cfg.TerminalRunCap
	if limit <= 0 {
		return
	}

	type finishedRun struct {
		id          uuid.UUID
		completedAt time.Time
	}

	e.mu.Lock()
	var finished []finishedRun
	for id, r := range e.runs {
		r.mu.RLock()
		if r.run.Status.Terminal() && r.run.CompletedAt != nil {
			finished = append(finished, finishedRun{id: id, completedAt: *r.run.CompletedAt})
		}
		r.mu.RUnlock()
	}
	if len(finished) <= limit {
		e.mu.Unlock()
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].completedAt.Before(finished[j].completedAt)
	})
	evicted := finished[:len(finished)-limit]
	for _, f := range evicted {
		delete(e.runs, f.id)
	}
	e.mu.Unlock()

	for _, f := range evicted {
		e.publisher.Drop(f.id)
	}
	e.logger.Info("engine: evicted finished runs", "count", len(evicted))
}

func (e *Engine) searcherByName(name string) websearch.Searcher {
	for _, s := range e.searchers {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// chainFor builds a fallback chain with the preferred provider first
// and every other configured provider behind it.
func (e *Engine) chainFor(preferred string) *websearch.Chain {
	ordered := make([]websearch.Searcher, 0, len(e.searchers))
	if p := e.searcherByName(preferred); p != nil {
		ordered = append(ordered, p)
	}
	for _, s := range e.searchers {
		if s.Name() != preferred {
			ordered = append(ordered, s)
		}
	}
	return websearch.NewChain(ordered, e.cfg.AllowDegradedSearch, e.logger)
}

// runner owns one run for its lifetime. Only loop() and the helpers it
// calls mutate r.run; snapshot() and cancel flags are the only
// cross-goroutine surface.
type runner struct {
	engine *Engine
	gen    provider.Generator
	chain  *websearch.Chain

	mu  sync.RWMutex
	run model.ResearchRun

	cancelled atomic.Bool
	done      chan struct{}
}

func (r *runner) snapshot() model.ResearchRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.run.Snapshot()
}

// loop drives the state machine: Pending → Planning → Expanding →
// (recurse | Synthesizing) → Completed, with NoResults, Cancelled, and
// Error terminals.
func (r *runner) loop(ctx context.Context) {
	e := r.engine
	params := r.run.Parameters

	set := e.dedup.NewSet()
	visited := make(map[string]struct{})
	var followUps []string
	pl := &planner{gen: r.gen, model: params.Model}
	ex := &extractor{chain: r.chain, gen: r.gen, model: params.Model}

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("engine: run panicked", "run_id", r.run.ID, "panic", rec)
			r.fail(fmt.Sprintf("internal error: %v", rec))
		}
	}()

	for depth := 0; depth < params.MaxDepth; depth++ {
		if r.cancelRequested(ctx) {
			r.finish(model.RunStatusCancelled)
			return
		}

		r.transition(model.RunStatusPlanning)
		planned, err := pl.plan(ctx, r.run.Query, set.Learnings(), visited, r.visitedQueries(), followUps, params.Breadth, depth)
		if err != nil {
			if errors.Is(err, ErrNoViableExpansion) {
				e.logger.Info("engine: no viable expansion, stopping early", "run_id", r.run.ID, "depth", depth)
				break
			}
			// plan only fails with ErrNoViableExpansion today; anything
			// else is a precondition failure.
			r.fail(fmt.Sprintf("planning failed: %v", err))
			return
		}

		// Mark every planned sub-query visited before dispatch so no
		// concurrently-planned round can explore it twice.
		for _, pq := range planned {
			norm := dedup.Normalize(pq.Query)
			visited[norm] = struct{}{}
			r.appendVisited(norm)
		}

		r.transition(model.RunStatusSearching)
		settled := r.dispatch(ctx, ex, planned, depth)

		// Cancellation during the round: workers were allowed to
		// finish, but their results are discarded.
		if r.cancelRequested(ctx) {
			r.finish(model.RunStatusCancelled)
			return
		}

		r.transition(model.RunStatusExtracting)
		var newLearnings []model.Learning
		failures := 0
		followUps = followUps[:0]
		for _, x := range settled {
			if x.Err != nil {
				failures++
				e.logger.Warn("engine: sub-query failed, skipping",
					"run_id", r.run.ID, "query", x.Query, "depth", depth, "error", x.Err)
				continue
			}
			if x.Degraded {
				e.logger.Warn("engine: sub-query used degraded search results",
					"run_id", r.run.ID, "query", x.Query)
			}
			for _, l := range x.Learnings {
				if set.Add(ctx, l) {
					newLearnings = append(newLearnings, l.Clone())
				}
			}
			followUps = append(followUps, x.FollowUps...)
		}

		if len(newLearnings) > 0 {
			r.setLearnings(set.Learnings())
			r.emit(model.EventLearnings, model.EventPayload{Learnings: newLearnings})
			r.persist()
		}

		if failures == len(settled) {
			e.logger.Warn("engine: every sub-query in round failed",
				"run_id", r.run.ID, "depth", depth, "failures", failures)
		}

		// Termination checks, in order.
		if depth == params.MaxDepth-1 {
			break
		}
		if len(newLearnings) == 0 {
			if depth == 0 {
				r.finish(model.RunStatusNoResults)
				return
			}
			if !e.cfg.ContinueOnEmptyRound {
				break
			}
		}
	}

	if r.cancelRequested(ctx) {
		r.finish(model.RunStatusCancelled)
		return
	}
	if set.Len() == 0 {
		r.finish(model.RunStatusNoResults)
		return
	}

	r.transition(model.RunStatusSynthesizing)
	sy := &synthesizer{gen: r.gen, model: params.Model}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SynthesisTimeout)
	report, err := sy.synthesize(sctx, r.run.Query, set.Learnings(), params.Requirement)
	cancel()
	if err != nil {
		// Learnings stay on the snapshot; partial results are never
		// discarded.
		r.fail(fmt.Sprintf("report synthesis failed: %v", err))
		return
	}

	r.setReport(report)
	r.emit(model.EventReport, model.EventPayload{Report: report})
	r.finish(model.RunStatusCompleted)

	if e.index != nil {
		ictx, icancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := e.index.IndexLearnings(ictx, r.run.ID, r.snapshot().Learnings); err != nil {
			e.logger.Warn("engine: learning index update failed", "run_id", r.run.ID, "error", err)
		}
		icancel()
	}
}

// dispatch fans one round's sub-queries out to concurrent workers and
// waits for every one to settle. Results funnel back over a channel;
// workers never mutate shared state.
func (r *runner) dispatch(ctx context.Context, ex *extractor, planned []plannedQuery, depth int) []extraction {
	results := make(chan extraction, len(planned))
	for _, pq := range planned {
		go func(pq plannedQuery) {
			wctx, cancel := context.WithTimeout(ctx, r.engine.cfg.SubQueryTimeout)
			defer cancel()
			results <- ex.process(wctx, pq, depth)
		}(pq)
	}

	settled := make([]extraction, 0, len(planned))
	for range planned {
		settled = append(settled, <-results)
	}
	return settled
}

func (r *runner) cancelRequested(ctx context.Context) bool {
	return r.cancelled.Load() || ctx.Err() != nil
}

// transition sets a non-terminal status and emits the change.
func (r *runner) transition(status model.RunStatus) {
	r.mu.Lock()
	r.run.Status = status
	r.mu.Unlock()
	r.emit(model.EventStatus, model.EventPayload{Status: status})
	r.persist()
}

// finish sets a terminal status and emits both the status change and
// the terminal marker so stream consumers know to stop waiting.
func (r *runner) finish(status model.RunStatus) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.run.Status = status
	r.run.CompletedAt = &now
	r.mu.Unlock()

	r.emit(model.EventStatus, model.EventPayload{Status: status})
	r.emit(model.EventFinal, model.EventPayload{Status: status, Final: true})
	r.persist()
	r.engine.logger.Info("engine: run finished", "run_id", r.run.ID, "status", status)
	r.engine.evictTerminal()
}

// fail records a run-level error. Terminal from any non-terminal state.
func (r *runner) fail(cause string) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.run.Status = model.RunStatusError
	r.run.Error = &cause
	r.run.CompletedAt = &now
	r.mu.Unlock()

	r.emit(model.EventError, model.EventPayload{Error: cause})
	r.emit(model.EventFinal, model.EventPayload{Status: model.RunStatusError, Error: cause, Final: true})
	r.persist()
	r.engine.logger.Error("engine: run failed", "run_id", r.run.ID, "cause", cause)
	r.engine.evictTerminal()
}

func (r *runner) appendVisited(norm string) {
	r.mu.Lock()
	r.run.VisitedQueries = append(r.run.VisitedQueries, norm)
	r.mu.Unlock()
}

func (r *runner) visitedQueries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.run.VisitedQueries...)
}

func (r *runner) setLearnings(learnings []model.Learning) {
	copied := make([]model.Learning, len(learnings))
	for i, l := range learnings {
		copied[i] = l.Clone()
	}
	r.mu.Lock()
	r.run.Learnings = copied
	r.mu.Unlock()
}

func (r *runner) setReport(report string) {
	r.mu.Lock()
	r.run.Report = &report
	r.mu.Unlock()
}

func (r *runner) emit(kind model.EventKind, payload model.EventPayload) {
	e := r.engine
	ev, ok := e.publisher.Emit(r.run.ID, kind, payload)
	if !ok || e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.AppendEvents(ctx, []model.ProgressEvent{ev}); err != nil {
		e.logger.Warn("engine: persist event failed", "run_id", r.run.ID, "error", err)
	}
}

// persist writes the current snapshot through the store, best-effort.
func (r *runner) persist() {
	e := r.engine
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.SaveRun(ctx, r.snapshot()); err != nil {
		e.logger.Warn("engine: persist run failed", "run_id", r.run.ID, "error", err)
	}
}
