package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/nagare-ai/tansa/internal/model"
)

// SaveRun upserts a run snapshot and replaces its learnings in one
// transaction. The engine calls this on every status transition, so the
// write must be cheap and idempotent: last writer wins, which is safe
// because exactly one controller goroutine writes a given run.
func (db *DB) SaveRun(ctx context.Context, run model.ResearchRun) error {
	return WithRetry(ctx, 2, 50*time.Millisecond, func() error {
		return db.saveRunOnce(ctx, run)
	})
}

func (db *DB) saveRunOnce(ctx context.Context, run model.ResearchRun) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin save run: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO research_runs
			(id, query, model, search_provider, max_depth, breadth, requirement,
			 status, visited_queries, report, error, created_at, completed_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			visited_queries = EXCLUDED.visited_queries,
			report = EXCLUDED.report,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at,
			updated_at = now()`,
		run.ID, run.Query, run.Parameters.Model, run.Parameters.SearchProvider,
		run.Parameters.MaxDepth, run.Parameters.Breadth, run.Parameters.Requirement,
		string(run.Status), notNil(run.VisitedQueries), run.Report, run.Error,
		run.CreatedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert run: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM learnings WHERE run_id = $1`, run.ID); err != nil {
		return fmt.Errorf("storage: clear learnings: %w", err)
	}
	if len(run.Learnings) > 0 {
		rows := make([][]any, len(run.Learnings))
		for i, l := range run.Learnings {
			var emb any
			if len(l.Embedding) > 0 {
				emb = pgvector.NewVector(l.Embedding)
			}
			rows[i] = []any{run.ID, i, l.Text, notNil(l.SourceQueries), notNil(l.SourceURLs), l.Depth, l.DiscoveredAt, emb}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"learnings"},
			[]string{"run_id", "position", "text", "source_queries", "source_urls", "depth", "discovered_at", "embedding"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("storage: copy learnings: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID, including its learnings.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.ResearchRun, error) {
	var run model.ResearchRun
	err := db.pool.QueryRow(ctx,
		`SELECT id, query, model, search_provider, max_depth, breadth, requirement,
			status, visited_queries, report, error, created_at, completed_at
		 FROM research_runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.Query, &run.Parameters.Model, &run.Parameters.SearchProvider,
		&run.Parameters.MaxDepth, &run.Parameters.Breadth, &run.Parameters.Requirement,
		&run.Status, &run.VisitedQueries, &run.Report, &run.Error,
		&run.CreatedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ResearchRun{}, ErrNotFound
		}
		return model.ResearchRun{}, fmt.Errorf("storage: get run: %w", err)
	}

	run.Learnings, err = db.learningsByRun(ctx, id)
	if err != nil {
		return model.ResearchRun{}, err
	}
	return run, nil
}

// ListRuns returns runs ordered by creation time, newest first.
func (db *DB) ListRuns(ctx context.Context, limit, offset int) ([]model.ResearchRun, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM research_runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, query, model, search_provider, max_depth, breadth, requirement,
			status, visited_queries, report, error, created_at, completed_at
		 FROM research_runs
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ResearchRun
	for rows.Next() {
		var r model.ResearchRun
		if err := rows.Scan(
			&r.ID, &r.Query, &r.Parameters.Model, &r.Parameters.SearchProvider,
			&r.Parameters.MaxDepth, &r.Parameters.Breadth, &r.Parameters.Requirement,
			&r.Status, &r.VisitedQueries, &r.Report, &r.Error,
			&r.CreatedAt, &r.CompletedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// notNil maps a nil slice to an empty one so NOT NULL array columns
// never see a SQL NULL.
func notNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (db *DB) learningsByRun(ctx context.Context, runID uuid.UUID) ([]model.Learning, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT text, source_queries, source_urls, depth, discovered_at, embedding
		 FROM learnings WHERE run_id = $1
		 ORDER BY position ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get learnings: %w", err)
	}
	defer rows.Close()

	var out []model.Learning
	for rows.Next() {
		var (
			l   model.Learning
			emb *pgvector.Vector
		)
		if err := rows.Scan(&l.Text, &l.SourceQueries, &l.SourceURLs, &l.Depth, &l.DiscoveredAt, &emb); err != nil {
			return nil, fmt.Errorf("storage: scan learning: %w", err)
		}
		if emb != nil {
			l.Embedding = emb.Slice()
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
