package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nagare-ai/tansa/internal/model"
)

// AppendEvents inserts progress events using the COPY protocol.
// Sequence numbers are assigned by the in-process publisher; the
// (run_id, sequence_num) primary key makes accidental replays fail
// loudly instead of corrupting the log.
func (db *DB) AppendEvents(ctx context.Context, events []model.ProgressEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("storage: marshal event payload: %w", err)
		}
		rows[i] = []any{e.RunID, e.SequenceNum, string(e.Kind), payload, e.OccurredAt}
	}

	// Dedicated COPY timeout so a hung Postgres cannot stall the
	// engine's write-through path indefinitely.
	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"progress_events"},
		[]string{"run_id", "sequence_num", "kind", "payload", "occurred_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("storage: copy events: %w", err)
	}
	return nil
}

// EventsByRun retrieves a run's events with sequence_num > after, in
// order. limit <= 0 defaults to 10000.
func (db *DB) EventsByRun(ctx context.Context, runID uuid.UUID, after int64, limit int) ([]model.ProgressEvent, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, sequence_num, kind, payload, occurred_at
		 FROM progress_events
		 WHERE run_id = $1 AND sequence_num > $2
		 ORDER BY sequence_num ASC
		 LIMIT $3`, runID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get events by run: %w", err)
	}
	defer rows.Close()

	var events []model.ProgressEvent
	for rows.Next() {
		var (
			e       model.ProgressEvent
			payload []byte
		)
		if err := rows.Scan(&e.RunID, &e.SequenceNum, &e.Kind, &payload, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("storage: unmarshal event payload: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
