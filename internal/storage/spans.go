package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/segmentio/encoding/json"

	"github.com/ashita-ai/mamori/internal/model"
)

// RejectedSpan is a span the store refused, with the reason.
type RejectedSpan struct {
	TraceID string
	SpanID  string
	Reason  string
}

// InsertSpans stores a batch of normalized spans and refreshes the metadata of
// every touched trace in the same transaction. Spans already stored under the
// same (trace_id, span_id) are rejected as duplicates; the rest are accepted.
func (db *DB) InsertSpans(ctx context.Context, spans []model.Span) ([]model.Span, []RejectedSpan, error) {
	if len(spans) == 0 {
		return nil, nil, nil
	}
	now := time.Now().UTC()

	batch := &pgx.Batch{}
	for i := range spans {
		s := &spans[i]
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		s.CreatedAt, s.UpdatedAt = now, now
		raw, err := json.Marshal(s.RawData)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: encode span %s raw data: %w", s.SpanID, err)
		}
		batch.Queue(
			`INSERT INTO spans (id, trace_id, span_id, parent_span_id, span_kind, span_name,
			 start_time, end_time, task_id, session_id, status_code, raw_data, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $13)
			 ON CONFLICT (trace_id, span_id) DO NOTHING`,
			s.ID, s.TraceID, s.SpanID, s.ParentSpanID, s.SpanKind, s.SpanName,
			s.StartTime, s.EndTime, s.TaskID, s.SessionID, s.StatusCode, raw, now,
		)
	}

	var (
		accepted []model.Span
		rejected []RejectedSpan
	)
	err := db.inTx(ctx, "insert spans", func(tx pgx.Tx) error {
		accepted, rejected = nil, nil
		br := tx.SendBatch(ctx, batch)
		for _, s := range spans {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				if isForeignKeyViolation(err) {
					return fmt.Errorf("storage: span %s: task: %w", s.SpanID, ErrNotFound)
				}
				return fmt.Errorf("storage: insert span %s: %w", s.SpanID, err)
			}
			if tag.RowsAffected() == 0 {
				rejected = append(rejected, RejectedSpan{TraceID: s.TraceID, SpanID: s.SpanID, Reason: "duplicate span"})
				continue
			}
			accepted = append(accepted, s)
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("storage: insert spans: %w", err)
		}

		seen := make(map[string]bool)
		for _, s := range accepted {
			if seen[s.TraceID] {
				continue
			}
			seen[s.TraceID] = true
			if err := refreshTraceMetadata(ctx, tx, s.TraceID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return accepted, rejected, nil
}

// refreshTraceMetadata recomputes a trace's bounds and span count from its
// stored spans. Existing bounds are widened, never narrowed.
func refreshTraceMetadata(ctx context.Context, tx pgx.Tx, traceID string, now time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO trace_metadata (trace_id, task_id, start_time, end_time, span_count, created_at, updated_at)
		 SELECT $1,
		        (SELECT task_id FROM spans WHERE trace_id = $1 AND task_id IS NOT NULL ORDER BY start_time LIMIT 1),
		        min(start_time), max(end_time), count(*), $2, $2
		 FROM spans WHERE trace_id = $1
		 ON CONFLICT (trace_id) DO UPDATE SET
		   task_id    = COALESCE(trace_metadata.task_id, EXCLUDED.task_id),
		   start_time = LEAST(trace_metadata.start_time, EXCLUDED.start_time),
		   end_time   = GREATEST(trace_metadata.end_time, EXCLUDED.end_time),
		   span_count = EXCLUDED.span_count,
		   updated_at = EXCLUDED.updated_at`,
		traceID, now,
	)
	if err != nil {
		return fmt.Errorf("storage: refresh trace metadata %s: %w", traceID, err)
	}
	return nil
}

const spanColumns = `id, trace_id, span_id, parent_span_id, span_kind, span_name, start_time, end_time,
	task_id, session_id, status_code, raw_data, created_at, updated_at`

// GetTrace returns a trace's metadata and its spans ordered by start time.
func (db *DB) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	var t model.Trace
	err := db.pool.QueryRow(ctx,
		`SELECT trace_id, task_id, start_time, end_time, span_count, created_at, updated_at
		 FROM trace_metadata WHERE trace_id = $1`, traceID,
	).Scan(&t.TraceID, &t.TaskID, &t.StartTime, &t.EndTime, &t.SpanCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Trace{}, fmt.Errorf("storage: trace %s: %w", traceID, ErrNotFound)
		}
		return model.Trace{}, fmt.Errorf("storage: get trace: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+spanColumns+` FROM spans WHERE trace_id = $1 ORDER BY start_time, span_id`, traceID)
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: trace spans: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return model.Trace{}, err
		}
		t.Spans = append(t.Spans, s)
	}
	if err := rows.Err(); err != nil {
		return model.Trace{}, fmt.Errorf("storage: trace spans: %w", err)
	}
	return t, nil
}

// GetSpan retrieves a span by its row id.
func (db *DB) GetSpan(ctx context.Context, id uuid.UUID) (model.Span, error) {
	s, err := scanSpan(db.pool.QueryRow(ctx, `SELECT `+spanColumns+` FROM spans WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Span{}, fmt.Errorf("storage: span %s: %w", id, ErrNotFound)
		}
		return model.Span{}, err
	}
	return s, nil
}

// SpanBatch returns up to limit spans with ids greater than after, in id order.
// It pages through the whole table for the span version migration.
func (db *DB) SpanBatch(ctx context.Context, after uuid.UUID, limit int) ([]model.Span, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+spanColumns+` FROM spans WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: span batch: %w", err)
	}
	defer rows.Close()

	var spans []model.Span
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}

// UpdateSpanRawData rewrites the raw data of the given spans in one transaction.
func (db *DB) UpdateSpanRawData(ctx context.Context, spans []model.Span) error {
	if len(spans) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range spans {
		raw, err := json.Marshal(s.RawData)
		if err != nil {
			return fmt.Errorf("storage: encode span %s raw data: %w", s.ID, err)
		}
		batch.Queue(`UPDATE spans SET raw_data = $2::jsonb, updated_at = now() WHERE id = $1`, s.ID, raw)
	}
	return db.inTx(ctx, "update span raw data", func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("storage: update span raw data: %w", err)
		}
		return nil
	})
}

func scanSpan(row pgx.Row) (model.Span, error) {
	var (
		s   model.Span
		raw []byte
	)
	if err := row.Scan(&s.ID, &s.TraceID, &s.SpanID, &s.ParentSpanID, &s.SpanKind, &s.SpanName,
		&s.StartTime, &s.EndTime, &s.TaskID, &s.SessionID, &s.StatusCode, &raw, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return model.Span{}, err
	}
	if err := json.Unmarshal(raw, &s.RawData); err != nil {
		return model.Span{}, fmt.Errorf("storage: decode span %s raw data: %w", s.ID, err)
	}
	return s, nil
}

// ExistingTaskIDs returns which of ids name live tasks.
func (db *DB) ExistingTaskIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx, `SELECT id FROM tasks WHERE id = ANY($1) AND NOT archived`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: existing tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan task id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}
