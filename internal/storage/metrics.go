package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mamori/internal/model"
)

// ErrTaskNotAgentic is returned when a metric is bound to a non-agentic task.
var ErrTaskNotAgentic = errors.New("storage: metrics require an agentic task")

const metricColumns = `m.id, m.type, m.name, m.metric_metadata, m.config, m.archived, m.created_at, m.updated_at`

// CreateMetric inserts a metric and binds it (enabled) to an agentic task.
func (db *DB) CreateMetric(ctx context.Context, taskID uuid.UUID, m model.Metric) (model.Metric, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	err := db.inTx(ctx, "create metric", func(tx pgx.Tx) error {
		agentic, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !agentic {
			return fmt.Errorf("storage: task %s: %w", taskID, ErrTaskNotAgentic)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO metrics (id, type, name, metric_metadata, config, archived, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, false, $6, $7)`,
			m.ID, m.Type, m.Name, m.Metadata, m.Config, m.CreatedAt, m.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert metric: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO tasks_to_metrics (task_id, metric_id, enabled) VALUES ($1, $2, true)`,
			taskID, m.ID,
		); err != nil {
			return fmt.Errorf("storage: bind metric: %w", err)
		}
		return notify(ctx, tx, ChannelBindings, taskID.String())
	})
	if err != nil {
		return model.Metric{}, err
	}

	enabled := true
	m.Enabled = &enabled
	return m, nil
}

// SetTaskMetricEnabled toggles a task's binding to a non-archived metric.
func (db *DB) SetTaskMetricEnabled(ctx context.Context, taskID, metricID uuid.UUID, enabled bool) error {
	return db.inTx(ctx, "set task metric enabled", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE tasks_to_metrics ttm SET enabled = $3
			 FROM metrics m, tasks t
			 WHERE ttm.task_id = $1 AND ttm.metric_id = $2
			   AND m.id = ttm.metric_id AND NOT m.archived
			   AND t.id = ttm.task_id AND NOT t.archived`, taskID, metricID, enabled)
		if err != nil {
			return fmt.Errorf("storage: set task metric enabled: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: metric %s on task %s: %w", metricID, taskID, ErrNotFound)
		}
		return notify(ctx, tx, ChannelBindings, taskID.String())
	})
}

// ArchiveTaskMetric archives a metric bound to taskID.
func (db *DB) ArchiveTaskMetric(ctx context.Context, taskID, metricID uuid.UUID) error {
	return db.inTx(ctx, "archive task metric", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE metrics m SET archived = true, updated_at = now()
			 FROM tasks_to_metrics ttm
			 WHERE m.id = $2 AND ttm.metric_id = m.id AND ttm.task_id = $1 AND NOT m.archived`,
			taskID, metricID)
		if err != nil {
			return fmt.Errorf("storage: archive task metric: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: metric %s on task %s: %w", metricID, taskID, ErrNotFound)
		}
		return notify(ctx, tx, ChannelBindings, taskID.String())
	})
}

// TaskMetrics returns the non-archived metrics bound to a task with their binding state.
func (db *DB) TaskMetrics(ctx context.Context, taskID uuid.UUID) ([]model.Metric, error) {
	return db.taskMetrics(ctx, taskID, false)
}

// EnabledMetricsForTask returns the metrics a span of the task is scored with.
func (db *DB) EnabledMetricsForTask(ctx context.Context, taskID uuid.UUID) ([]model.Metric, error) {
	return db.taskMetrics(ctx, taskID, true)
}

func (db *DB) taskMetrics(ctx context.Context, taskID uuid.UUID, enabledOnly bool) ([]model.Metric, error) {
	query := `SELECT ` + metricColumns + `, ttm.enabled
		 FROM tasks_to_metrics ttm
		 JOIN metrics m ON m.id = ttm.metric_id
		 JOIN tasks t ON t.id = ttm.task_id AND NOT t.archived
		 WHERE ttm.task_id = $1 AND NOT m.archived`
	if enabledOnly {
		query += ` AND ttm.enabled`
	}
	query += ` ORDER BY m.created_at, m.id`

	rows, err := db.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: task metrics: %w", err)
	}
	defer rows.Close()

	var metrics []model.Metric
	for rows.Next() {
		var (
			m       model.Metric
			enabled bool
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.Name, &m.Metadata, &m.Config, &m.Archived,
			&m.CreatedAt, &m.UpdatedAt, &enabled); err != nil {
			return nil, fmt.Errorf("storage: scan metric: %w", err)
		}
		m.Enabled = &enabled
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// SaveMetricResults stores metric results for a span. Results are immutable
// per (span, metric): a pair that already has a result keeps the first one.
// It returns the number of rows written.
func (db *DB) SaveMetricResults(ctx context.Context, results []model.MetricResult) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for i := range results {
		r := &results[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		var details any
		if !r.Failed() {
			details = []byte(r.Details)
		}
		batch.Queue(
			`INSERT INTO metric_results (id, span_id, metric_id, metric_type, details,
			 prompt_tokens, completion_tokens, latency_ms, created_at)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
			 ON CONFLICT (span_id, metric_id) DO NOTHING`,
			r.ID, r.SpanID, r.MetricID, r.MetricType, details,
			r.PromptTokens, r.CompletionTokens, r.LatencyMS, r.CreatedAt,
		)
	}

	var written int
	err := db.inTx(ctx, "save metric results", func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for range results {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				if isForeignKeyViolation(err) {
					return fmt.Errorf("storage: save metric results: %w", ErrNotFound)
				}
				return fmt.Errorf("storage: save metric result: %w", err)
			}
			written += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// MetricResultsForSpan returns the stored metric results of a span.
func (db *DB) MetricResultsForSpan(ctx context.Context, spanID uuid.UUID) ([]model.MetricResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, span_id, metric_id, metric_type, details, prompt_tokens, completion_tokens, latency_ms, created_at
		 FROM metric_results WHERE span_id = $1 ORDER BY created_at, id`, spanID)
	if err != nil {
		return nil, fmt.Errorf("storage: metric results: %w", err)
	}
	defer rows.Close()

	var results []model.MetricResult
	for rows.Next() {
		var (
			r       model.MetricResult
			details []byte
		)
		if err := rows.Scan(&r.ID, &r.SpanID, &r.MetricID, &r.MetricType, &details,
			&r.PromptTokens, &r.CompletionTokens, &r.LatencyMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan metric result: %w", err)
		}
		r.Details = details
		results = append(results, r)
	}
	return results, rows.Err()
}

// ExistingMetricResults returns the metric ids that already have a result for a span.
func (db *DB) ExistingMetricResults(ctx context.Context, spanID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := db.pool.Query(ctx, `SELECT metric_id FROM metric_results WHERE span_id = $1`, spanID)
	if err != nil {
		return nil, fmt.Errorf("storage: existing metric results: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan metric id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}
