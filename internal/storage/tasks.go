package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mamori/internal/model"
)

const taskColumns = `id, name, task_type, is_agentic, archived, created_at, updated_at`

// CreateTask inserts a task and returns it.
func (db *DB) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	t.TaskType = model.TaskTypeLLM
	if t.IsAgentic {
		t.TaskType = model.TaskTypeAgent
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tasks (id, name, task_type, is_agentic, archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, false, $5, $6)`,
		t.ID, t.Name, t.TaskType, t.IsAgentic, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: create task: %w", err)
	}
	return t, nil
}

// GetTask retrieves a non-archived task by ID.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	t, err := scanTask(db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND NOT archived`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: get task: %w", err)
	}
	return t, nil
}

// SearchTasks returns non-archived tasks matching filter, paginated, with the total count.
func (db *DB) SearchTasks(ctx context.Context, filter model.TaskFilter, page model.Page) ([]model.Task, int, error) {
	conds := []string{"NOT archived"}
	var args []any
	if filter.Name != nil && *filter.Name != "" {
		args = append(args, "%"+escapeLike(*filter.Name)+"%")
		conds = append(conds, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	if filter.IsAgentic != nil {
		args = append(args, *filter.IsAgentic)
		conds = append(conds, fmt.Sprintf("is_agentic = $%d", len(args)))
	}
	if len(filter.TaskIDs) > 0 {
		args = append(args, filter.TaskIDs)
		conds = append(conds, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count tasks: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY created_at %s, id LIMIT %d OFFSET %d`,
		taskColumns, where, orderDir(page.Sort), page.PageSize, page.Offset())
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: search tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// ArchiveTask soft-deletes a task. Its inferences and spans survive.
func (db *DB) ArchiveTask(ctx context.Context, id uuid.UUID) error {
	return db.inTx(ctx, "archive task", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE tasks SET archived = true, updated_at = now() WHERE id = $1 AND NOT archived`, id)
		if err != nil {
			return fmt.Errorf("storage: archive task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return notify(ctx, tx, ChannelBindings, id.String())
	})
}

// CountTasks returns the number of non-archived tasks.
func (db *DB) CountTasks(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE NOT archived`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count tasks: %w", err)
	}
	return n, nil
}

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.Name, &t.TaskType, &t.IsAgentic, &t.Archived, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func orderDir(s model.SortOrder) string {
	if s == model.SortAsc {
		return "ASC"
	}
	return "DESC"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
