package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/segmentio/encoding/json"

	"github.com/ashita-ai/mamori/internal/model"
)

// ruleSelect reads a rule with its data aggregated in position order, so a
// rule set resolves in one round trip.
const ruleSelect = `r.id, r.name, r.type, r.scope, r.prompt_enabled, r.response_enabled,
	r.scoring_method, r.archived, r.created_at, r.updated_at,
	COALESCE((SELECT json_agg(json_build_object('data_type', d.data_type, 'data', d.data) ORDER BY d.position)
	          FROM rule_data d WHERE d.rule_id = r.id), '[]'::json)`

// CreateRule inserts a rule with its data. A task-scoped rule is bound to
// taskID (enabled) in the same transaction; the task must exist.
func (db *DB) CreateRule(ctx context.Context, r model.Rule, taskID *uuid.UUID) (model.Rule, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.ScoringMethod == "" {
		r.ScoringMethod = model.ScoringMethodBinary
	}
	if (r.Scope == model.RuleScopeTask) != (taskID != nil) {
		return model.Rule{}, fmt.Errorf("storage: create rule: scope %s does not match task binding", r.Scope)
	}

	err := db.inTx(ctx, "create rule", func(tx pgx.Tx) error {
		if taskID != nil {
			if _, err := lockTask(ctx, tx, *taskID); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO rules (id, name, type, scope, prompt_enabled, response_enabled, scoring_method, archived, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $9)`,
			r.ID, r.Name, r.Type, r.Scope, r.PromptEnabled, r.ResponseEnabled, r.ScoringMethod, r.CreatedAt, r.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert rule: %w", err)
		}

		if len(r.Data) > 0 {
			rows := make([][]any, len(r.Data))
			for i, d := range r.Data {
				rows[i] = []any{r.ID, i, string(d.Type), d.Value}
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"rule_data"},
				[]string{"rule_id", "position", "data_type", "data"}, pgx.CopyFromRows(rows),
			); err != nil {
				return fmt.Errorf("storage: copy rule data: %w", err)
			}
		}

		payload := AllTasks
		if taskID != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO tasks_to_rules (task_id, rule_id, enabled) VALUES ($1, $2, true)`,
				*taskID, r.ID,
			); err != nil {
				return fmt.Errorf("storage: bind rule: %w", err)
			}
			payload = taskID.String()
		}
		return notify(ctx, tx, ChannelBindings, payload)
	})
	if err != nil {
		return model.Rule{}, err
	}

	enabled := true
	r.Enabled = &enabled
	return r, nil
}

// GetRule retrieves a rule by ID, archived or not.
func (db *DB) GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error) {
	r, err := scanRule(db.pool.QueryRow(ctx, `SELECT `+ruleSelect+` FROM rules r WHERE r.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Rule{}, fmt.Errorf("storage: rule %s: %w", id, ErrNotFound)
		}
		return model.Rule{}, fmt.Errorf("storage: get rule: %w", err)
	}
	return r, nil
}

// ListDefaultRules returns all non-archived default rules, oldest first.
func (db *DB) ListDefaultRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+ruleSelect+` FROM rules r
		 WHERE r.scope = 'default' AND NOT r.archived
		 ORDER BY r.created_at, r.id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list default rules: %w", err)
	}
	return collectRules(rows, false)
}

// SearchRules returns rules matching filter, paginated, with the total count.
func (db *DB) SearchRules(ctx context.Context, filter model.RuleFilter, page model.Page) ([]model.Rule, int, error) {
	var conds []string
	var args []any
	if !filter.IncludeArchived {
		conds = append(conds, "NOT r.archived")
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		conds = append(conds, fmt.Sprintf("r.type = ANY($%d)", len(args)))
	}
	if filter.Scope != nil {
		args = append(args, string(*filter.Scope))
		conds = append(conds, fmt.Sprintf("r.scope = $%d", len(args)))
	}
	if filter.PromptEnabled != nil {
		args = append(args, *filter.PromptEnabled)
		conds = append(conds, fmt.Sprintf("r.prompt_enabled = $%d", len(args)))
	}
	if filter.ResponseEnabled != nil {
		args = append(args, *filter.ResponseEnabled)
		conds = append(conds, fmt.Sprintf("r.response_enabled = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM rules r"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count rules: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM rules r%s ORDER BY r.created_at %s, r.id LIMIT %d OFFSET %d`,
		ruleSelect, where, orderDir(page.Sort), page.PageSize, page.Offset())
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: search rules: %w", err)
	}
	rules, err := collectRules(rows, false)
	if err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// ArchiveDefaultRule archives a default rule, removing it from every task.
func (db *DB) ArchiveDefaultRule(ctx context.Context, id uuid.UUID) error {
	return db.inTx(ctx, "archive default rule", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rules SET archived = true, updated_at = now()
			 WHERE id = $1 AND scope = 'default' AND NOT archived`, id)
		if err != nil {
			return fmt.Errorf("storage: archive default rule: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: default rule %s: %w", id, ErrNotFound)
		}
		return notify(ctx, tx, ChannelBindings, AllTasks)
	})
}

// ArchiveTaskRule archives a task-scoped rule bound to taskID.
func (db *DB) ArchiveTaskRule(ctx context.Context, taskID, ruleID uuid.UUID) error {
	return db.inTx(ctx, "archive task rule", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rules r SET archived = true, updated_at = now()
			 FROM tasks_to_rules ttr
			 WHERE r.id = $2 AND ttr.rule_id = r.id AND ttr.task_id = $1
			   AND r.scope = 'task' AND NOT r.archived`, taskID, ruleID)
		if err != nil {
			return fmt.Errorf("storage: archive task rule: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: rule %s on task %s: %w", ruleID, taskID, ErrNotFound)
		}
		return notify(ctx, tx, ChannelBindings, taskID.String())
	})
}

// SetTaskRuleEnabled toggles a task's binding to a non-archived task rule.
func (db *DB) SetTaskRuleEnabled(ctx context.Context, taskID, ruleID uuid.UUID, enabled bool) error {
	return db.inTx(ctx, "set task rule enabled", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE tasks_to_rules ttr SET enabled = $3
			 FROM rules r, tasks t
			 WHERE ttr.task_id = $1 AND ttr.rule_id = $2
			   AND r.id = ttr.rule_id AND NOT r.archived
			   AND t.id = ttr.task_id AND NOT t.archived`, taskID, ruleID, enabled)
		if err != nil {
			return fmt.Errorf("storage: set task rule enabled: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: rule %s on task %s: %w", ruleID, taskID, ErrNotFound)
		}
		return notify(ctx, tx, ChannelBindings, taskID.String())
	})
}

// TaskRules returns every rule that applies to a task: all default rules plus
// its non-archived task rules, each with its binding state.
func (db *DB) TaskRules(ctx context.Context, taskID uuid.UUID) ([]model.Rule, error) {
	return db.taskRules(ctx, taskID, false)
}

// EnabledRulesForTask returns the effective rule set of a task, in creation order.
func (db *DB) EnabledRulesForTask(ctx context.Context, taskID uuid.UUID) ([]model.Rule, error) {
	return db.taskRules(ctx, taskID, true)
}

func (db *DB) taskRules(ctx context.Context, taskID uuid.UUID, enabledOnly bool) ([]model.Rule, error) {
	enabledCond := ""
	if enabledOnly {
		enabledCond = " AND ttr.enabled"
	}
	rows, err := db.pool.Query(ctx,
		`SELECT * FROM (
		   SELECT `+ruleSelect+`, true AS enabled
		   FROM rules r JOIN tasks t ON t.id = $1 AND NOT t.archived
		   WHERE r.scope = 'default' AND NOT r.archived
		   UNION ALL
		   SELECT `+ruleSelect+`, ttr.enabled
		   FROM tasks_to_rules ttr
		   JOIN rules r ON r.id = ttr.rule_id
		   JOIN tasks t ON t.id = ttr.task_id AND NOT t.archived
		   WHERE ttr.task_id = $1 AND NOT r.archived`+enabledCond+`
		 ) q ORDER BY q.created_at, q.id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: task rules: %w", err)
	}
	return collectRules(rows, true)
}

// lockTask takes a share lock on a live task row for the rest of the
// transaction and reports whether the task is agentic.
func lockTask(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (agentic bool, err error) {
	err = tx.QueryRow(ctx,
		`SELECT is_agentic FROM tasks WHERE id = $1 AND NOT archived FOR SHARE`, taskID,
	).Scan(&agentic)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("storage: task %s: %w", taskID, ErrNotFound)
		}
		return false, fmt.Errorf("storage: lock task: %w", err)
	}
	return agentic, nil
}

func collectRules(rows pgx.Rows, withEnabled bool) ([]model.Rule, error) {
	defer rows.Close()
	var rules []model.Rule
	for rows.Next() {
		var (
			r   model.Rule
			err error
		)
		if withEnabled {
			r, err = scanRuleEnabled(rows)
		} else {
			r, err = scanRule(rows)
		}
		if err != nil {
			return nil, fmt.Errorf("storage: scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanRule(row pgx.Row) (model.Rule, error) {
	var (
		r    model.Rule
		data []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Type, &r.Scope, &r.PromptEnabled, &r.ResponseEnabled,
		&r.ScoringMethod, &r.Archived, &r.CreatedAt, &r.UpdatedAt, &data); err != nil {
		return model.Rule{}, err
	}
	if err := json.Unmarshal(data, &r.Data); err != nil {
		return model.Rule{}, fmt.Errorf("decode rule data: %w", err)
	}
	return r, nil
}

func scanRuleEnabled(row pgx.Row) (model.Rule, error) {
	var (
		r       model.Rule
		data    []byte
		enabled bool
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Type, &r.Scope, &r.PromptEnabled, &r.ResponseEnabled,
		&r.ScoringMethod, &r.Archived, &r.CreatedAt, &r.UpdatedAt, &data, &enabled); err != nil {
		return model.Rule{}, err
	}
	if err := json.Unmarshal(data, &r.Data); err != nil {
		return model.Rule{}, fmt.Errorf("decode rule data: %w", err)
	}
	r.Enabled = &enabled
	return r, nil
}
