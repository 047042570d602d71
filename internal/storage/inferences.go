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

// SavePromptValidation stores a new inference with its prompt and the prompt's
// rule results in one transaction.
func (db *DB) SavePromptValidation(ctx context.Context, inf model.Inference) (model.Inference, error) {
	if inf.Prompt == nil {
		return model.Inference{}, fmt.Errorf("storage: save prompt validation: prompt is required")
	}
	if inf.ID == uuid.Nil {
		inf.ID = uuid.New()
	}
	now := time.Now().UTC()
	inf.CreatedAt, inf.UpdatedAt = now, now

	p := *inf.Prompt
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.InferenceID = inf.ID
	p.CreatedAt = now
	if db.persistenceDisabled {
		p.Content = ""
	}

	err := db.inTx(ctx, "save prompt validation", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO inferences (id, task_id, conversation_id, user_id, result, model_name, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			inf.ID, inf.TaskID, inf.ConversationID, inf.UserID, inf.Result, inf.ModelName, inf.CreatedAt, inf.UpdatedAt,
		); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("storage: task %v: %w", inf.TaskID, ErrNotFound)
			}
			return fmt.Errorf("storage: insert inference: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO inference_prompts (id, inference_id, content, tokens, result, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
			p.ID, p.InferenceID, p.Content, p.Tokens, p.Result, p.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert inference prompt: %w", err)
		}
		return insertRuleResults(ctx, tx, promptResults, p.ID, p.RuleResults, now)
	})
	if err != nil {
		return model.Inference{}, err
	}

	inf.Prompt = &p
	return inf, nil
}

// SaveResponseValidation stores the response of an existing inference with its
// rule results and folds the response result into the inference result.
// A second response for the same inference fails with ErrAlreadyValidated and
// leaves the stored state unchanged.
func (db *DB) SaveResponseValidation(ctx context.Context, inferenceID uuid.UUID, resp model.InferenceResponse) (model.Inference, error) {
	now := time.Now().UTC()
	if resp.ID == uuid.Nil {
		resp.ID = uuid.New()
	}
	resp.InferenceID = inferenceID
	resp.CreatedAt = now
	if db.persistenceDisabled {
		resp.Content = ""
		resp.Context = nil
	}

	err := db.inTx(ctx, "save response validation", func(tx pgx.Tx) error {
		var (
			promptResult model.Result
			hasResponse  bool
		)
		if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
			return fmt.Errorf("storage: set lock timeout: %w", err)
		}
		err := tx.QueryRow(ctx,
			`SELECT p.result, EXISTS (SELECT 1 FROM inference_responses r WHERE r.inference_id = i.id)
			 FROM inferences i JOIN inference_prompts p ON p.inference_id = i.id
			 WHERE i.id = $1 FOR UPDATE OF i`, inferenceID,
		).Scan(&promptResult, &hasResponse)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: inference %s: %w", inferenceID, ErrNotFound)
			}
			return fmt.Errorf("storage: lock inference: %w", err)
		}
		if hasResponse {
			return fmt.Errorf("storage: inference %s: %w", inferenceID, ErrAlreadyValidated)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO inference_responses (id, inference_id, content, context, tokens, result, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			resp.ID, resp.InferenceID, resp.Content, resp.Context, resp.Tokens, resp.Result, resp.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("storage: inference %s: %w", inferenceID, ErrAlreadyValidated)
			}
			return fmt.Errorf("storage: insert inference response: %w", err)
		}
		if err := insertRuleResults(ctx, tx, responseResults, resp.ID, resp.RuleResults, now); err != nil {
			return err
		}

		overall := model.AggregateResult([]model.Result{promptResult, resp.Result})
		if _, err := tx.Exec(ctx,
			`UPDATE inferences SET result = $2, updated_at = $3 WHERE id = $1`,
			inferenceID, overall, now,
		); err != nil {
			return fmt.Errorf("storage: update inference result: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Inference{}, err
	}
	return db.GetInference(ctx, inferenceID)
}

// GetInference retrieves an inference with its prompt, response and rule results.
func (db *DB) GetInference(ctx context.Context, id uuid.UUID) (model.Inference, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+inferenceColumns+` FROM inferences i WHERE i.id = $1`, id)
	if err != nil {
		return model.Inference{}, fmt.Errorf("storage: get inference: %w", err)
	}
	infs, err := db.collectInferences(ctx, rows)
	if err != nil {
		return model.Inference{}, err
	}
	if len(infs) == 0 {
		return model.Inference{}, fmt.Errorf("storage: inference %s: %w", id, ErrNotFound)
	}
	return infs[0], nil
}

// QueryInferences returns inferences matching filter, paginated, with the total count.
func (db *DB) QueryInferences(ctx context.Context, filter model.InferenceFilter, page model.Page) ([]model.Inference, int, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(filter.TaskIDs) > 0 {
		add("i.task_id = ANY($%d)", filter.TaskIDs)
	}
	if filter.ConversationID != nil {
		add("i.conversation_id = $%d", *filter.ConversationID)
	}
	if filter.UserID != nil {
		add("i.user_id = $%d", *filter.UserID)
	}
	if filter.Result != nil {
		add("i.result = $%d", string(*filter.Result))
	}
	if filter.StartTime != nil {
		add("i.created_at >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("i.created_at < $%d", *filter.EndTime)
	}
	if len(filter.RuleTypes) > 0 {
		types := make([]string, len(filter.RuleTypes))
		for i, t := range filter.RuleTypes {
			types[i] = string(t)
		}
		args = append(args, types)
		n := len(args)
		conds = append(conds, fmt.Sprintf(`(EXISTS (
			SELECT 1 FROM inference_prompts p JOIN prompt_rule_results prr ON prr.inference_prompt_id = p.id
			JOIN rules r ON r.id = prr.rule_id WHERE p.inference_id = i.id AND r.type = ANY($%d))
		 OR EXISTS (
			SELECT 1 FROM inference_responses s JOIN response_rule_results rrr ON rrr.inference_response_id = s.id
			JOIN rules r ON r.id = rrr.rule_id WHERE s.inference_id = i.id AND r.type = ANY($%d)))`, n, n))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM inferences i"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count inferences: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM inferences i%s ORDER BY i.created_at %s, i.id LIMIT %d OFFSET %d`,
		inferenceColumns, where, orderDir(page.Sort), page.PageSize, page.Offset())
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query inferences: %w", err)
	}
	infs, err := db.collectInferences(ctx, rows)
	if err != nil {
		return nil, 0, err
	}
	return infs, total, nil
}

// InferenceExists reports whether an inference with id is stored.
func (db *DB) InferenceExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inferences WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: inference exists: %w", err)
	}
	return exists, nil
}

const inferenceColumns = `i.id, i.task_id, i.conversation_id, i.user_id, i.result, i.model_name, i.created_at, i.updated_at`

// collectInferences scans inference rows and loads prompts, responses and rule
// results for the whole page in three batched queries.
func (db *DB) collectInferences(ctx context.Context, rows pgx.Rows) ([]model.Inference, error) {
	var infs []model.Inference
	for rows.Next() {
		var inf model.Inference
		if err := rows.Scan(&inf.ID, &inf.TaskID, &inf.ConversationID, &inf.UserID,
			&inf.Result, &inf.ModelName, &inf.CreatedAt, &inf.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan inference: %w", err)
		}
		infs = append(infs, inf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan inferences: %w", err)
	}
	if len(infs) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(infs))
	for i := range infs {
		ids[i] = infs[i].ID
	}

	prompts, err := db.loadPrompts(ctx, ids)
	if err != nil {
		return nil, err
	}
	responses, err := db.loadResponses(ctx, ids)
	if err != nil {
		return nil, err
	}

	var promptIDs, responseIDs []uuid.UUID
	for _, p := range prompts {
		promptIDs = append(promptIDs, p.ID)
	}
	for _, r := range responses {
		responseIDs = append(responseIDs, r.ID)
	}
	promptRR, err := db.loadRuleResults(ctx, promptResults, promptIDs)
	if err != nil {
		return nil, err
	}
	responseRR, err := db.loadRuleResults(ctx, responseResults, responseIDs)
	if err != nil {
		return nil, err
	}

	for i := range infs {
		if p, ok := prompts[infs[i].ID]; ok {
			p.RuleResults = promptRR[p.ID]
			infs[i].Prompt = &p
		}
		if r, ok := responses[infs[i].ID]; ok {
			r.RuleResults = responseRR[r.ID]
			infs[i].Response = &r
		}
	}
	return infs, nil
}

func (db *DB) loadPrompts(ctx context.Context, inferenceIDs []uuid.UUID) (map[uuid.UUID]model.InferencePrompt, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, inference_id, content, tokens, result, created_at
		 FROM inference_prompts WHERE inference_id = ANY($1)`, inferenceIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: load prompts: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.InferencePrompt, len(inferenceIDs))
	for rows.Next() {
		var p model.InferencePrompt
		if err := rows.Scan(&p.ID, &p.InferenceID, &p.Content, &p.Tokens, &p.Result, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan prompt: %w", err)
		}
		out[p.InferenceID] = p
	}
	return out, rows.Err()
}

func (db *DB) loadResponses(ctx context.Context, inferenceIDs []uuid.UUID) (map[uuid.UUID]model.InferenceResponse, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, inference_id, content, context, tokens, result, created_at
		 FROM inference_responses WHERE inference_id = ANY($1)`, inferenceIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: load responses: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.InferenceResponse, len(inferenceIDs))
	for rows.Next() {
		var r model.InferenceResponse
		if err := rows.Scan(&r.ID, &r.InferenceID, &r.Content, &r.Context, &r.Tokens, &r.Result, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan response: %w", err)
		}
		out[r.InferenceID] = r
	}
	return out, rows.Err()
}

// ruleResultTable names the table and parent column of a rule result direction.
type ruleResultTable struct {
	table  string
	parent string
}

var (
	promptResults   = ruleResultTable{table: "prompt_rule_results", parent: "inference_prompt_id"}
	responseResults = ruleResultTable{table: "response_rule_results", parent: "inference_response_id"}
)

func insertRuleResults(ctx context.Context, tx pgx.Tx, t ruleResultTable, parentID uuid.UUID, results []model.RuleResult, now time.Time) error {
	if len(results) == 0 {
		return nil
	}
	rows := make([][]any, len(results))
	for i := range results {
		r := &results[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		var details []byte
		if r.Details != nil {
			b, err := json.Marshal(r.Details)
			if err != nil {
				return fmt.Errorf("storage: encode rule details: %w", err)
			}
			details = b
		}
		rows[i] = []any{r.ID, parentID, r.RuleID, i, string(r.Result),
			r.PromptTokens, r.CompletionTokens, r.LatencyMS, details, now}
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{t.table},
		[]string{"id", t.parent, "rule_id", "position", "rule_result",
			"prompt_tokens", "completion_tokens", "latency_ms", "details", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: insert %s: %w", t.table, ErrDuplicate)
		}
		return fmt.Errorf("storage: insert %s: %w", t.table, err)
	}
	return nil
}

func (db *DB) loadRuleResults(ctx context.Context, t ruleResultTable, parentIDs []uuid.UUID) (map[uuid.UUID][]model.RuleResult, error) {
	out := make(map[uuid.UUID][]model.RuleResult)
	if len(parentIDs) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT rr.id, rr.%[2]s, rr.rule_id, r.name, r.type, r.scope, rr.rule_result,
		        rr.prompt_tokens, rr.completion_tokens, rr.latency_ms, rr.details
		 FROM %[1]s rr JOIN rules r ON r.id = rr.rule_id
		 WHERE rr.%[2]s = ANY($1)
		 ORDER BY rr.%[2]s, rr.position`, t.table, t.parent), parentIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: load %s: %w", t.table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rr       model.RuleResult
			parentID uuid.UUID
			details  []byte
		)
		if err := rows.Scan(&rr.ID, &parentID, &rr.RuleID, &rr.Name, &rr.RuleType, &rr.Scope, &rr.Result,
			&rr.PromptTokens, &rr.CompletionTokens, &rr.LatencyMS, &details); err != nil {
			return nil, fmt.Errorf("storage: scan %s: %w", t.table, err)
		}
		if len(details) > 0 {
			rr.Details = &model.RuleDetails{}
			if err := json.Unmarshal(details, rr.Details); err != nil {
				return nil, fmt.Errorf("storage: decode rule details: %w", err)
			}
		}
		out[parentID] = append(out[parentID], rr)
	}
	return out, rows.Err()
}
