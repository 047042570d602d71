package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/mamori/internal/model"
)

// TokenUsage sums the LLM tokens spent by rule evaluations per rule type over
// [start, end), across prompt and response results.
func (db *DB) TokenUsage(ctx context.Context, start, end time.Time) ([]model.TokenUsage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT r.type, SUM(u.prompt_tokens), SUM(u.completion_tokens), COUNT(*)
		 FROM (
		   SELECT rule_id, prompt_tokens, completion_tokens, created_at FROM prompt_rule_results
		   UNION ALL
		   SELECT rule_id, prompt_tokens, completion_tokens, created_at FROM response_rule_results
		 ) u JOIN rules r ON r.id = u.rule_id
		 WHERE u.created_at >= $1 AND u.created_at < $2
		 GROUP BY r.type ORDER BY r.type`, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: token usage: %w", err)
	}
	defer rows.Close()

	var out []model.TokenUsage
	for rows.Next() {
		var u model.TokenUsage
		if err := rows.Scan(&u.RuleType, &u.PromptTokens, &u.CompletionTokens, &u.Count); err != nil {
			return nil, fmt.Errorf("storage: scan token usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
