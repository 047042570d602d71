package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StoredLLMTarget is an LLM deployment override whose API key is stored encrypted.
type StoredLLMTarget struct {
	ID              uuid.UUID
	Model           string
	Endpoint        string
	APIKeyEncrypted string
	CreatedAt       time.Time
}

// CreateLLMTarget stores an LLM target override.
func (db *DB) CreateLLMTarget(ctx context.Context, t StoredLLMTarget) (StoredLLMTarget, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO llm_targets (id, model, endpoint, api_key_encrypted, created_at) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Model, t.Endpoint, t.APIKeyEncrypted, t.CreatedAt,
	); err != nil {
		return StoredLLMTarget{}, fmt.Errorf("storage: create llm target: %w", err)
	}
	return t, nil
}

// ListLLMTargets returns every stored LLM target override, oldest first.
func (db *DB) ListLLMTargets(ctx context.Context) ([]StoredLLMTarget, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, model, endpoint, api_key_encrypted, created_at FROM llm_targets ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list llm targets: %w", err)
	}
	defer rows.Close()

	var out []StoredLLMTarget
	for rows.Next() {
		var t StoredLLMTarget
		if err := rows.Scan(&t.ID, &t.Model, &t.Endpoint, &t.APIKeyEncrypted, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan llm target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReencryptLLMTargets rewrites every stored key through fn, used after a key rotation.
func (db *DB) ReencryptLLMTargets(ctx context.Context, fn func(ciphertext string) (string, error)) (int, error) {
	targets, err := db.ListLLMTargets(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range targets {
		next, err := fn(t.APIKeyEncrypted)
		if err != nil {
			return n, fmt.Errorf("storage: reencrypt llm target %s: %w", t.ID, err)
		}
		if next == t.APIKeyEncrypted {
			continue
		}
		if _, err := db.pool.Exec(ctx, `UPDATE llm_targets SET api_key_encrypted = $2 WHERE id = $1`, t.ID, next); err != nil {
			return n, fmt.Errorf("storage: update llm target %s: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}
