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

// apiKeyLockID serializes key creation so the active key cap holds under concurrency.
const apiKeyLockID = 0x6d616d6f7269

// CreateAPIKey inserts a new API key unless maxActive active keys already exist.
func (db *DB) CreateAPIKey(ctx context.Context, key model.APIKey, maxActive int) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	key.IsActive = true

	err := db.inTx(ctx, "create api key", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(apiKeyLockID)); err != nil {
			return fmt.Errorf("storage: lock api keys: %w", err)
		}
		var active int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM api_keys WHERE is_active`).Scan(&active); err != nil {
			return fmt.Errorf("storage: count api keys: %w", err)
		}
		if active >= maxActive {
			return ErrKeyLimit
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO api_keys (id, prefix, key_hash, description, roles, is_active, created_at)
			 VALUES ($1, $2, $3, $4, $5, true, $6)`,
			key.ID, key.Prefix, key.KeyHash, key.Description, rolesToStrings(key.Roles), key.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("storage: api key prefix: %w", ErrDuplicate)
			}
			return fmt.Errorf("storage: create api key: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.APIKey{}, err
	}
	return key, nil
}

// GetActiveAPIKeyByPrefix looks up an active key by its public prefix, the
// cheap pre-filter before bcrypt verification.
func (db *DB) GetActiveAPIKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, error) {
	k, err := scanAPIKey(db.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE prefix = $1 AND is_active`, prefix))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key by prefix: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns every key, newest first.
func (db *DB) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeactivateAPIKey marks an active key inactive.
func (db *DB) DeactivateAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET is_active = false, deactivated_at = now() WHERE id = $1 AND is_active`, id)
	if err != nil {
		return fmt.Errorf("storage: deactivate api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: api key %s: %w", id, ErrNotFound)
	}
	return nil
}

const apiKeyColumns = `id, prefix, key_hash, description, roles, is_active, created_at, deactivated_at`

func scanAPIKey(row pgx.Row) (model.APIKey, error) {
	var (
		k     model.APIKey
		roles []string
	)
	if err := row.Scan(&k.ID, &k.Prefix, &k.KeyHash, &k.Description, &roles,
		&k.IsActive, &k.CreatedAt, &k.DeactivatedAt); err != nil {
		return model.APIKey{}, err
	}
	k.Roles = make([]model.Role, len(roles))
	for i, r := range roles {
		k.Roles[i] = model.Role(r)
	}
	return k, nil
}

func rolesToStrings(roles []model.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
