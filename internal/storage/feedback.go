package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mamori/internal/model"
)

// CreateFeedback stores feedback on an existing inference.
func (db *DB) CreateFeedback(ctx context.Context, f model.Feedback) (model.Feedback, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO inference_feedback (id, inference_id, target, score, reason, user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.InferenceID, f.Target, f.Score, f.Reason, f.UserID, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Feedback{}, fmt.Errorf("storage: inference %s: %w", f.InferenceID, ErrNotFound)
		}
		return model.Feedback{}, fmt.Errorf("storage: create feedback: %w", err)
	}
	return f, nil
}

// FeedbackForInference returns the feedback rows of an inference, oldest first.
func (db *DB) FeedbackForInference(ctx context.Context, inferenceID uuid.UUID) ([]model.Feedback, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, inference_id, target, score, reason, user_id, created_at, updated_at
		 FROM inference_feedback WHERE inference_id = $1 ORDER BY created_at, id`, inferenceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list feedback: %w", err)
	}
	defer rows.Close()

	var out []model.Feedback
	for rows.Next() {
		var f model.Feedback
		if err := rows.Scan(&f.ID, &f.InferenceID, &f.Target, &f.Score, &f.Reason, &f.UserID,
			&f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
