package model

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackTarget is the part of an inference the feedback refers to.
type FeedbackTarget string

const (
	FeedbackContext         FeedbackTarget = "context"
	FeedbackPromptResults   FeedbackTarget = "prompt_results"
	FeedbackResponseResults FeedbackTarget = "response_results"
)

// MaxFeedbackReasonLen bounds free-text feedback.
const MaxFeedbackReasonLen = 4096

// Feedback is a user judgement on an inference.
type Feedback struct {
	ID          uuid.UUID      `json:"id"`
	InferenceID uuid.UUID      `json:"inference_id"`
	Target      FeedbackTarget `json:"target"`
	Score       int            `json:"score"`
	Reason      *string        `json:"reason,omitempty"`
	UserID      *string        `json:"user_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// FeedbackRequest is the request body for POST /api/v2/feedback.
type FeedbackRequest struct {
	InferenceID uuid.UUID      `json:"inference_id"`
	Target      FeedbackTarget `json:"target"`
	Score       int            `json:"score"`
	Reason      *string        `json:"reason,omitempty"`
	UserID      *string        `json:"user_id,omitempty"`
}

// Validate checks the request shape.
func (r FeedbackRequest) Validate() error {
	if r.InferenceID == uuid.Nil {
		return &ValidationError{Field: "inference_id", Message: "inference_id is required"}
	}
	switch r.Target {
	case FeedbackContext, FeedbackPromptResults, FeedbackResponseResults:
	default:
		return &ValidationError{Field: "target", Message: "target must be one of context, prompt_results, response_results"}
	}
	if r.Score < -1 || r.Score > 1 {
		return &ValidationError{Field: "score", Message: "score must be -1, 0 or 1"}
	}
	if r.Reason != nil && len(*r.Reason) > MaxFeedbackReasonLen {
		return &ValidationError{Field: "reason", Message: "reason is too long"}
	}
	return nil
}
