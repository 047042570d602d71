package model

import (
	"time"

	"github.com/google/uuid"
)

// Inference is one prompt plus at most one response, with attached rule results.
type Inference struct {
	ID             uuid.UUID          `json:"id"`
	TaskID         *uuid.UUID         `json:"task_id,omitempty"`
	ConversationID *string            `json:"conversation_id,omitempty"`
	UserID         *string            `json:"user_id,omitempty"`
	Result         Result             `json:"result"`
	ModelName      *string            `json:"model_name,omitempty"`
	Prompt         *InferencePrompt   `json:"inference_prompt,omitempty"`
	Response       *InferenceResponse `json:"inference_response,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// InferencePrompt is the stored prompt of an inference. Content is empty when
// persistence is disabled.
type InferencePrompt struct {
	ID          uuid.UUID    `json:"id"`
	InferenceID uuid.UUID    `json:"inference_id"`
	Content     string       `json:"message"`
	Tokens      *int         `json:"tokens,omitempty"`
	Result      Result       `json:"result"`
	RuleResults []RuleResult `json:"prompt_rule_results"`
	CreatedAt   time.Time    `json:"created_at"`
}

// InferenceResponse is the stored response of an inference.
type InferenceResponse struct {
	ID          uuid.UUID    `json:"id"`
	InferenceID uuid.UUID    `json:"inference_id"`
	Content     string       `json:"message"`
	Context     *string      `json:"context,omitempty"`
	Tokens      *int         `json:"tokens,omitempty"`
	Result      Result       `json:"result"`
	RuleResults []RuleResult `json:"response_rule_results"`
	CreatedAt   time.Time    `json:"created_at"`
}

// RuleResult is the outcome of one rule for one prompt or response.
// Token counts are the LLM tokens spent by the rule's own evaluation.
type RuleResult struct {
	ID               uuid.UUID    `json:"id"`
	RuleID           uuid.UUID    `json:"id_rule"`
	Name             string       `json:"name"`
	RuleType         RuleType     `json:"rule_type"`
	Scope            RuleScope    `json:"scope"`
	Result           Result       `json:"result"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	LatencyMS        int64        `json:"latency_ms"`
	Details          *RuleDetails `json:"details,omitempty"`
}

// RuleDetails carries the rule-kind-specific explanation of a result.
// At most one of the typed sections is set; Message may accompany any.
type RuleDetails struct {
	Message        string          `json:"message,omitempty"`
	Claims         []ClaimDetail   `json:"claims,omitempty"`
	PIIEntities    []PIIEntitySpan `json:"pii_entities,omitempty"`
	Toxicity       *ToxicityDetail `json:"toxicity_score,omitempty"`
	KeywordMatches []KeywordMatch  `json:"keyword_matches,omitempty"`
	RegexMatches   []RegexMatch    `json:"regex_matches,omitempty"`
}

// ClaimDetail is the verdict on one atomic claim of a response.
type ClaimDetail struct {
	Claim       string `json:"claim"`
	Valid       bool   `json:"valid"`
	Reason      string `json:"reason"`
	OrderNumber int    `json:"order_number"`
}

// PIIEntitySpan is a detected PII entity.
type PIIEntitySpan struct {
	Entity     string  `json:"entity"`
	Span       string  `json:"span"`
	Confidence float64 `json:"confidence"`
}

// ToxicityViolation names why a toxicity rule failed.
type ToxicityViolation string

const (
	ToxicityViolationNone      ToxicityViolation = "no_violation"
	ToxicityViolationToxic     ToxicityViolation = "toxic_content"
	ToxicityViolationProfanity ToxicityViolation = "profanity"
	ToxicityViolationUnknown   ToxicityViolation = "unknown"
)

// ToxicityDetail carries the classifier score and violation type.
type ToxicityDetail struct {
	Score         float64           `json:"toxicity_score"`
	ViolationType ToxicityViolation `json:"toxicity_violation_type"`
}

// KeywordMatch is one matched keyword.
type KeywordMatch struct {
	Keyword string `json:"keyword"`
}

// RegexMatch is one pattern match.
type RegexMatch struct {
	MatchingText string `json:"matching_text"`
	Pattern      string `json:"pattern"`
}

// ValidatePromptRequest is the request body for validate_prompt.
type ValidatePromptRequest struct {
	Prompt         string  `json:"prompt"`
	ConversationID *string `json:"conversation_id,omitempty"`
	UserID         *string `json:"user_id,omitempty"`
	ModelName      *string `json:"model_name,omitempty"`
}

// Validate checks the request shape.
func (r ValidatePromptRequest) Validate() error {
	if r.Prompt == "" {
		return &ValidationError{Field: "prompt", Message: "prompt is required"}
	}
	return nil
}

// ValidateResponseRequest is the request body for validate_response.
type ValidateResponseRequest struct {
	Response  string  `json:"response"`
	Context   *string `json:"context,omitempty"`
	ModelName *string `json:"model_name,omitempty"`
}

// Validate checks the request shape.
func (r ValidateResponseRequest) Validate() error {
	if r.Response == "" {
		return &ValidationError{Field: "response", Message: "response is required"}
	}
	return nil
}

// ValidationResult is returned by both validation endpoints.
type ValidationResult struct {
	InferenceID uuid.UUID    `json:"inference_id"`
	Result      Result       `json:"result"`
	RuleResults []RuleResult `json:"rule_results"`
	UserID      *string      `json:"user_id,omitempty"`
}

// InferenceFilter narrows inference queries.
type InferenceFilter struct {
	TaskIDs        []uuid.UUID
	ConversationID *string
	UserID         *string
	Result         *Result
	RuleTypes      []RuleType
	StartTime      *time.Time
	EndTime        *time.Time
}

// TokenUsage is one row of the token usage report.
type TokenUsage struct {
	RuleType         RuleType `json:"rule_type"`
	PromptTokens     int64    `json:"prompt_tokens"`
	CompletionTokens int64    `json:"completion_tokens"`
	Count            int64    `json:"count"`
}
