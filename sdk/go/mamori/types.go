package mamori

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Result is the verdict of a rule or of a whole prompt or response.
type Result string

const (
	ResultPass                 Result = "Pass"
	ResultFail                 Result = "Fail"
	ResultSkipped              Result = "Skipped"
	ResultUnavailable          Result = "Unavailable"
	ResultModelNotAvailable    Result = "Model Not Available"
	ResultPartiallyUnavailable Result = "Partially Unavailable"
)

// Role is an RBAC role carried by an API key.
type Role string

const (
	RoleOrgAdmin       Role = "ORG-ADMIN"
	RoleTaskAdmin      Role = "TASK-ADMIN"
	RoleValidationUser Role = "VALIDATION-USER"
	RoleOrgAuditor     Role = "ORG-AUDITOR"
)

// Task groups the rules and metrics applied to one LLM use case.
type Task struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	IsAgentic bool      `json:"is_agentic"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Rules     []Rule    `json:"rules,omitempty"`
	Metrics   []Metric  `json:"metrics,omitempty"`
}

// Rule is a policy check bound to a task or applied by default.
type Rule struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	Scope           string    `json:"scope"`
	ApplyToPrompt   bool      `json:"apply_to_prompt"`
	ApplyToResponse bool      `json:"apply_to_response"`
	Archived        bool      `json:"archived"`
	Enabled         *bool     `json:"enabled,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateRuleRequest creates a rule. Config holds the type-specific settings,
// e.g. {"keywords": ["..."]} for KeywordRule.
type CreateRuleRequest struct {
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	ApplyToPrompt   *bool          `json:"apply_to_prompt,omitempty"`
	ApplyToResponse *bool          `json:"apply_to_response,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

// Metric is a span evaluator bound to an agentic task.
type Metric struct {
	ID        uuid.UUID      `json:"id"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Metadata  string         `json:"metric_metadata"`
	Config    map[string]any `json:"config,omitempty"`
	Enabled   *bool          `json:"enabled,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CreateMetricRequest creates a metric on an agentic task.
type CreateMetricRequest struct {
	Type     string         `json:"metric_type"`
	Name     string         `json:"metric_name"`
	Metadata string         `json:"metric_metadata"`
	Config   map[string]any `json:"config,omitempty"`
}

// RuleResult is the outcome of one rule.
type RuleResult struct {
	ID               uuid.UUID       `json:"id"`
	RuleID           uuid.UUID       `json:"id_rule"`
	Name             string          `json:"name"`
	RuleType         string          `json:"rule_type"`
	Scope            string          `json:"scope"`
	Result           Result          `json:"result"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	LatencyMS        int64           `json:"latency_ms"`
	Details          json.RawMessage `json:"details,omitempty"`
}

// ValidatePromptRequest is the body of a prompt validation.
type ValidatePromptRequest struct {
	Prompt         string  `json:"prompt"`
	ConversationID *string `json:"conversation_id,omitempty"`
	UserID         *string `json:"user_id,omitempty"`
	ModelName      *string `json:"model_name,omitempty"`
}

// ValidateResponseRequest is the body of a response validation. Context is
// the grounding text for hallucination checks.
type ValidateResponseRequest struct {
	Response  string  `json:"response"`
	Context   *string `json:"context,omitempty"`
	ModelName *string `json:"model_name,omitempty"`
}

// ValidationResult is returned by both validation calls.
type ValidationResult struct {
	InferenceID uuid.UUID    `json:"inference_id"`
	Result      Result       `json:"result"`
	RuleResults []RuleResult `json:"rule_results"`
	UserID      *string      `json:"user_id,omitempty"`
}

// Inference is a stored prompt with its optional response.
type Inference struct {
	ID             uuid.UUID       `json:"id"`
	TaskID         *uuid.UUID      `json:"task_id,omitempty"`
	ConversationID *string         `json:"conversation_id,omitempty"`
	UserID         *string         `json:"user_id,omitempty"`
	Result         Result          `json:"result"`
	Prompt         json.RawMessage `json:"inference_prompt,omitempty"`
	Response       json.RawMessage `json:"inference_response,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// InferenceQuery filters inference history. Zero fields are ignored.
type InferenceQuery struct {
	TaskIDs        []uuid.UUID
	ConversationID string
	UserID         string
	Result         Result
	StartTime      time.Time
	EndTime        time.Time
	Page           int
	PageSize       int
}

// Feedback is a user judgement on an inference. Target is one of context,
// prompt_results or response_results; Score is -1, 0 or 1.
type Feedback struct {
	ID          uuid.UUID `json:"id,omitempty"`
	InferenceID uuid.UUID `json:"inference_id"`
	Target      string    `json:"target"`
	Score       int       `json:"score"`
	Reason      *string   `json:"reason,omitempty"`
	UserID      *string   `json:"user_id,omitempty"`
}

// APIKey is an API key without its secret.
type APIKey struct {
	ID          uuid.UUID  `json:"id"`
	Prefix      string     `json:"prefix"`
	Description string     `json:"description"`
	Roles       []Role     `json:"roles"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	Deactivated *time.Time `json:"deactivated_at,omitempty"`
}

// CreatedAPIKey carries the raw key, returned only at creation.
type CreatedAPIKey struct {
	APIKey
	RawKey string `json:"key"`
}

// TokenUsage is the LLM token spend of one rule type.
type TokenUsage struct {
	RuleType         string `json:"rule_type"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	Count            int64  `json:"count"`
}

// IngestResponse summarizes an OTLP span batch.
type IngestResponse struct {
	TotalSpans       int      `json:"total_spans"`
	AcceptedSpans    int      `json:"accepted_spans"`
	RejectedSpans    int      `json:"rejected_spans"`
	RejectionReasons []string `json:"rejection_reasons"`
	Status           string   `json:"status"`
}

// Span is a stored, normalized OpenTelemetry span.
type Span struct {
	ID           uuid.UUID      `json:"id"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id,omitempty"`
	SpanKind     *string        `json:"span_kind,omitempty"`
	SpanName     *string        `json:"span_name,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	TaskID       *uuid.UUID     `json:"task_id,omitempty"`
	StatusCode   string         `json:"status_code"`
	RawData      map[string]any `json:"raw_data"`
}

// Trace is a trace's metadata with its spans in start order.
type Trace struct {
	TraceID   string     `json:"trace_id"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	SpanCount int        `json:"span_count"`
	Spans     []Span     `json:"spans"`
}

// MetricResult is the outcome of one metric on one span. Details is empty
// when the metric failed.
type MetricResult struct {
	ID         uuid.UUID       `json:"id"`
	SpanID     uuid.UUID       `json:"span_id"`
	MetricID   uuid.UUID       `json:"metric_id"`
	MetricType string          `json:"metric_type"`
	Details    json.RawMessage `json:"details"`
}

// Page is one page of a list endpoint. Pages are zero-based.
type Page[T any] struct {
	Data       []T `json:"data"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
