package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

// Metric is a quantitative evaluator over spans. Metrics are only bound to
// agentic tasks.
type Metric struct {
	ID        uuid.UUID      `json:"id"`
	Type      MetricType     `json:"type"`
	Name      string         `json:"name"`
	Metadata  string         `json:"metric_metadata"`
	Config    map[string]any `json:"config,omitempty"`
	Archived  bool           `json:"archived"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	Enabled *bool `json:"enabled,omitempty"`
}

// MetricResult is the immutable outcome of one metric on one span.
// Details is nil when the metric failed.
type MetricResult struct {
	ID               uuid.UUID       `json:"id"`
	SpanID           uuid.UUID       `json:"span_id"`
	MetricID         uuid.UUID       `json:"metric_id"`
	MetricType       MetricType      `json:"metric_type"`
	Details          json.RawMessage `json:"details"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	LatencyMS        int64           `json:"latency_ms"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Failed reports whether the result is the failure sentinel.
func (r MetricResult) Failed() bool {
	return len(r.Details) == 0
}

// CreateMetricRequest is the request body for POST /api/v2/tasks/{task_id}/metrics.
type CreateMetricRequest struct {
	Type     MetricType     `json:"metric_type"`
	Name     string         `json:"metric_name"`
	Metadata string         `json:"metric_metadata"`
	Config   map[string]any `json:"config,omitempty"`
}

// Validate checks the request shape. Metric-specific config is validated by
// the metric registry.
func (r CreateMetricRequest) Validate() error {
	if _, err := ParseMetricType(string(r.Type)); err != nil {
		return &ValidationError{Field: "metric_type", Message: err.Error()}
	}
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "metric_name", Message: "metric_name is required"}
	}
	return nil
}
