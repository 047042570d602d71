package mamori

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the mamori server (e.g. "http://localhost:8435").
	BaseURL string

	// APIKey is an mk_ API key or a JWT bearer token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the mamori guardrail API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mamori: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("mamori: APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// ValidatePrompt checks a prompt against the task's rules and opens an inference.
func (c *Client) ValidatePrompt(ctx context.Context, taskID uuid.UUID, req ValidatePromptRequest) (*ValidationResult, error) {
	var resp ValidationResult
	if err := c.post(ctx, "/api/v2/tasks/"+taskID.String()+"/validate_prompt", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateResponse checks the model's answer for an inference opened by
// ValidatePrompt. Each inference accepts one response.
func (c *Client) ValidateResponse(ctx context.Context, taskID, inferenceID uuid.UUID, req ValidateResponseRequest) (*ValidationResult, error) {
	var resp ValidationResult
	path := "/api/v2/tasks/" + taskID.String() + "/validate_response/" + inferenceID.String()
	if err := c.post(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryInferences pages through stored inferences.
func (c *Client) QueryInferences(ctx context.Context, q InferenceQuery) (*Page[Inference], error) {
	params := url.Values{}
	for _, id := range q.TaskIDs {
		params.Add("task_ids", id.String())
	}
	if q.ConversationID != "" {
		params.Set("conversation_id", q.ConversationID)
	}
	if q.UserID != "" {
		params.Set("user_id", q.UserID)
	}
	if q.Result != "" {
		params.Set("rule_result", string(q.Result))
	}
	if !q.StartTime.IsZero() {
		params.Set("start_time", q.StartTime.UTC().Format(time.RFC3339))
	}
	if !q.EndTime.IsZero() {
		params.Set("end_time", q.EndTime.UTC().Format(time.RFC3339))
	}
	setPage(params, q.Page, q.PageSize)

	var resp Page[Inference]
	if err := c.getPage(ctx, "/api/v2/inferences?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendFeedback records a judgement on an inference.
func (c *Client) SendFeedback(ctx context.Context, fb Feedback) (*Feedback, error) {
	var resp Feedback
	if err := c.post(ctx, "/api/v2/feedback", fb, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Tasks, rules and metrics
// ---------------------------------------------------------------------------

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, name string, agentic bool) (*Task, error) {
	var resp Task
	body := map[string]any{"name": name, "is_agentic": agentic}
	if err := c.post(ctx, "/api/v2/tasks", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTask returns a task with its rules and, for agentic tasks, its metrics.
func (c *Client) GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	var resp Task
	if err := c.get(ctx, "/api/v2/tasks/"+taskID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SearchTasks pages through tasks whose name contains name.
func (c *Client) SearchTasks(ctx context.Context, name string, page, pageSize int) (*Page[Task], error) {
	params := url.Values{}
	if name != "" {
		params.Set("task_name", name)
	}
	setPage(params, page, pageSize)
	var resp Page[Task]
	if err := c.getPage(ctx, "/api/v2/tasks?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ArchiveTask archives a task. Its history is kept.
func (c *Client) ArchiveTask(ctx context.Context, taskID uuid.UUID) error {
	return c.doDelete(ctx, "/api/v2/tasks/"+taskID.String())
}

// CreateTaskRule creates a rule bound to a task.
func (c *Client) CreateTaskRule(ctx context.Context, taskID uuid.UUID, req CreateRuleRequest) (*Rule, error) {
	var resp Rule
	if err := c.post(ctx, "/api/v2/tasks/"+taskID.String()+"/rules", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetTaskRuleEnabled enables or disables a rule for a task.
func (c *Client) SetTaskRuleEnabled(ctx context.Context, taskID, ruleID uuid.UUID, enabled bool) error {
	path := "/api/v2/tasks/" + taskID.String() + "/rules/" + ruleID.String()
	return c.patch(ctx, path, map[string]bool{"enabled": enabled})
}

// ArchiveTaskRule archives a rule created for a task.
func (c *Client) ArchiveTaskRule(ctx context.Context, taskID, ruleID uuid.UUID) error {
	return c.doDelete(ctx, "/api/v2/tasks/"+taskID.String()+"/rules/"+ruleID.String())
}

// CreateDefaultRule creates a rule applied to every task.
func (c *Client) CreateDefaultRule(ctx context.Context, req CreateRuleRequest) (*Rule, error) {
	var resp Rule
	if err := c.post(ctx, "/api/v2/default_rules", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDefaultRules returns the active default rules.
func (c *Client) ListDefaultRules(ctx context.Context) ([]Rule, error) {
	var resp []Rule
	if err := c.get(ctx, "/api/v2/default_rules", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateTaskMetric creates a metric on an agentic task.
func (c *Client) CreateTaskMetric(ctx context.Context, taskID uuid.UUID, req CreateMetricRequest) (*Metric, error) {
	var resp Metric
	if err := c.post(ctx, "/api/v2/tasks/"+taskID.String()+"/metrics", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Traces
// ---------------------------------------------------------------------------

// IngestTraces posts an OTLP export. contentType is application/x-protobuf or
// application/json. Partial and failed batches are not errors; inspect Status.
func (c *Client) IngestTraces(ctx context.Context, body []byte, contentType string) (*IngestResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/traces", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mamori: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mamori: read response body: %w", err)
	}
	// 422 carries a complete ingest summary rather than an error envelope.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnprocessableEntity {
		return nil, parseErrorResponse(resp.StatusCode, raw)
	}
	var out IngestResponse
	if err := unwrap(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTrace returns a trace with its spans.
func (c *Client) GetTrace(ctx context.Context, traceID string) (*Trace, error) {
	var resp Trace
	if err := c.get(ctx, "/api/v1/traces/"+url.PathEscape(traceID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ComputeSpanMetrics scores a span with its task's enabled metrics and
// returns every stored result.
func (c *Client) ComputeSpanMetrics(ctx context.Context, spanID uuid.UUID) ([]MetricResult, error) {
	var resp []MetricResult
	if err := c.post(ctx, "/api/v1/spans/"+spanID.String()+"/metrics", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListSpanMetrics returns the stored metric results of a span.
func (c *Client) ListSpanMetrics(ctx context.Context, spanID uuid.UUID) ([]MetricResult, error) {
	var resp []MetricResult
	if err := c.get(ctx, "/api/v1/spans/"+spanID.String()+"/metrics", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Keys, usage and health
// ---------------------------------------------------------------------------

// CreateAPIKey creates an API key. The raw key is only returned here.
func (c *Client) CreateAPIKey(ctx context.Context, description string, roles ...Role) (*CreatedAPIKey, error) {
	var resp CreatedAPIKey
	body := map[string]any{"description": description, "roles": roles}
	if err := c.post(ctx, "/auth/api_keys", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAPIKeys lists API keys without their secrets.
func (c *Client) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	var resp []APIKey
	if err := c.get(ctx, "/auth/api_keys", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeactivateAPIKey revokes an API key.
func (c *Client) DeactivateAPIKey(ctx context.Context, keyID uuid.UUID) error {
	return c.doDelete(ctx, "/auth/api_keys/"+keyID.String())
}

// TokenUsage returns LLM token spend per rule type between start and end.
// Zero times use the server default window.
func (c *Client) TokenUsage(ctx context.Context, start, end time.Time) ([]TokenUsage, error) {
	params := url.Values{}
	if !start.IsZero() {
		params.Set("start_time", start.UTC().Format(time.RFC3339))
	}
	if !end.IsZero() {
		params.Set("end_time", end.UTC().Format(time.RFC3339))
	}
	var resp []TokenUsage
	if err := c.get(ctx, "/api/v2/usage/tokens?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health checks server health. Does not require authentication.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("mamori: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mamori: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out HealthResponse
	if err := handleResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Message      string `json:"message"`
	BuildVersion string `json:"build_version"`
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func setPage(params url.Values, page, pageSize int) {
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		params.Set("page_size", strconv.Itoa(pageSize))
	}
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.withBody(ctx, http.MethodPost, path, body, dest)
}

func (c *Client) patch(ctx context.Context, path string, body any) error {
	return c.withBody(ctx, http.MethodPatch, path, body, nil)
}

func (c *Client) withBody(ctx context.Context, method, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mamori: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("mamori: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mamori: create request: %w", err)
	}
	return c.doRequest(req, dest)
}

// getPage decodes a list response, which carries paging fields beside "data".
func (c *Client) getPage(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mamori: create request: %w", err)
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mamori: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, dest)
}

func (c *Client) doDelete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mamori: create request: %w", err)
	}
	return c.doRequest(req, nil)
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mamori: %s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mamori: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	// 204 No Content: nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}
	return unwrap(bodyBytes, dest)
}

// unwrap decodes the "data" field of the server's response envelope.
func unwrap(body []byte, dest any) error {
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("mamori: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("mamori: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
