package server_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/ashita-ai/mamori/internal/auth"
	"github.com/ashita-ai/mamori/internal/binding"
	"github.com/ashita-ai/mamori/internal/claims"
	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/ratelimit"
	"github.com/ashita-ai/mamori/internal/rules"
	"github.com/ashita-ai/mamori/internal/scorer"
	"github.com/ashita-ai/mamori/internal/server"
	"github.com/ashita-ai/mamori/internal/service/ingest"
	"github.com/ashita-ai/mamori/internal/service/validation"
	"github.com/ashita-ai/mamori/internal/spans"
	"github.com/ashita-ai/mamori/internal/storage"
	"github.com/ashita-ai/mamori/internal/telemetry"
	"github.com/ashita-ai/mamori/internal/testutil"
	"github.com/ashita-ai/mamori/internal/tokens"
)

const adminKey = "test-admin-key"

var (
	testDB  *storage.DB
	testSrv *httptest.Server
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	parser, err := claims.NewParser()
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: claims parser: %v\n", err)
		return 1
	}
	collector := telemetry.NewCollector(nil)
	registry := scorer.NewRegistry(scorer.Deps{Claims: parser, Logger: logger})
	resolver := binding.NewResolver(testDB, time.Minute, logger)
	defer resolver.Close()
	svc := validation.New(testDB, resolver, rules.New(registry, 4, collector, logger), tokens.NewCounter(logger), collector, logger)

	limiter := ratelimit.NewMemoryLimiter(1000, 1000)
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		DB:            testDB,
		Authenticator: auth.NewAuthenticator(auth.Options{AdminKey: adminKey, Keys: testDB, Logger: logger}),
		Validation:    svc,
		Ingest:        ingest.New(testDB, collector, logger),
		Logger:        logger,
		Bindings:      resolver,
		Collector:     collector,
		Limiter:       limiter,
		Version:       "test",
		MaxAPIKeys:    5,
		OpenAPISpec:   []byte("openapi: 3.1.0\n"),
	})
	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	return m.Run()
}

// call performs an HTTP request and decodes the "data" field of the envelope.
func call(t *testing.T, token, method, path string, body any, out any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, testSrv.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	if out != nil {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return resp
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	return apiErr.Error.Code
}

func createTask(t *testing.T, agentic bool) model.Task {
	t.Helper()
	var task model.Task
	resp := call(t, adminKey, http.MethodPost, "/api/v2/tasks",
		model.CreateTaskRequest{Name: "srv-" + uuid.NewString()[:8], IsAgentic: agentic}, &task)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return task
}

func createKey(t *testing.T, roles ...model.Role) string {
	t.Helper()
	var key model.APIKeyWithRawKey
	resp := call(t, adminKey, http.MethodPost, "/auth/api_keys",
		model.CreateAPIKeyRequest{Description: "test", Roles: roles}, &key)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, strings.HasPrefix(key.RawKey, "mk_"))
	return key.RawKey
}

func TestHealth(t *testing.T) {
	var health model.HealthResponse
	resp := call(t, "", http.MethodGet, "/health", nil, &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health.Message)
	assert.Equal(t, "test", health.BuildVersion)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestOpenAPIAndMetricsArePublic(t *testing.T) {
	resp := call(t, "", http.MethodGet, "/openapi.yaml", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))

	resp = call(t, "", http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "mamori_http_requests_total")
}

func TestAuth(t *testing.T) {
	t.Run("missing header", func(t *testing.T) {
		resp := call(t, "", http.MethodGet, "/api/v2/tasks", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, resp))
	})

	t.Run("bad token", func(t *testing.T) {
		resp := call(t, "nope", http.MethodGet, "/api/v2/tasks", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("role without permission", func(t *testing.T) {
		key := createKey(t, model.RoleOrgAuditor)
		resp := call(t, key, http.MethodPost, "/api/v2/tasks", model.CreateTaskRequest{Name: "x"}, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, model.ErrCodeForbidden, errorCode(t, resp))

		resp = call(t, key, http.MethodGet, "/api/v2/tasks", nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestTaskLifecycle(t *testing.T) {
	task := createTask(t, false)

	var rule model.Rule
	resp := call(t, adminKey, http.MethodPost, "/api/v2/tasks/"+task.ID.String()+"/rules", map[string]any{
		"name":   "blocklist",
		"type":   model.RuleTypeKeyword,
		"config": map[string]any{"keywords": []string{"secret"}},
	}, &rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, model.RuleScopeTask, rule.Scope)

	var got model.Task
	resp = call(t, adminKey, http.MethodGet, "/api/v2/tasks/"+task.ID.String(), nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, task.Name, got.Name)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, rule.ID, got.Rules[0].ID)

	resp = call(t, adminKey, http.MethodGet, "/api/v2/tasks?task_name="+task.Name, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 0, list.Page)

	resp = call(t, adminKey, http.MethodPatch, "/api/v2/tasks/"+task.ID.String()+"/rules/"+rule.ID.String(),
		map[string]any{"enabled": false}, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = call(t, adminKey, http.MethodPatch, "/api/v2/tasks/"+task.ID.String()+"/rules/"+rule.ID.String(),
		map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, adminKey, http.MethodDelete, "/api/v2/tasks/"+task.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = call(t, adminKey, http.MethodGet, "/api/v2/tasks/"+task.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, resp))
}

func TestCreateTask_Invalid(t *testing.T) {
	resp := call(t, adminKey, http.MethodPost, "/api/v2/tasks", model.CreateTaskRequest{Name: "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))

	resp = call(t, adminKey, http.MethodPost, "/api/v2/tasks", map[string]any{"name": "x", "bogus": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, adminKey, http.MethodGet, "/api/v2/tasks/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidateFlow(t *testing.T) {
	task := createTask(t, false)
	resp := call(t, adminKey, http.MethodPost, "/api/v2/tasks/"+task.ID.String()+"/rules", map[string]any{
		"name":   "ssn",
		"type":   model.RuleTypeRegex,
		"config": map[string]any{"regex_patterns": []string{`\d{3}-\d{2}-\d{4}`}},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	key := createKey(t, model.RoleValidationUser)

	var prompt model.ValidationResult
	resp = call(t, key, http.MethodPost, "/api/v2/tasks/"+task.ID.String()+"/validate_prompt",
		model.ValidatePromptRequest{Prompt: "my ssn is 123-45-6789"}, &prompt)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.ResultFail, prompt.Result)

	path := "/api/v2/tasks/" + task.ID.String() + "/validate_response/" + prompt.InferenceID.String()
	var response model.ValidationResult
	resp = call(t, key, http.MethodPost, path, model.ValidateResponseRequest{Response: "I cannot help with that"}, &response)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.ResultPass, response.Result)
	assert.Equal(t, prompt.InferenceID, response.InferenceID)

	resp = call(t, key, http.MethodPost, path, model.ValidateResponseRequest{Response: "again"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, key, http.MethodPost, "/api/v2/feedback", model.FeedbackRequest{
		InferenceID: prompt.InferenceID, Target: model.FeedbackPromptResults, Score: 1,
	}, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Validation users cannot read inference history.
	resp = call(t, key, http.MethodGet, "/api/v2/inferences?task_ids="+task.ID.String(), nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = call(t, adminKey, http.MethodGet, "/api/v2/inferences?task_ids="+task.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 1, list.Total)
}

func TestValidatePrompt_UnknownTask(t *testing.T) {
	resp := call(t, adminKey, http.MethodPost, "/api/v2/tasks/"+uuid.NewString()+"/validate_prompt",
		model.ValidatePromptRequest{Prompt: "hi"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetrics_RequireAgenticTask(t *testing.T) {
	body := model.CreateMetricRequest{Type: model.MetricTypeQueryRelevance, Name: "relevance"}

	plain := createTask(t, false)
	resp := call(t, adminKey, http.MethodPost, "/api/v2/tasks/"+plain.ID.String()+"/metrics", body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	agent := createTask(t, true)
	var metric model.Metric
	resp = call(t, adminKey, http.MethodPost, "/api/v2/tasks/"+agent.ID.String()+"/metrics", body, &metric)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotNil(t, metric.Enabled)
	assert.True(t, *metric.Enabled)

	resp = call(t, adminKey, http.MethodPost, "/api/v2/tasks/"+agent.ID.String()+"/metrics", model.CreateMetricRequest{
		Type: model.MetricTypeQueryRelevance, Name: "bad", Config: map[string]any{"unknown": true},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var metrics []model.Metric
	resp = call(t, adminKey, http.MethodGet, "/api/v2/tasks/"+agent.ID.String()+"/metrics", nil, &metrics)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, metrics, 1)
}

func TestAPIKeys(t *testing.T) {
	var created model.APIKeyWithRawKey
	resp := call(t, adminKey, http.MethodPost, "/auth/api_keys",
		model.CreateAPIKeyRequest{Description: "ci", Roles: []model.Role{model.RoleTaskAdmin}}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = call(t, created.RawKey, http.MethodGet, "/api/v2/tasks", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = call(t, created.RawKey, http.MethodGet, "/auth/api_keys", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "task admins cannot manage keys")

	var keys []model.APIKey
	resp = call(t, adminKey, http.MethodGet, "/auth/api_keys", nil, &keys)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, k := range keys {
		assert.Empty(t, k.KeyHash, "hash must not be returned")
	}

	resp = call(t, adminKey, http.MethodDelete, "/auth/api_keys/"+created.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = call(t, created.RawKey, http.MethodGet, "/api/v2/tasks", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = call(t, adminKey, http.MethodPost, "/auth/api_keys",
		model.CreateAPIKeyRequest{Roles: []model.Role{"SUPERUSER"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func otlpBody(t *testing.T, list ...*tracepb.Span) []byte {
	t.Helper()
	b, err := proto.Marshal(&coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{ScopeSpans: []*tracepb.ScopeSpans{{Spans: list}}}},
	})
	require.NoError(t, err)
	return b
}

func otlpSpan(traceID []byte, n byte, task string) *tracepb.Span {
	start := time.Now().Add(-time.Minute)
	return &tracepb.Span{
		TraceId:           traceID,
		SpanId:            []byte{1, 2, 3, 4, 5, 6, 7, n},
		Name:              "llm",
		StartTimeUnixNano: uint64(start.UnixNano()),
		EndTimeUnixNano:   uint64(start.Add(time.Second).UnixNano()),
		Attributes: []*commonpb.KeyValue{{
			Key:   spans.TaskIDAttribute,
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: task}},
		}},
	}
}

func postTraces(t *testing.T, body []byte) (*http.Response, model.IngestResponse) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, testSrv.URL+"/v1/traces", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Authorization", "Bearer "+adminKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env struct {
		Data model.IngestResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env.Data
}

func TestIngestTraces(t *testing.T) {
	task := createTask(t, true)
	traceID := uuid.New()

	resp, out := postTraces(t, otlpBody(t, otlpSpan(traceID[:], 1, task.ID.String())))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.IngestSuccess, out.Status)

	// One new span, one duplicate.
	resp, out = postTraces(t, otlpBody(t,
		otlpSpan(traceID[:], 1, task.ID.String()),
		otlpSpan(traceID[:], 2, task.ID.String()),
	))
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, model.IngestPartialSuccess, out.Status)
	assert.Equal(t, 1, out.AcceptedSpans)

	resp, out = postTraces(t, otlpBody(t, otlpSpan(traceID[:], 3, uuid.NewString())))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, model.IngestFailure, out.Status)

	var trace model.Trace
	r := call(t, adminKey, http.MethodGet, fmt.Sprintf("/api/v1/traces/%x", traceID[:]), nil, &trace)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, 2, trace.SpanCount)
	require.Len(t, trace.Spans, 2)

	// No metric engine is configured.
	r = call(t, adminKey, http.MethodPost, "/api/v1/spans/"+trace.Spans[0].ID.String()+"/metrics", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, r.StatusCode)

	var results []model.MetricResult
	r = call(t, adminKey, http.MethodGet, "/api/v1/spans/"+trace.Spans[0].ID.String()+"/metrics", nil, &results)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Empty(t, results)
}

func TestTokenUsage(t *testing.T) {
	resp := call(t, adminKey, http.MethodGet, "/api/v2/usage/tokens", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = call(t, adminKey, http.MethodGet,
		"/api/v2/usage/tokens?start_time=2026-02-01T00:00:00Z&end_time=2026-01-01T00:00:00Z", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
