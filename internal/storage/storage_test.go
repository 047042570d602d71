package storage_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/secrets"
	"github.com/ashita-ai/mamori/internal/storage"
	"github.com/ashita-ai/mamori/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var (
	testDB *storage.DB
	tc     *testutil.TestContainer
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	tc = testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// defaultRulesMu serializes tests that create default rules, which are
// visible to every task.
var defaultRulesMu sync.Mutex

func newTask(t *testing.T, agentic bool) model.Task {
	t.Helper()
	task, err := testDB.CreateTask(context.Background(), model.Task{Name: "task-" + uuid.NewString()[:8], IsAgentic: agentic})
	require.NoError(t, err)
	return task
}

func keywordRule(t *testing.T, scope model.RuleScope, keywords ...string) model.Rule {
	t.Helper()
	var data []model.RuleData
	for _, k := range keywords {
		data = append(data, model.RuleData{Type: model.RuleDataKeyword, Value: k})
	}
	return model.Rule{
		Name: "kw", Type: model.RuleTypeKeyword, Scope: scope,
		PromptEnabled: true, ResponseEnabled: true, Data: data,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, true)
	assert.Equal(t, model.TaskTypeAgent, task.TaskType)

	got, err := testDB.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Name, got.Name)
	assert.True(t, got.IsAgentic)

	require.NoError(t, testDB.ArchiveTask(ctx, task.ID))
	_, err = testDB.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, testDB.ArchiveTask(ctx, task.ID), storage.ErrNotFound)
}

func TestSearchTasksPaginates(t *testing.T) {
	ctx := context.Background()
	prefix := "search-" + uuid.NewString()[:6]
	for i := 0; i < 5; i++ {
		_, err := testDB.CreateTask(ctx, model.Task{Name: prefix + "-x"})
		require.NoError(t, err)
	}

	tasks, total, err := testDB.SearchTasks(ctx, model.TaskFilter{Name: &prefix},
		model.Page{Page: 1, PageSize: 2, Sort: model.SortAsc})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, tasks, 2)
}

func TestTaskRuleLifecycle(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, false)

	rule, err := testDB.CreateRule(ctx, keywordRule(t, model.RuleScopeTask, "bad", "worse"), &task.ID)
	require.NoError(t, err)

	got, err := testDB.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bad", "worse"}, got.Values(model.RuleDataKeyword))

	enabled, err := testDB.EnabledRulesForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, containsRule(enabled, rule.ID))

	require.NoError(t, testDB.SetTaskRuleEnabled(ctx, task.ID, rule.ID, false))
	enabled, err = testDB.EnabledRulesForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, containsRule(enabled, rule.ID))

	all, err := testDB.TaskRules(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, containsRule(all, rule.ID))
	for _, r := range all {
		if r.ID == rule.ID {
			require.NotNil(t, r.Enabled)
			assert.False(t, *r.Enabled)
		}
	}

	require.NoError(t, testDB.ArchiveTaskRule(ctx, task.ID, rule.ID))
	all, err = testDB.TaskRules(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, containsRule(all, rule.ID))

	assert.ErrorIs(t, testDB.SetTaskRuleEnabled(ctx, task.ID, rule.ID, true), storage.ErrNotFound)
}

func TestCreateRuleUnknownTask(t *testing.T) {
	missing := uuid.New()
	_, err := testDB.CreateRule(context.Background(), keywordRule(t, model.RuleScopeTask, "x"), &missing)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDefaultRuleAppliesToEveryTask(t *testing.T) {
	defaultRulesMu.Lock()
	defer defaultRulesMu.Unlock()
	ctx := context.Background()

	tasks := make([]model.Task, 44)
	before := make([]int, len(tasks))
	for i := range tasks {
		tasks[i] = newTask(t, false)
		rules, err := testDB.TaskRules(ctx, tasks[i].ID)
		require.NoError(t, err)
		before[i] = len(rules)
	}

	rule, err := testDB.CreateRule(ctx, keywordRule(t, model.RuleScopeDefault, "global"), nil)
	require.NoError(t, err)

	for i, task := range tasks {
		rules, err := testDB.TaskRules(ctx, task.ID)
		require.NoError(t, err)
		assert.Len(t, rules, before[i]+1)
	}

	require.NoError(t, testDB.ArchiveDefaultRule(ctx, rule.ID))
	for i, task := range tasks {
		rules, err := testDB.TaskRules(ctx, task.ID)
		require.NoError(t, err)
		assert.Len(t, rules, before[i])
	}
	assert.ErrorIs(t, testDB.ArchiveDefaultRule(ctx, rule.ID), storage.ErrNotFound)
}

func TestPromptAndResponseValidation(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, false)
	rule, err := testDB.CreateRule(ctx, keywordRule(t, model.RuleScopeTask, "bad"), &task.ID)
	require.NoError(t, err)

	tokens := 5
	inf, err := testDB.SavePromptValidation(ctx, model.Inference{
		TaskID: &task.ID,
		Result: model.ResultFail,
		Prompt: &model.InferencePrompt{
			Content: "this is a bad prompt",
			Tokens:  &tokens,
			Result:  model.ResultFail,
			RuleResults: []model.RuleResult{{
				RuleID: rule.ID, Result: model.ResultFail, LatencyMS: 3,
				Details: &model.RuleDetails{KeywordMatches: []model.KeywordMatch{{Keyword: "bad"}}},
			}},
		},
	})
	require.NoError(t, err)

	got, err := testDB.GetInference(ctx, inf.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Prompt)
	assert.Equal(t, "this is a bad prompt", got.Prompt.Content)
	require.Len(t, got.Prompt.RuleResults, 1)
	rr := got.Prompt.RuleResults[0]
	assert.Equal(t, model.RuleTypeKeyword, rr.RuleType)
	require.NotNil(t, rr.Details)
	assert.Equal(t, "bad", rr.Details.KeywordMatches[0].Keyword)
	assert.Nil(t, got.Response)

	updated, err := testDB.SaveResponseValidation(ctx, inf.ID, model.InferenceResponse{
		Content: "fine", Result: model.ResultPass,
		RuleResults: []model.RuleResult{{RuleID: rule.ID, Result: model.ResultPass, PromptTokens: 7, CompletionTokens: 2}},
	})
	require.NoError(t, err)
	require.NotNil(t, updated.Response)
	assert.Equal(t, model.ResultFail, updated.Result)
	assert.Equal(t, 7, updated.Response.RuleResults[0].PromptTokens)

	// A second response leaves state unchanged.
	_, err = testDB.SaveResponseValidation(ctx, inf.ID, model.InferenceResponse{Content: "again", Result: model.ResultPass})
	assert.ErrorIs(t, err, storage.ErrAlreadyValidated)

	again, err := testDB.GetInference(ctx, inf.ID)
	require.NoError(t, err)
	assert.Equal(t, "fine", again.Response.Content)
	assert.Len(t, again.Response.RuleResults, 1)
}

func TestResponseValidationUnknownInference(t *testing.T) {
	_, err := testDB.SaveResponseValidation(context.Background(), uuid.New(), model.InferenceResponse{Content: "x", Result: model.ResultPass})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPersistenceDisabledStoresEmptyContent(t *testing.T) {
	ctx := context.Background()
	redacting, err := tc.NewTestDB(ctx, testutil.TestLogger(), storage.WithPersistenceDisabled(true))
	require.NoError(t, err)
	defer redacting.Close(ctx)

	task := newTask(t, false)
	tokens := 3
	inf, err := redacting.SavePromptValidation(ctx, model.Inference{
		TaskID: &task.ID, Result: model.ResultPass,
		Prompt: &model.InferencePrompt{Content: "secret prompt", Tokens: &tokens, Result: model.ResultPass},
	})
	require.NoError(t, err)

	got, err := testDB.GetInference(ctx, inf.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Prompt.Content)
	require.NotNil(t, got.Prompt.Tokens)
	assert.Equal(t, 3, *got.Prompt.Tokens)
}

func TestQueryInferencesFilters(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, false)
	conv := "conv-" + uuid.NewString()
	for i := 0; i < 3; i++ {
		_, err := testDB.SavePromptValidation(ctx, model.Inference{
			TaskID: &task.ID, ConversationID: &conv, Result: model.ResultPass,
			Prompt: &model.InferencePrompt{Content: "hello", Result: model.ResultPass},
		})
		require.NoError(t, err)
	}

	infs, total, err := testDB.QueryInferences(ctx, model.InferenceFilter{ConversationID: &conv},
		model.Page{PageSize: 2, Sort: model.SortDesc})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, infs, 2)
	for _, inf := range infs {
		assert.NotNil(t, inf.Prompt)
	}
}

func TestInsertSpansUpdatesTraceMetadata(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, true)
	traceID := uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)

	spans := []model.Span{
		{TraceID: traceID, SpanID: "a", TaskID: &task.ID, StartTime: base.Add(1 * time.Second), EndTime: base.Add(2 * time.Second), StatusCode: "Ok", RawData: map[string]any{"k": "v"}},
		{TraceID: traceID, SpanID: "b", TaskID: &task.ID, StartTime: base, EndTime: base.Add(1 * time.Second), StatusCode: "Ok", RawData: map[string]any{}},
		{TraceID: traceID, SpanID: "c", TaskID: &task.ID, StartTime: base.Add(2 * time.Second), EndTime: base.Add(5 * time.Second), StatusCode: "Ok", RawData: map[string]any{}},
	}
	accepted, rejected, err := testDB.InsertSpans(ctx, spans)
	require.NoError(t, err)
	assert.Len(t, accepted, 3)
	assert.Empty(t, rejected)

	trace, err := testDB.GetTrace(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, 3, trace.SpanCount)
	assert.True(t, trace.StartTime.Equal(base))
	assert.True(t, trace.EndTime.Equal(base.Add(5*time.Second)))
	require.NotNil(t, trace.TaskID)
	assert.Equal(t, task.ID, *trace.TaskID)
	assert.Len(t, trace.Spans, 3)
	assert.Equal(t, "b", trace.Spans[0].SpanID)

	// Re-sending a span is rejected as a duplicate and does not change the count.
	accepted, rejected, err = testDB.InsertSpans(ctx, spans[:1])
	require.NoError(t, err)
	assert.Empty(t, accepted)
	require.Len(t, rejected, 1)

	trace, err = testDB.GetTrace(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, 3, trace.SpanCount)
}

func TestMetricsRequireAgenticTask(t *testing.T) {
	ctx := context.Background()
	plain := newTask(t, false)
	_, err := testDB.CreateMetric(ctx, plain.ID, model.Metric{Type: model.MetricTypeNumericSum, Name: "sum"})
	assert.ErrorIs(t, err, storage.ErrTaskNotAgentic)

	agent := newTask(t, true)
	m, err := testDB.CreateMetric(ctx, agent.ID, model.Metric{
		Type: model.MetricTypeNumericSum, Name: "sum", Config: map[string]any{"path": "llm.token_count.total"},
	})
	require.NoError(t, err)

	metrics, err := testDB.EnabledMetricsForTask(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "llm.token_count.total", metrics[0].Config["path"])

	require.NoError(t, testDB.SetTaskMetricEnabled(ctx, agent.ID, m.ID, false))
	metrics, err = testDB.EnabledMetricsForTask(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, metrics)

	require.NoError(t, testDB.ArchiveTaskMetric(ctx, agent.ID, m.ID))
	all, err := testDB.TaskMetrics(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMetricResultsAreImmutable(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, true)
	m, err := testDB.CreateMetric(ctx, task.ID, model.Metric{Type: model.MetricTypeNullCount, Name: "nulls"})
	require.NoError(t, err)

	accepted, _, err := testDB.InsertSpans(ctx, []model.Span{{
		TraceID: uuid.NewString(), SpanID: "s", TaskID: &task.ID,
		StartTime: time.Now(), EndTime: time.Now(), StatusCode: "Ok", RawData: map[string]any{},
	}})
	require.NoError(t, err)
	span := accepted[0]

	n, err := testDB.SaveMetricResults(ctx, []model.MetricResult{{
		SpanID: span.ID, MetricID: m.ID, MetricType: m.Type, Details: []byte(`{"count":1}`), LatencyMS: 4,
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testDB.SaveMetricResults(ctx, []model.MetricResult{{
		SpanID: span.ID, MetricID: m.ID, MetricType: m.Type, Details: []byte(`{"count":2}`),
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	results, err := testDB.MetricResultsForSpan(ctx, span.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.JSONEq(t, `{"count":1}`, string(results[0].Details))
}

func TestAPIKeyLimit(t *testing.T) {
	ctx := context.Background()
	keys, err := testDB.ListAPIKeys(ctx)
	require.NoError(t, err)
	active := 0
	for _, k := range keys {
		if k.IsActive {
			active++
		}
	}

	k, err := testDB.CreateAPIKey(ctx, model.APIKey{
		Prefix: uuid.NewString()[:8], KeyHash: "hash", Roles: []model.Role{model.RoleOrgAuditor},
	}, active+1)
	require.NoError(t, err)

	_, err = testDB.CreateAPIKey(ctx, model.APIKey{
		Prefix: uuid.NewString()[:8], KeyHash: "hash", Roles: []model.Role{model.RoleOrgAuditor},
	}, active+1)
	assert.ErrorIs(t, err, storage.ErrKeyLimit)

	got, err := testDB.GetActiveAPIKeyByPrefix(ctx, k.Prefix)
	require.NoError(t, err)
	assert.Equal(t, []model.Role{model.RoleOrgAuditor}, got.Roles)

	require.NoError(t, testDB.DeactivateAPIKey(ctx, k.ID))
	_, err = testDB.GetActiveAPIKeyByPrefix(ctx, k.Prefix)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestFeedbackRequiresInference(t *testing.T) {
	_, err := testDB.CreateFeedback(context.Background(), model.Feedback{
		InferenceID: uuid.New(), Target: model.FeedbackContext, Score: 1,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotifyOnBindingChange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, testDB.Listen(ctx, storage.ChannelBindings))

	task := newTask(t, false)
	_, err := testDB.CreateRule(ctx, keywordRule(t, model.RuleScopeTask, "x"), &task.ID)
	require.NoError(t, err)

	for {
		channel, payload, err := testDB.WaitForNotification(ctx)
		require.NoError(t, err)
		if payload == task.ID.String() {
			assert.Equal(t, storage.ChannelBindings, channel)
			return
		}
	}
}

func TestTokenUsage(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, false)
	rule, err := testDB.CreateRule(ctx, model.Rule{
		Name: "sens", Type: model.RuleTypeSensitiveData, Scope: model.RuleScopeTask, PromptEnabled: true,
	}, &task.ID)
	require.NoError(t, err)

	start := time.Now().Add(-time.Minute)
	_, err = testDB.SavePromptValidation(ctx, model.Inference{
		TaskID: &task.ID, Result: model.ResultPass,
		Prompt: &model.InferencePrompt{Content: "p", Result: model.ResultPass, RuleResults: []model.RuleResult{
			{RuleID: rule.ID, Result: model.ResultPass, PromptTokens: 11, CompletionTokens: 1},
		}},
	})
	require.NoError(t, err)

	usage, err := testDB.TokenUsage(ctx, start, time.Now().Add(time.Minute))
	require.NoError(t, err)
	var found bool
	for _, u := range usage {
		if u.RuleType == model.RuleTypeSensitiveData {
			found = true
			assert.GreaterOrEqual(t, u.PromptTokens, int64(11))
		}
	}
	assert.True(t, found)
}

func TestLLMTargetKeyRotation(t *testing.T) {
	ctx := context.Background()
	oldBox, err := secrets.New([]string{"old-passphrase"})
	require.NoError(t, err)
	sealed, err := oldBox.Encrypt("sk-live-123")
	require.NoError(t, err)

	created, err := testDB.CreateLLMTarget(ctx, storage.StoredLLMTarget{
		Model: "gpt-4o-mini", Endpoint: "https://api.openai.com/v1", APIKeyEncrypted: sealed,
	})
	require.NoError(t, err)

	rotated, err := secrets.New([]string{"new-passphrase", "old-passphrase"})
	require.NoError(t, err)
	n, err := testDB.ReencryptLLMTargets(ctx, rotated.Reencrypt)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	// A second pass finds nothing left under the old key.
	n, err = testDB.ReencryptLLMTargets(ctx, rotated.Reencrypt)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	targets, err := testDB.ListLLMTargets(ctx)
	require.NoError(t, err)
	var got *storage.StoredLLMTarget
	for i := range targets {
		if targets[i].ID == created.ID {
			got = &targets[i]
		}
	}
	require.NotNil(t, got)
	assert.NotEqual(t, sealed, got.APIKeyEncrypted)

	newOnly, err := secrets.New([]string{"new-passphrase"})
	require.NoError(t, err)
	plain, err := newOnly.Decrypt(got.APIKeyEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", plain)
}

func containsRule(rules []model.Rule, id uuid.UUID) bool {
	for _, r := range rules {
		if r.ID == id {
			return true
		}
	}
	return false
}
