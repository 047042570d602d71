package validation_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ashita-ai/mamori/internal/binding"
	"github.com/ashita-ai/mamori/internal/claims"
	"github.com/ashita-ai/mamori/internal/llm"
	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/rules"
	"github.com/ashita-ai/mamori/internal/scorer"
	"github.com/ashita-ai/mamori/internal/service/validation"
	"github.com/ashita-ai/mamori/internal/storage"
	"github.com/ashita-ai/mamori/internal/telemetry"
	mtestutil "github.com/ashita-ai/mamori/internal/testutil"
	"github.com/ashita-ai/mamori/internal/tokens"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	tc := mtestutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, mtestutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// claimJudge answers every hallucination prompt the same way.
type claimJudge struct{ answer string }

func (j claimJudge) Chat(context.Context, string, llm.ChatRequest) (string, llm.TokenConsumption, error) {
	return j.answer, llm.TokenConsumption{Prompt: 200, Completion: 30}, nil
}

type fixture struct {
	svc       *validation.Service
	collector *telemetry.Collector
	task      model.Task
}

func newFixture(t *testing.T, chat scorer.Chatter, ruleSet ...model.Rule) fixture {
	t.Helper()
	ctx := t.Context()
	task, err := testDB.CreateTask(ctx, model.Task{Name: "task-" + uuid.NewString()[:8]})
	require.NoError(t, err)
	for _, r := range ruleSet {
		_, err := testDB.CreateRule(ctx, r, &task.ID)
		require.NoError(t, err)
	}

	parser, err := claims.NewParser()
	require.NoError(t, err)
	logger := mtestutil.TestLogger()
	registry := scorer.NewRegistry(scorer.Deps{LLM: chat, Claims: parser, Logger: logger})
	collector := telemetry.NewCollector(nil)
	engine := rules.New(registry, 4, collector, logger)
	resolver := binding.NewResolver(testDB, 0, logger)

	svc := validation.New(testDB, resolver, engine, tokens.NewCounter(logger), collector, logger)
	return fixture{svc: svc, collector: collector, task: task}
}

func taskRule(typ model.RuleType, prompt, response bool, data ...model.RuleData) model.Rule {
	return model.Rule{
		Name: string(typ), Type: typ, Scope: model.RuleScopeTask,
		PromptEnabled: prompt, ResponseEnabled: response, ScoringMethod: model.ScoringMethodBinary, Data: data,
	}
}

func TestValidatePrompt_RegexRule(t *testing.T) {
	f := newFixture(t, nil, taskRule(model.RuleTypeRegex, true, true,
		model.RuleData{Type: model.RuleDataRegex, Value: `\d{3}-\d{2}-\d{4}`}))

	res, err := f.svc.ValidatePrompt(t.Context(), f.task.ID, model.ValidatePromptRequest{Prompt: "my ssn is 123-45-6789"})
	require.NoError(t, err)
	assert.Equal(t, model.ResultFail, res.Result)
	require.Len(t, res.RuleResults, 1)
	assert.NotEqual(t, uuid.Nil, res.RuleResults[0].ID)
	require.NotNil(t, res.RuleResults[0].Details)
	require.Len(t, res.RuleResults[0].Details.RegexMatches, 1)
	assert.Equal(t, "123-45-6789", res.RuleResults[0].Details.RegexMatches[0].MatchingText)

	stored, err := testDB.GetInference(t.Context(), res.InferenceID)
	require.NoError(t, err)
	assert.Equal(t, model.ResultFail, stored.Result)
	require.NotNil(t, stored.Prompt.Tokens)
	assert.Positive(t, *stored.Prompt.Tokens)
	assert.Len(t, stored.Prompt.RuleResults, 1)
}

func TestValidatePrompt_KeywordRule(t *testing.T) {
	f := newFixture(t, nil, taskRule(model.RuleTypeKeyword, true, true,
		model.RuleData{Type: model.RuleDataKeyword, Value: "bad"}))

	res, err := f.svc.ValidatePrompt(t.Context(), f.task.ID, model.ValidatePromptRequest{Prompt: "this is a bad prompt"})
	require.NoError(t, err)
	assert.Equal(t, model.ResultFail, res.Result)
	assert.Equal(t, []model.KeywordMatch{{Keyword: "bad"}}, res.RuleResults[0].Details.KeywordMatches)

	res, err = f.svc.ValidatePrompt(t.Context(), f.task.ID, model.ValidatePromptRequest{Prompt: "this is a prompt"})
	require.NoError(t, err)
	assert.Equal(t, model.ResultPass, res.Result)
	assert.Nil(t, res.RuleResults[0].Details)
}

func TestValidateResponse_Hallucination(t *testing.T) {
	judge := claimJudge{answer: `{"claims":[
		{"index":1,"valid":true,"reason":"supported"},
		{"index":2,"valid":false,"reason":"not in the context"}]}`}
	f := newFixture(t, judge, taskRule(model.RuleTypeHallucination, false, true))
	ctx := t.Context()

	p, err := f.svc.ValidatePrompt(ctx, f.task.ID, model.ValidatePromptRequest{Prompt: "tell me a fact"})
	require.NoError(t, err)
	assert.Empty(t, p.RuleResults, "hallucination rules do not apply to prompts")

	res, err := f.svc.ValidateResponse(ctx, f.task.ID, p.InferenceID, model.ValidateResponseRequest{
		Response: "Paris is the capital of France. The moon is made of cheese.",
		Context:  ptr("Paris is the capital of France."),
	})
	require.NoError(t, err)
	assert.Equal(t, model.ResultFail, res.Result)
	require.Len(t, res.RuleResults, 1)
	rr := res.RuleResults[0]
	assert.Equal(t, 200, rr.PromptTokens)
	assert.Equal(t, 30, rr.CompletionTokens)
	require.Len(t, rr.Details.Claims, 2)
	assert.True(t, rr.Details.Claims[0].Valid)
	assert.False(t, rr.Details.Claims[1].Valid)
	assert.Equal(t, 1, rr.Details.Claims[1].OrderNumber)

	// A second response is rejected and leaves the stored state unchanged.
	_, err = f.svc.ValidateResponse(ctx, f.task.ID, p.InferenceID, model.ValidateResponseRequest{
		Response: "Something else.", Context: ptr("ctx"),
	})
	require.ErrorIs(t, err, storage.ErrAlreadyValidated)
	stored, err := testDB.GetInference(ctx, p.InferenceID)
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France. The moon is made of cheese.", stored.Response.Content)
	assert.Equal(t, model.ResultFail, stored.Result)
}

func TestValidateResponse_MissingContextIsValidationError(t *testing.T) {
	f := newFixture(t, claimJudge{answer: `{"claims":[]}`}, taskRule(model.RuleTypeHallucination, false, true))
	ctx := t.Context()

	p, err := f.svc.ValidatePrompt(ctx, f.task.ID, model.ValidatePromptRequest{Prompt: "hi"})
	require.NoError(t, err)
	_, err = f.svc.ValidateResponse(ctx, f.task.ID, p.InferenceID, model.ValidateResponseRequest{Response: "hello"})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	stored, err := testDB.GetInference(ctx, p.InferenceID)
	require.NoError(t, err)
	assert.Nil(t, stored.Response, "nothing is persisted for an invalid request")
}

func TestValidateResponse_WrongTask(t *testing.T) {
	f := newFixture(t, nil)
	other := newFixture(t, nil)
	p, err := f.svc.ValidatePrompt(t.Context(), f.task.ID, model.ValidatePromptRequest{Prompt: "hi"})
	require.NoError(t, err)

	_, err = f.svc.ValidateResponse(t.Context(), other.task.ID, p.InferenceID, model.ValidateResponseRequest{Response: "x"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestValidatePrompt_UnknownTaskAndEmptyPrompt(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.ValidatePrompt(t.Context(), uuid.New(), model.ValidatePromptRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.ValidatePrompt(t.Context(), f.task.ID, model.ValidatePromptRequest{})
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidatePrompt_ConcurrentValidations(t *testing.T) {
	f := newFixture(t, nil,
		taskRule(model.RuleTypeRegex, true, true, model.RuleData{Type: model.RuleDataRegex, Value: `\d+`}),
		taskRule(model.RuleTypeKeyword, true, true, model.RuleData{Type: model.RuleDataKeyword, Value: "secret"}),
		taskRule(model.RuleTypePII, true, true),
	)

	var wg sync.WaitGroup
	results := make([]model.ValidationResult, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.ValidatePrompt(context.Background(), f.task.ID,
				model.ValidatePromptRequest{Prompt: "the secret is 42, mail ops@example.com"})
		}()
	}
	wg.Wait()

	for i := range 2 {
		require.NoError(t, errs[i])
		assert.Len(t, results[i].RuleResults, 3)
	}
	assert.NotEqual(t, results[0].InferenceID, results[1].InferenceID)
	for _, typ := range []model.RuleType{model.RuleTypeRegex, model.RuleTypeKeyword, model.RuleTypePII} {
		assert.Zero(t, testutil.ToFloat64(f.collector.RuleFailures.WithLabelValues(string(typ))))
	}
}

// wordCounter counts whitespace-separated words.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func TestValidateResponse_RecordsInferenceTokens(t *testing.T) {
	ctx := t.Context()
	task, err := testDB.CreateTask(ctx, model.Task{Name: "task-" + uuid.NewString()[:8]})
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	collector := telemetry.NewCollector(nil)
	collector.Instruments, err = telemetry.NewInstruments(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)
	logger := mtestutil.TestLogger()
	engine := rules.New(scorer.NewRegistry(scorer.Deps{Logger: logger}), 2, collector, logger)

	counted := validation.New(testDB, binding.NewResolver(testDB, 0, logger), engine, wordCounter{}, collector, logger)
	p, err := counted.ValidatePrompt(ctx, task.ID, model.ValidatePromptRequest{Prompt: "one two three"})
	require.NoError(t, err)
	_, err = counted.ValidateResponse(ctx, task.ID, p.InferenceID, model.ValidateResponseRequest{Response: "four five"})
	require.NoError(t, err)

	// Without a counter neither side has a count, so nothing is recorded.
	uncounted := validation.New(testDB, binding.NewResolver(testDB, 0, logger), engine, nil, collector, logger)
	p, err = uncounted.ValidatePrompt(ctx, task.ID, model.ValidatePromptRequest{Prompt: "one two three"})
	require.NoError(t, err)
	_, err = uncounted.ValidateResponse(ctx, task.ID, p.InferenceID, model.ValidateResponseRequest{Response: "four five"})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var hist metricdata.Histogram[int64]
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "mamori.inference.tokens" {
				hist = m.Data.(metricdata.Histogram[int64])
			}
		}
	}
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.Equal(t, int64(5), hist.DataPoints[0].Sum)
}

func ptr[T any](v T) *T { return &v }
