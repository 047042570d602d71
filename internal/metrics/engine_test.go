package metrics_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mamori/internal/metrics"
	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/storage"
	"github.com/ashita-ai/mamori/internal/telemetry"
)

type memStore struct {
	mu      sync.Mutex
	spans   map[uuid.UUID]model.Span
	results []model.MetricResult
	saves   int
}

func (m *memStore) GetSpan(_ context.Context, id uuid.UUID) (model.Span, error) {
	s, ok := m.spans[id]
	if !ok {
		return model.Span{}, storage.ErrNotFound
	}
	return s, nil
}

func (m *memStore) GetTrace(_ context.Context, traceID string) (model.Trace, error) {
	var tr model.Trace
	for _, s := range m.spans {
		if s.TraceID == traceID {
			tr.Spans = append(tr.Spans, s)
		}
	}
	return tr, nil
}

func (m *memStore) ExistingMetricResults(_ context.Context, spanID uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]bool)
	for _, r := range m.results {
		if r.SpanID == spanID {
			out[r.MetricID] = true
		}
	}
	return out, nil
}

func (m *memStore) SaveMetricResults(_ context.Context, results []model.MetricResult) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.results = append(m.results, results...)
	return len(results), nil
}

func (m *memStore) MetricResultsForSpan(_ context.Context, spanID uuid.UUID) ([]model.MetricResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MetricResult
	for _, r := range m.results {
		if r.SpanID == spanID {
			out = append(out, r)
		}
	}
	return out, nil
}

type staticMetrics []model.Metric

func (s staticMetrics) Metrics(context.Context, uuid.UUID) ([]model.Metric, error) { return s, nil }

type panicScorer struct{}

func (panicScorer) Score(context.Context, metrics.Request, map[string]any) (metrics.Result, error) {
	panic("scorer exploded")
}

type errScorer struct{}

func (errScorer) Score(context.Context, metrics.Request, map[string]any) (metrics.Result, error) {
	return metrics.Result{}, errors.New("judge unavailable")
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func engineFixture(t *testing.T, reg metrics.Registry, bound staticMetrics) (*metrics.Engine, *memStore, *telemetry.Collector, model.Span) {
	t.Helper()
	task := uuid.New()
	span := model.Span{ID: uuid.New(), TraceID: "t1", SpanID: "s1", TaskID: &task, RawData: map[string]any{
		"llm": map[string]any{"token_count": map[string]any{"total": 42.0}},
	}}
	store := &memStore{spans: map[uuid.UUID]model.Span{span.ID: span}}
	collector := telemetry.NewCollector(nil)
	return metrics.NewEngine(reg, store, bound, 2, collector, quiet()), store, collector, span
}

func TestEngine_FailuresAreIsolated(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Deps{})
	reg[model.MetricTypeToolSelection] = panicScorer{}
	reg[model.MetricTypePersonaAlignment] = errScorer{}

	sum := model.Metric{ID: uuid.New(), Type: model.MetricTypeNumericSum, Config: map[string]any{"attribute": "llm.token_count.total"}}
	bound := staticMetrics{
		{ID: uuid.New(), Type: model.MetricTypeToolSelection},
		sum,
		{ID: uuid.New(), Type: model.MetricTypePersonaAlignment, Config: map[string]any{"persona": "p"}},
		{ID: uuid.New(), Type: model.MetricTypeNullCount, Config: map[string]any{}},
	}
	engine, store, collector, span := engineFixture(t, reg, bound)

	results, err := engine.Compute(t.Context(), span.ID)
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, r := range results {
		assert.Equal(t, bound[i].ID, r.MetricID, "results keep metric order")
		assert.Equal(t, bound[i].Type, r.MetricType)
		assert.Equal(t, span.ID, r.SpanID)
	}
	for _, i := range []int{0, 2, 3} {
		assert.True(t, results[i].Failed(), "metric %d is the sentinel", i)
		assert.Zero(t, results[i].PromptTokens)
		assert.Zero(t, results[i].CompletionTokens)
		assert.Zero(t, results[i].LatencyMS)
	}

	require.False(t, results[1].Failed())
	var d map[string]any
	require.NoError(t, json.Unmarshal(results[1].Details, &d))
	assert.Equal(t, 42.0, d["sum"])

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.MetricFailures.WithLabelValues(string(model.MetricTypeToolSelection))))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.MetricFailures.WithLabelValues(string(model.MetricTypePersonaAlignment))))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.MetricFailures.WithLabelValues(string(model.MetricTypeNullCount))),
		"invalid config fails only its metric")
	assert.Equal(t, 1, store.saves)
}

func TestEngine_SkipsStoredResults(t *testing.T) {
	sum := model.Metric{ID: uuid.New(), Type: model.MetricTypeNumericSum, Config: map[string]any{"attribute": "llm.token_count.total"}}
	engine, store, _, span := engineFixture(t, metrics.NewRegistry(metrics.Deps{}), staticMetrics{sum})

	first, err := engine.Compute(t.Context(), span.ID)
	require.NoError(t, err)
	second, err := engine.Compute(t.Context(), span.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.saves, "nothing left to compute the second time")
}

func TestEngine_SpanErrors(t *testing.T) {
	engine, store, _, span := engineFixture(t, metrics.NewRegistry(metrics.Deps{}), nil)

	_, err := engine.Compute(t.Context(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)

	span.TaskID = nil
	store.spans[span.ID] = span
	_, err = engine.Compute(t.Context(), span.ID)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
}
