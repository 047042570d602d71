package metrics_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mamori/internal/metrics"
	"github.com/ashita-ai/mamori/internal/model"
)

func spansWith(raw ...map[string]any) metrics.Request {
	var req metrics.Request
	for i, r := range raw {
		s := model.Span{ID: uuid.New(), SpanID: string(rune('a' + i)), RawData: r}
		if i == 0 {
			req.Span = s
		}
		req.Spans = append(req.Spans, s)
	}
	return req
}

func details(t *testing.T, res metrics.Result) map[string]any {
	t.Helper()
	d, ok := res.Details.(map[string]any)
	require.True(t, ok, "details are a map, got %T", res.Details)
	return d
}

func TestNumericSum(t *testing.T) {
	req := spansWith(
		map[string]any{"llm": map[string]any{"token_count": map[string]any{"total": int64(10)}}},
		map[string]any{"llm": map[string]any{"token_count": map[string]any{"total": 20.5}}},
		map[string]any{"llm": map[string]any{"token_count": map[string]any{"total": "30"}}},
		map[string]any{"llm": map[string]any{"token_count": map[string]any{"total": "n/a"}}},
		map[string]any{"tool": map[string]any{"name": "search"}},
	)
	res, err := metrics.NumericSum{}.Score(t.Context(), req, map[string]any{"attribute": "llm.token_count.total"})
	require.NoError(t, err)
	d := details(t, res)
	assert.InDelta(t, 60.5, d["sum"], 1e-9)
	assert.Equal(t, 3, d["count"])
}

func TestQuantileSketch(t *testing.T) {
	raw := make([]map[string]any, 0, 100)
	for i := 100; i >= 1; i-- {
		raw = append(raw, map[string]any{"latency_ms": float64(i)})
	}
	res, err := metrics.QuantileSketch{}.Score(t.Context(), spansWith(raw...),
		map[string]any{"attribute": "latency_ms", "quantiles": []any{0.5, 0.9}})
	require.NoError(t, err)
	d := details(t, res)
	qs := d["quantiles"].(map[string]float64)
	assert.InDelta(t, 50, qs["0.5"], 2)
	assert.InDelta(t, 90, qs["0.9"], 2)
	assert.Equal(t, 100, d["count"])
	assert.Equal(t, 1.0, d["min"])
	assert.Equal(t, 100.0, d["max"])

	_, err = metrics.QuantileSketch{}.Score(t.Context(), spansWith(map[string]any{}), map[string]any{"attribute": "latency_ms"})
	require.Error(t, err)
}

func TestCategoricalCount(t *testing.T) {
	req := spansWith(
		map[string]any{"status": "a"},
		map[string]any{"status": "b"},
		map[string]any{"status": "a"},
		map[string]any{"status": true},
		map[string]any{"status": nil},
		map[string]any{"status": map[string]any{"nested": 1.0}},
	)
	res, err := metrics.CategoricalCount{}.Score(t.Context(), req, map[string]any{"attribute": "status"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 2, "b": 1, "true": 1}, details(t, res)["counts"])
}

func TestNullCount(t *testing.T) {
	req := spansWith(
		map[string]any{"output": map[string]any{"value": "x"}},
		map[string]any{"output": map[string]any{"value": nil}},
		map[string]any{},
	)
	res, err := metrics.NullCount{}.Score(t.Context(), req, map[string]any{"attribute": "output.value"})
	require.NoError(t, err)
	d := details(t, res)
	assert.Equal(t, 2, d["null_count"])
	assert.Equal(t, 3, d["total"])
}

func TestMeanAbsoluteError(t *testing.T) {
	req := spansWith(
		map[string]any{"eval": map[string]any{"prediction": 3.0, "truth": 1.0}},
		map[string]any{"eval": map[string]any{"prediction": 1.0, "truth": 2.0}},
		map[string]any{"eval": map[string]any{"prediction": 5.0}},
	)
	res, err := metrics.MeanAbsoluteError{}.Score(t.Context(), req,
		map[string]any{"prediction": "eval.prediction", "ground_truth": "eval.truth"})
	require.NoError(t, err)
	d := details(t, res)
	assert.InDelta(t, 1.5, d["mae"], 1e-9)
	assert.Equal(t, 2, d["count"])

	_, err = metrics.MeanAbsoluteError{}.Score(t.Context(), spansWith(map[string]any{}),
		map[string]any{"prediction": "p", "ground_truth": "t"})
	require.Error(t, err)
}

func TestCountByClass(t *testing.T) {
	req := spansWith(
		map[string]any{"label": "pos"},
		map[string]any{"label": "pos"},
		map[string]any{"label": "neutral"},
	)
	res, err := metrics.CountByClass{}.Score(t.Context(), req,
		map[string]any{"attribute": "label", "classes": []any{"pos", "neg"}})
	require.NoError(t, err)
	d := details(t, res)
	assert.Equal(t, map[string]int{"pos": 2, "neg": 0}, d["counts"])
	assert.Equal(t, 1, d["other"])
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		typ    model.MetricType
		config map[string]any
		ok     bool
	}{
		{"sum needs an attribute", model.MetricTypeNumericSum, nil, false},
		{"sum", model.MetricTypeNumericSum, map[string]any{"attribute": "a.b"}, true},
		{"unknown field", model.MetricTypeNumericSum, map[string]any{"attribute": "a", "extra": 1}, false},
		{"quantile out of range", model.MetricTypeQuantileSketch, map[string]any{"attribute": "a", "quantiles": []any{1.5}}, false},
		{"quantiles", model.MetricTypeQuantileSketch, map[string]any{"attribute": "a", "quantiles": []float64{0.5}}, true},
		{"persona required", model.MetricTypePersonaAlignment, map[string]any{}, false},
		{"persona", model.MetricTypePersonaAlignment, map[string]any{"persona": "a pirate"}, true},
		{"relevance defaults", model.MetricTypeQueryRelevance, nil, true},
		{"threshold above one", model.MetricTypeRagScore, map[string]any{"relevance_threshold": 2}, false},
		{"classes required", model.MetricTypeCountByClass, map[string]any{"attribute": "a"}, false},
		{"unknown type", model.MetricType("Nope"), nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := metrics.ValidateConfig(tc.typ, tc.config)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var verr *model.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestEveryMetricTypeHasASchemaAndScorer(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Deps{})
	for _, typ := range model.MetricTypes {
		assert.Contains(t, reg, typ)
		err := metrics.ValidateConfig(typ, nil)
		var verr *model.ValidationError
		if err != nil {
			assert.ErrorAs(t, err, &verr, "type %s", typ)
			assert.Equal(t, "config", verr.Field)
		}
	}
}

func TestRegistry_RejectsInvalidConfig(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Deps{})
	_, err := reg.Score(t.Context(), model.MetricTypeNumericSum, spansWith(map[string]any{}), map[string]any{})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
}
