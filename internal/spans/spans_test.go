package spans_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/spans"
)

func TestNormalize_ExplodesFlatKeys(t *testing.T) {
	flat := map[string]any{
		"llm.model_name":                        "gpt-4o",
		"llm.token_count.prompt":                int64(12),
		"llm.input_messages.0.message.role":     "system",
		"llm.input_messages.0.message.content":  "be brief",
		"llm.input_messages.1.message.role":     "user",
		"llm.invocation_parameters.temperature": 0.2,
		"openinference.span.kind":               "LLM",
		"streaming":                             true,
	}
	got := spans.Normalize(flat)

	assert.Equal(t, map[string]any{
		"llm": map[string]any{
			"model_name":  "gpt-4o",
			"token_count": map[string]any{"prompt": int64(12)},
			"input_messages": []any{
				map[string]any{"message": map[string]any{"role": "system", "content": "be brief"}},
				map[string]any{"message": map[string]any{"role": "user"}},
			},
			"invocation_parameters": map[string]any{"temperature": 0.2},
		},
		"openinference":      map[string]any{"span": map[string]any{"kind": "LLM"}},
		"streaming":          true,
		model.SpanVersionKey: model.SpanVersionV1,
	}, got)
	assert.Len(t, flat, 8, "input is not mutated")
}

func TestNormalize_AlreadyNestedIsKept(t *testing.T) {
	nested := map[string]any{
		"llm":                map[string]any{"model_name": "m"},
		"input.value":        "left as is",
		model.SpanVersionKey: "arthur_span_v2",
	}
	got := spans.Normalize(nested)
	assert.Equal(t, nested, got)
	assert.True(t, spans.IsNormalized(got))
}

func TestNormalize_EdgeCases(t *testing.T) {
	cases := map[string]struct {
		in   map[string]any
		want map[string]any
	}{
		"collision keeps the dotted key flat": {
			in:   map[string]any{"a": 1.0, "a.b": 2.0},
			want: map[string]any{"a": 1.0, "a.b": 2.0},
		},
		"sparse indices stay a map": {
			in:   map[string]any{"x.0": "a", "x.2": "c"},
			want: map[string]any{"x": map[string]any{"0": "a", "2": "c"}},
		},
		"malformed paths stay flat": {
			in:   map[string]any{".a": 1.0, "b..c": 2.0, "d.": 3.0},
			want: map[string]any{".a": 1.0, "b..c": 2.0, "d.": 3.0},
		},
		"numeric top level keys": {
			in:   map[string]any{"0.a": "x"},
			want: map[string]any{"0": map[string]any{"a": "x"}},
		},
		"empty": {
			in:   map[string]any{},
			want: map[string]any{},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tc.want[model.SpanVersionKey] = model.SpanVersionV1
			assert.Equal(t, tc.want, spans.Normalize(tc.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []map[string]any{
		{"llm.input_messages.0.message.role": "user", "tool.name": "search"},
		{"a": 1.0, "a.b": 2.0, "c.0": true, "c.1": false},
		{"input": map[string]any{"value": "q"}, "output.value": "a"},
		{"x.0": "a", "x.2": "c", "y": []any{1.0, 2.0}},
		{model.SpanVersionKey: "", "retrieval.documents.0.document.content": "doc"},
		nil,
	}
	for _, in := range inputs {
		once := spans.Normalize(in)
		assert.Equal(t, once, spans.Normalize(once))
	}
}

func kv(k string, v *commonpb.AnyValue) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: v}
}

func str(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func exportRequest(taskID uuid.UUID, start time.Time, spanList ...*tracepb.Span) *coltracepb.ExportTraceServiceRequest {
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource:   &resourcepb.Resource{Attributes: []*commonpb.KeyValue{kv(spans.TaskIDAttribute, str(taskID.String()))}},
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: spanList}},
		}},
	}
}

func span(traceID []byte, spanID byte, start time.Time, dur time.Duration) *tracepb.Span {
	return &tracepb.Span{
		TraceId:           traceID,
		SpanId:            []byte{0, 0, 0, 0, 0, 0, 0, spanID},
		Name:              "llm call",
		Kind:              tracepb.Span_SPAN_KIND_CLIENT,
		StartTimeUnixNano: uint64(start.UnixNano()),
		EndTimeUnixNano:   uint64(start.Add(dur).UnixNano()),
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
		Attributes: []*commonpb.KeyValue{
			kv("llm.model_name", str("gpt-4o")),
			kv("llm.token_count.total", &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 42}}),
			kv("session.id", str("s-1")),
			kv("tags", &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{
				Values: []*commonpb.AnyValue{str("a"), {Value: &commonpb.AnyValue_BoolValue{BoolValue: true}}},
			}}}),
		},
	}
}

var traceID = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func TestDecodeAndConvert_Protobuf(t *testing.T) {
	task := uuid.New()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	parent := span(traceID, 1, start, time.Second)
	child := span(traceID, 2, start.Add(100*time.Millisecond), 200*time.Millisecond)
	child.ParentSpanId = parent.SpanId
	bad := span([]byte{1, 2}, 3, start, time.Second)

	body, err := proto.Marshal(exportRequest(task, start, parent, child, bad))
	require.NoError(t, err)

	req, err := spans.Decode(body, "application/x-protobuf")
	require.NoError(t, err)
	got, rejected := spans.Convert(req)

	require.Len(t, got, 2)
	require.Len(t, rejected, 1)
	assert.Equal(t, "invalid trace id", rejected[0].Reason)

	s := got[1]
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", s.TraceID)
	assert.Equal(t, "0000000000000002", s.SpanID)
	require.NotNil(t, s.ParentSpanID)
	assert.Equal(t, "0000000000000001", *s.ParentSpanID)
	assert.Equal(t, "CLIENT", *s.SpanKind)
	assert.Equal(t, "Ok", s.StatusCode)
	assert.Equal(t, &task, s.TaskID)
	assert.Equal(t, "s-1", *s.SessionID)
	assert.Equal(t, start.Add(100*time.Millisecond), s.StartTime)
	assert.Equal(t, map[string]any{"model_name": "gpt-4o", "token_count": map[string]any{"total": int64(42)}}, s.RawData["llm"])
	assert.Equal(t, []any{"a", true}, s.RawData["tags"])
	assert.Equal(t, model.SpanVersionV1, s.RawData[model.SpanVersionKey])
}

func TestDecode_JSONHexIDs(t *testing.T) {
	body := []byte(`{"resourceSpans":[{"scopeSpans":[{"spans":[{
		"traceId":"5b8efff798038103d269b633813fc60c",
		"spanId":"eee19b7ec3c1b174",
		"name":"retrieve",
		"kind":1,
		"startTimeUnixNano":"1544712660000000000",
		"endTimeUnixNano":"1544712661000000000",
		"attributes":[{"key":"retrieval.documents.0.document.id","value":{"stringValue":"doc-1"}}]
	}]}]}]}`)
	req, err := spans.Decode(body, "application/json; charset=utf-8")
	require.NoError(t, err)
	got, rejected := spans.Convert(req)
	require.Empty(t, rejected)
	require.Len(t, got, 1)
	assert.Equal(t, "5b8efff798038103d269b633813fc60c", got[0].TraceID)
	assert.Equal(t, "eee19b7ec3c1b174", got[0].SpanID)
	assert.Nil(t, got[0].TaskID)
	assert.Equal(t, "Unset", got[0].StatusCode)
	assert.Equal(t, map[string]any{"documents": []any{map[string]any{"document": map[string]any{"id": "doc-1"}}}},
		got[0].RawData["retrieval"])
}

func TestDecode_Errors(t *testing.T) {
	_, err := spans.Decode([]byte("{"), "application/json")
	require.Error(t, err)
	_, err = spans.Decode([]byte("x"), "text/plain")
	require.Error(t, err)
	_, err = spans.Decode([]byte{0xff, 0xff}, "")
	require.Error(t, err)
}

func TestConvert_RejectsInvalidSpans(t *testing.T) {
	start := time.Now()
	backwards := span(traceID, 1, start, -time.Second)
	badTask := span(traceID, 2, start, time.Second)
	badTask.Attributes = append(badTask.Attributes, kv(spans.TaskIDAttribute, str("not-a-uuid")))
	shortID := span(traceID, 3, start, time.Second)
	shortID.SpanId = []byte{1}

	_, rejected := spans.Convert(exportRequest(uuid.New(), start, backwards, badTask, shortID))
	require.Len(t, rejected, 3)
	assert.Equal(t, "span ends before it starts", rejected[0].Reason)
	assert.Equal(t, "invalid task id", rejected[1].Reason)
	assert.Equal(t, "invalid span id", rejected[2].Reason)
}

func TestConvert_RejectsNonFiniteDoubles(t *testing.T) {
	start := time.Now()
	double := func(f float64) *commonpb.AnyValue {
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: f}}
	}
	ok := span(traceID, 1, start, time.Second)
	ok.Attributes = append(ok.Attributes, kv("llm.temperature", double(0.7)))
	nan := span(traceID, 2, start, time.Second)
	nan.Attributes = append(nan.Attributes, kv("llm.temperature", double(math.NaN())))
	nested := span(traceID, 3, start, time.Second)
	nested.Attributes = append(nested.Attributes, kv("scores", &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{
		Values: []*commonpb.AnyValue{double(1), double(math.Inf(-1))},
	}}}))

	got, rejected := spans.Convert(exportRequest(uuid.New(), start, ok, nan, nested))
	require.Len(t, got, 1)
	assert.Equal(t, "0000000000000001", got[0].SpanID)
	require.Len(t, rejected, 2)
	assert.Equal(t, "non-finite value in attribute llm.temperature", rejected[0].Reason)
	assert.Equal(t, "non-finite value in attribute scores[1]", rejected[1].Reason)
}

// memStore is an in-memory SpanStore ordered by insertion.
type memStore struct {
	spans   []model.Span
	writes  int
	failAt  int
	updated map[uuid.UUID]map[string]any
}

func (m *memStore) SpanBatch(_ context.Context, after uuid.UUID, limit int) ([]model.Span, error) {
	start := 0
	if after != uuid.Nil {
		for i, s := range m.spans {
			if s.ID == after {
				start = i + 1
			}
		}
	}
	end := min(start+limit, len(m.spans))
	return append([]model.Span(nil), m.spans[start:end]...), nil
}

func (m *memStore) UpdateSpanRawData(_ context.Context, changed []model.Span) error {
	m.writes++
	if m.failAt > 0 && m.writes == m.failAt {
		return errors.New("connection lost")
	}
	for _, s := range changed {
		m.updated[s.ID] = s.RawData
	}
	return nil
}

func TestMigrate(t *testing.T) {
	store := &memStore{updated: make(map[uuid.UUID]map[string]any)}
	for i := range 5 {
		raw := map[string]any{"llm.model_name": "m"}
		if i%2 == 1 {
			raw = spans.Normalize(raw)
		}
		store.spans = append(store.spans, model.Span{ID: uuid.New(), RawData: raw})
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stats, err := spans.Migrate(t.Context(), store, 2, logger)
	require.NoError(t, err)
	assert.Equal(t, spans.MigrationStats{Scanned: 5, Updated: 3, Batches: 3}, stats)
	for _, raw := range store.updated {
		assert.Equal(t, map[string]any{"model_name": "m"}, raw["llm"])
	}

	failing := &memStore{spans: store.spans, failAt: 2, updated: make(map[uuid.UUID]map[string]any)}
	stats, err = spans.Migrate(t.Context(), failing, 2, logger)
	require.Error(t, err)
	assert.Equal(t, 4, stats.Scanned)
	assert.Len(t, failing.updated, 1, "the first batch stays written")
}
