package metrics_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mamori/internal/embedding"
	"github.com/ashita-ai/mamori/internal/llm"
	"github.com/ashita-ai/mamori/internal/metrics"
	"github.com/ashita-ai/mamori/internal/model"
)

type fakeChat struct {
	answer  string
	err     error
	prompts []string
}

func (f *fakeChat) Chat(_ context.Context, _ string, req llm.ChatRequest) (string, llm.TokenConsumption, error) {
	f.prompts = append(f.prompts, req.Messages[0].Content)
	if f.err != nil {
		return "", llm.TokenConsumption{Prompt: 5}, f.err
	}
	return f.answer, llm.TokenConsumption{Prompt: 100, Completion: 20}, nil
}

// topicEmbedder maps texts to fixed vectors by keyword.
type topicEmbedder struct{}

func (topicEmbedder) Model() string { return "topics" }

func (topicEmbedder) Embed(_ context.Context, texts []string) ([]pgvector.Vector, llm.TokenConsumption, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		switch {
		case strings.Contains(t, "weather"), strings.Contains(t, "rain"):
			out[i] = pgvector.NewVector([]float32{1, 0})
		default:
			out[i] = pgvector.NewVector([]float32{0, 1})
		}
	}
	return out, llm.TokenConsumption{Prompt: len(texts)}, nil
}

func ragTrace() metrics.Request {
	parent := "0000000000000001"
	root := model.Span{ID: uuid.New(), SpanID: parent, RawData: map[string]any{
		"llm": map[string]any{
			"input_messages": []any{
				map[string]any{"message": map[string]any{"role": "system", "content": "be helpful"}},
				map[string]any{"message": map[string]any{"role": "user", "content": "what is the weather in Paris?"}},
			},
			"output_messages": []any{
				map[string]any{"message": map[string]any{"role": "assistant", "content": "Light rain this afternoon."}},
			},
		},
	}}
	retriever := model.Span{ID: uuid.New(), SpanID: "0000000000000002", ParentSpanID: &parent, RawData: map[string]any{
		"retrieval": map[string]any{"documents": []any{
			map[string]any{"document": map[string]any{"content": "Paris weather: rain expected"}},
			map[string]any{"document": map[string]any{"content": "Louvre opening hours"}},
		}},
	}}
	unrelated := model.Span{ID: uuid.New(), SpanID: "0000000000000009", RawData: map[string]any{
		"retrieval": map[string]any{"documents": []any{
			map[string]any{"document": map[string]any{"content": "other trace branch"}},
		}},
	}}
	return metrics.NewRequest(root, []model.Span{root, retriever, unrelated})
}

func TestRequestExtraction(t *testing.T) {
	req := ragTrace()
	require.Len(t, req.Spans, 2, "only the span and its descendants")
	assert.Equal(t, "what is the weather in Paris?", req.Query())
	assert.Equal(t, "Light rain this afternoon.", req.Response())
	assert.Equal(t, []string{"Paris weather: rain expected", "Louvre opening hours"}, req.Documents())

	v, ok := metrics.Lookup(req.Spans[1].RawData, "retrieval.documents.1.document.content")
	require.True(t, ok)
	assert.Equal(t, "Louvre opening hours", v)
	_, ok = metrics.Lookup(req.Spans[1].RawData, "retrieval.documents.7")
	assert.False(t, ok)
}

func TestQueryRelevance_LLMAndEmbeddings(t *testing.T) {
	chat := &fakeChat{answer: `{"score": 0.9, "reason": "the context covers the forecast"}`}
	reg := metrics.NewRegistry(metrics.Deps{LLM: chat, Embeddings: topicEmbedder{}})

	res, err := reg.Score(t.Context(), model.MetricTypeQueryRelevance, ragTrace(), nil)
	require.NoError(t, err)
	d := details(t, res)["query_relevance"].(map[string]any)
	assert.InDelta(t, 0.9, *d["llm_relevance_score"].(*float64), 1e-9)
	assert.Equal(t, "the context covers the forecast", d["reason"])
	assert.NotNil(t, d["embedding_similarity"])
	assert.Equal(t, true, d["relevant"])
	assert.Equal(t, 102, res.Tokens.Prompt)
	assert.Equal(t, 20, res.Tokens.Completion)
	require.Len(t, chat.prompts, 1)
	assert.Contains(t, chat.prompts[0], "Louvre opening hours")
}

func TestResponseRelevance_EmbeddingsOnly(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Deps{Embeddings: topicEmbedder{}})
	res, err := reg.Score(t.Context(), model.MetricTypeResponseRelevance, ragTrace(), map[string]any{"relevance_threshold": 0.8})
	require.NoError(t, err)
	d := details(t, res)["response_relevance"].(map[string]any)
	assert.Nil(t, d["llm_relevance_score"])
	assert.InDelta(t, 1.0, d["relevance_score"], 1e-6)
	assert.Equal(t, true, d["relevant"])
}

func TestRelevance_NoBackend(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Deps{})
	_, err := reg.Score(t.Context(), model.MetricTypeQueryRelevance, ragTrace(), nil)
	require.ErrorIs(t, err, llm.ErrNoTargets)
}

func TestRelevance_JudgeErrorsPropagate(t *testing.T) {
	chat := &fakeChat{err: llm.ErrContentFilter}
	reg := metrics.NewRegistry(metrics.Deps{LLM: chat})
	res, err := reg.Score(t.Context(), model.MetricTypeResponseRelevance, ragTrace(), nil)
	require.ErrorIs(t, err, llm.ErrContentFilter)
	assert.Equal(t, 5, res.Tokens.Prompt)

	chat = &fakeChat{answer: "not json"}
	reg = metrics.NewRegistry(metrics.Deps{LLM: chat})
	_, err = reg.Score(t.Context(), model.MetricTypeResponseRelevance, ragTrace(), nil)
	require.ErrorContains(t, err, "malformed verdict")
}

func TestRagScore(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Deps{Embeddings: topicEmbedder{}})
	res, err := reg.Score(t.Context(), model.MetricTypeRagScore, ragTrace(), nil)
	require.NoError(t, err)
	d := details(t, res)["rag_score"].(map[string]any)
	assert.InDelta(t, 0.5, d["context_precision"], 1e-9)
	docs := d["documents"].([]map[string]any)
	require.Len(t, docs, 2)
	assert.Equal(t, true, docs[0]["relevant"])
	assert.Equal(t, false, docs[1]["relevant"])

	_, err = metrics.NewRegistry(metrics.Deps{}).Score(t.Context(), model.MetricTypeRagScore, ragTrace(), nil)
	require.ErrorIs(t, err, embedding.ErrNotConfigured)
}

func TestPersonaAlignment(t *testing.T) {
	chat := &fakeChat{answer: `{"score": 1.4, "reason": "stays in character"}`}
	reg := metrics.NewRegistry(metrics.Deps{LLM: chat})
	res, err := reg.Score(t.Context(), model.MetricTypePersonaAlignment, ragTrace(),
		map[string]any{"persona": "a terse weather bot"})
	require.NoError(t, err)
	d := details(t, res)["persona_alignment"].(map[string]any)
	assert.Equal(t, 1.0, d["score"], "scores are clamped")
	assert.Equal(t, true, d["aligned"])
	assert.Contains(t, chat.prompts[0], "a terse weather bot")
	assert.Contains(t, chat.prompts[0], "Light rain this afternoon.")
}

func TestToolSelection(t *testing.T) {
	span := model.Span{ID: uuid.New(), SpanID: "1", RawData: map[string]any{
		"input": map[string]any{"value": "book a table for two"},
		"llm": map[string]any{
			"tools": []any{
				map[string]any{"tool": map[string]any{"json_schema": `{"name":"book_table"}`}},
			},
			"output_messages": []any{
				map[string]any{"message": map[string]any{"tool_calls": []any{
					map[string]any{"tool_call": map[string]any{"function": map[string]any{
						"name": "book_table", "arguments": `{"people":2}`,
					}}},
				}}},
			},
		},
	}}
	chat := &fakeChat{answer: `{"tool_selection": 1, "tool_selection_reason": "right tool", "tool_usage": 0, "tool_usage_reason": "missing time"}`}
	reg := metrics.NewRegistry(metrics.Deps{LLM: chat})
	res, err := reg.Score(t.Context(), model.MetricTypeToolSelection, metrics.NewRequest(span, []model.Span{span}), nil)
	require.NoError(t, err)
	d := details(t, res)["tool_selection"].(map[string]any)
	assert.Equal(t, 1, d["tool_selection"])
	assert.Equal(t, 0, d["tool_usage"])
	assert.Equal(t, "missing time", d["tool_usage_reason"])
	assert.Contains(t, chat.prompts[0], `book_table({"people":2})`)
	assert.Contains(t, chat.prompts[0], "book a table for two")

	_, err = reg.Score(t.Context(), model.MetricTypeToolSelection, ragTrace(), nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, llm.ErrNoTargets))
}
