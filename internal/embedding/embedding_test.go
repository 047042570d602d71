package embedding_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mamori/internal/embedding"
	"github.com/ashita-ai/mamori/internal/llm"
)

// lengthEmbedder embeds a text as [len, 1] and counts its calls.
type lengthEmbedder struct {
	calls  int
	inputs [][]string
	err    error
}

func (e *lengthEmbedder) EmbeddingsConfigured() bool { return true }

func (e *lengthEmbedder) Embed(_ context.Context, texts []string) ([][]float32, llm.TokenConsumption, error) {
	e.calls++
	e.inputs = append(e.inputs, texts)
	if e.err != nil {
		return nil, llm.TokenConsumption{}, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, llm.TokenConsumption{Prompt: len(texts)}, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCosine(t *testing.T) {
	a := pgvector.NewVector([]float32{1, 0})
	assert.InDelta(t, 1.0, embedding.Cosine(a, a), 1e-9)
	assert.InDelta(t, 0.0, embedding.Cosine(a, pgvector.NewVector([]float32{0, 3})), 1e-9)
	assert.InDelta(t, -1.0, embedding.Cosine(a, pgvector.NewVector([]float32{-2, 0})), 1e-9)
	assert.Zero(t, embedding.Cosine(a, pgvector.NewVector([]float32{0, 0})))
	assert.Zero(t, embedding.Cosine(a, pgvector.NewVector([]float32{1, 0, 0})))
}

func TestLLMProvider(t *testing.T) {
	e := &lengthEmbedder{}
	p := embedding.NewLLMProvider(e, "text-embedding-3-small")
	vecs, usage, err := p.Embed(t.Context(), []string{"ab", "abcd"})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 1}, vecs[0].Slice())
	assert.Equal(t, []float32{4, 1}, vecs[1].Slice())
	assert.Equal(t, 2, usage.Prompt)

	e.err = errors.New("boom")
	_, _, err = p.Embed(t.Context(), []string{"x"})
	require.ErrorContains(t, err, "boom")
}

func TestNoopProvider(t *testing.T) {
	_, _, err := embedding.NoopProvider{}.Embed(t.Context(), []string{"x"})
	require.ErrorIs(t, err, embedding.ErrNotConfigured)
}

func TestCached_ServesHitsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.db")
	cache, err := embedding.OpenCache(path, 0)
	require.NoError(t, err)

	e := &lengthEmbedder{}
	cached := embedding.NewCached(embedding.NewLLMProvider(e, "m"), cache, discard())

	_, _, err = cached.Embed(t.Context(), []string{"one", "three"})
	require.NoError(t, err)
	vecs, usage, err := cached.Embed(t.Context(), []string{"three", "eleven", "one"})
	require.NoError(t, err)

	assert.Equal(t, 2, e.calls)
	assert.Equal(t, []string{"eleven"}, e.inputs[1], "only the miss is embedded")
	assert.Equal(t, 1, usage.Prompt)
	assert.Equal(t, []float32{5, 1}, vecs[0].Slice())
	assert.Equal(t, []float32{6, 1}, vecs[1].Slice())
	assert.Equal(t, []float32{3, 1}, vecs[2].Slice())
	require.NoError(t, cache.Close())

	// Reopening keeps the vectors.
	cache, err = embedding.OpenCache(path, 0)
	require.NoError(t, err)
	defer func() { _ = cache.Close() }()
	v, ok, err := cache.Get(t.Context(), "m", "eleven")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{6, 1}, v.Slice())

	_, ok, err = cache.Get(t.Context(), "other-model", "eleven")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_EvictsBeyondLimit(t *testing.T) {
	cache, err := embedding.OpenCache(":memory:", 2)
	require.NoError(t, err)
	defer func() { _ = cache.Close() }()

	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, cache.Put(t.Context(), "m", text, pgvector.NewVector([]float32{1})))
	}
	n, err := cache.Len(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := cache.Get(t.Context(), "m", "a")
	require.NoError(t, err)
	assert.False(t, ok, "oldest entry was evicted")
}

func TestCached_ProviderErrorIsReturned(t *testing.T) {
	cache, err := embedding.OpenCache(":memory:", 0)
	require.NoError(t, err)
	defer func() { _ = cache.Close() }()

	cached := embedding.NewCached(embedding.NoopProvider{}, cache, discard())
	_, _, err = cached.Embed(t.Context(), []string{"x"})
	require.ErrorIs(t, err, embedding.ErrNotConfigured)
}
