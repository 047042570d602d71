// Package embedding turns text into vectors for the relevance metrics.
//
// Provider is backed by the LLM executor's embeddings target. Cached wraps a
// provider with an on-disk SQLite cache keyed by content hash and model.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/mamori/internal/llm"
)

// ErrNotConfigured is returned by providers with no embeddings backend.
var ErrNotConfigured = errors.New("embedding: no embeddings target configured")

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([]pgvector.Vector, llm.TokenConsumption, error)

	// Model names the embedding model, for cache keys.
	Model() string
}

// Embedder is the slice of the LLM executor the provider uses.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, llm.TokenConsumption, error)
	EmbeddingsConfigured() bool
}

// LLMProvider embeds through the LLM executor.
type LLMProvider struct {
	embedder Embedder
	model    string
}

// NewLLMProvider creates a provider for the executor's embeddings target.
// model is only used to key cached vectors.
func NewLLMProvider(embedder Embedder, model string) *LLMProvider {
	return &LLMProvider{embedder: embedder, model: model}
}

// Model returns the embedding model name.
func (p *LLMProvider) Model() string { return p.model }

// Embed generates embeddings in a single call.
func (p *LLMProvider) Embed(ctx context.Context, texts []string) ([]pgvector.Vector, llm.TokenConsumption, error) {
	if len(texts) == 0 {
		return nil, llm.TokenConsumption{}, nil
	}
	if p.embedder == nil || !p.embedder.EmbeddingsConfigured() {
		return nil, llm.TokenConsumption{}, ErrNotConfigured
	}
	raw, usage, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, usage, fmt.Errorf("embedding: %w", err)
	}
	if len(raw) != len(texts) {
		return nil, usage, fmt.Errorf("embedding: got %d vectors for %d texts", len(raw), len(texts))
	}
	out := make([]pgvector.Vector, len(raw))
	for i, v := range raw {
		if v == nil {
			return nil, usage, fmt.Errorf("embedding: missing vector %d", i)
		}
		out[i] = pgvector.NewVector(v)
	}
	return out, usage, nil
}

// NoopProvider has no backend. Every call fails with ErrNotConfigured.
type NoopProvider struct{}

// Model returns an empty name.
func (NoopProvider) Model() string { return "" }

// Embed fails unless texts is empty.
func (NoopProvider) Embed(_ context.Context, texts []string) ([]pgvector.Vector, llm.TokenConsumption, error) {
	if len(texts) == 0 {
		return nil, llm.TokenConsumption{}, nil
	}
	return nil, llm.TokenConsumption{}, ErrNotConfigured
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or with zero norm have similarity 0.
func Cosine(a, b pgvector.Vector) float64 {
	x, y := a.Slice(), b.Slice()
	if len(x) != len(y) || len(x) == 0 {
		return 0
	}
	var dot, nx, ny float64
	for i := range x {
		dot += float64(x[i]) * float64(y[i])
		nx += float64(x[i]) * float64(x[i])
		ny += float64(y[i]) * float64(y[i])
	}
	if nx == 0 || ny == 0 {
		return 0
	}
	return dot / (math.Sqrt(nx) * math.Sqrt(ny))
}
