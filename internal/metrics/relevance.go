package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/mamori/internal/embedding"
	"github.com/ashita-ai/mamori/internal/llm"
)

// DefaultRelevanceThreshold separates relevant from irrelevant scores.
const DefaultRelevanceThreshold = 0.5

type relevanceKind string

const (
	queryRelevance    relevanceKind = "query_relevance"
	responseRelevance relevanceKind = "response_relevance"
)

// Relevance scores how relevant a span's retrieved context (query relevance)
// or its response (response relevance) is to the user query. It combines an
// LLM judgment with embedding similarity; either one alone is enough.
type Relevance struct {
	kind       relevanceKind
	llm        Chatter
	embeddings embedding.Provider
}

func (r Relevance) target(req Request) (subject, text string) {
	if r.kind == queryRelevance {
		return "Retrieved context", strings.Join(req.Documents(), "\n\n")
	}
	return "Response", req.Response()
}

// Score implements MetricScorer.
func (r Relevance) Score(ctx context.Context, req Request, config map[string]any) (Result, error) {
	query := req.Query()
	if query == "" {
		return Result{}, fmt.Errorf("metrics: %s: span has no user query", r.kind)
	}
	subject, target := r.target(req)
	if target == "" {
		return Result{}, fmt.Errorf("metrics: %s: span has no %s", r.kind, strings.ToLower(subject))
	}

	var (
		out        Result
		llmScore   *float64
		similarity *float64
		reason     string
	)
	if configBool(config, "use_llm_judge", true) && r.llm != nil {
		prompt, err := render(relevancePrompt, map[string]string{"Subject": subject, "Query": query, "Target": target})
		if err != nil {
			return Result{}, err
		}
		var v scoredVerdict
		usage, err := judge(ctx, r.llm, string(r.kind), prompt, &v)
		out.Tokens = usage
		if err != nil {
			return out, err
		}
		s := clamp01(v.Score)
		llmScore, reason = &s, v.Reason
	}

	vecs, usage, err := r.embeddings.Embed(ctx, []string{query, target})
	out.Tokens.Prompt += usage.Prompt
	switch {
	case err == nil:
		s := embedding.Cosine(vecs[0], vecs[1])
		similarity = &s
	case errors.Is(err, embedding.ErrNotConfigured):
	default:
		return out, fmt.Errorf("metrics: %s: %w", r.kind, err)
	}

	var score float64
	switch {
	case llmScore != nil:
		score = *llmScore
	case similarity != nil:
		score = clamp01(*similarity)
	default:
		return out, fmt.Errorf("metrics: %s: %w", r.kind, llm.ErrNoTargets)
	}

	threshold := configFloat(config, "relevance_threshold", DefaultRelevanceThreshold)
	out.Details = map[string]any{string(r.kind): map[string]any{
		"llm_relevance_score":  llmScore,
		"reason":               reason,
		"embedding_similarity": similarity,
		"relevance_score":      score,
		"threshold":            threshold,
		"relevant":             score >= threshold,
	}}
	return out, nil
}

// RagScore rates each retrieved document's similarity to the user query and
// reports the share of relevant documents.
type RagScore struct {
	embeddings embedding.Provider
}

// Score implements MetricScorer.
func (r RagScore) Score(ctx context.Context, req Request, config map[string]any) (Result, error) {
	query := req.Query()
	if query == "" {
		return Result{}, errors.New("metrics: rag score: span has no user query")
	}
	docs := req.Documents()
	if len(docs) == 0 {
		return Result{}, errors.New("metrics: rag score: span has no retrieved documents")
	}
	vecs, usage, err := r.embeddings.Embed(ctx, append([]string{query}, docs...))
	if err != nil {
		return Result{Tokens: usage}, fmt.Errorf("metrics: rag score: %w", err)
	}

	threshold := configFloat(config, "relevance_threshold", DefaultRelevanceThreshold)
	var (
		relevant int
		sum      float64
		perDoc   = make([]map[string]any, len(docs))
	)
	for i := range docs {
		sim := embedding.Cosine(vecs[0], vecs[i+1])
		sum += sim
		ok := sim >= threshold
		if ok {
			relevant++
		}
		perDoc[i] = map[string]any{"index": i, "similarity": sim, "relevant": ok}
	}
	return Result{
		Tokens: usage,
		Details: map[string]any{"rag_score": map[string]any{
			"documents":         perDoc,
			"context_precision": float64(relevant) / float64(len(docs)),
			"mean_similarity":   sum / float64(len(docs)),
			"threshold":         threshold,
		}},
	}, nil
}
