// Package metrics computes metrics over stored spans.
//
// A MetricScorer evaluates one metric type against a span and the spans below
// it. The Engine resolves the metrics enabled for the span's task, scores
// them on a bounded pool, isolates failures, and stores the results.
package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/mamori/internal/embedding"
	"github.com/ashita-ai/mamori/internal/llm"
	"github.com/ashita-ai/mamori/internal/model"
)

// Result is the outcome of one metric evaluation. Details is serialized to
// JSON as the stored result.
type Result struct {
	Details any
	Tokens  llm.TokenConsumption
}

// MetricScorer evaluates one metric type. config has passed the type's
// schema before Score is called.
type MetricScorer interface {
	Score(ctx context.Context, req Request, config map[string]any) (Result, error)
}

// Registry maps metric types to their scorers.
type Registry map[model.MetricType]MetricScorer

// Score validates config and dispatches to the scorer for typ.
func (r Registry) Score(ctx context.Context, typ model.MetricType, req Request, config map[string]any) (Result, error) {
	s, ok := r[typ]
	if !ok {
		return Result{}, fmt.Errorf("metrics: no scorer registered for metric type %q", typ)
	}
	if err := ValidateConfig(typ, config); err != nil {
		return Result{}, err
	}
	return s.Score(ctx, req, config)
}

// Chatter is the slice of the LLM executor the judged metrics use.
type Chatter interface {
	Chat(ctx context.Context, operation string, req llm.ChatRequest) (string, llm.TokenConsumption, error)
}

// Deps are the shared collaborators of the default registry.
type Deps struct {
	LLM        Chatter
	Embeddings embedding.Provider
	Logger     *slog.Logger
}

// NewRegistry builds the registry with one scorer per metric type.
func NewRegistry(d Deps) Registry {
	if d.Embeddings == nil {
		d.Embeddings = embedding.NoopProvider{}
	}
	return Registry{
		model.MetricTypeQueryRelevance:    Relevance{kind: queryRelevance, llm: d.LLM, embeddings: d.Embeddings},
		model.MetricTypeResponseRelevance: Relevance{kind: responseRelevance, llm: d.LLM, embeddings: d.Embeddings},
		model.MetricTypeRagScore:          RagScore{embeddings: d.Embeddings},
		model.MetricTypePersonaAlignment:  PersonaAlignment{llm: d.LLM},
		model.MetricTypeToolSelection:     ToolSelection{llm: d.LLM},
		model.MetricTypeNumericSum:        NumericSum{},
		model.MetricTypeQuantileSketch:    QuantileSketch{},
		model.MetricTypeCategoricalCount:  CategoricalCount{},
		model.MetricTypeNullCount:         NullCount{},
		model.MetricTypeMAE:               MeanAbsoluteError{},
		model.MetricTypeCountByClass:      CountByClass{},
	}
}
