package scorer

import (
	"context"

	"github.com/ashita-ai/mamori/internal/model"
)

// DefaultPIIThreshold is the minimum confidence reported when neither the rule
// nor the deployment configures one.
const DefaultPIIThreshold = 0.5

// PII fails when the analyzer finds any enabled entity at or above the
// confidence threshold.
type PII struct {
	analyzer  *Analyzer
	threshold float64
}

// NewPII creates a PII scorer. A non-positive threshold selects DefaultPIIThreshold.
func NewPII(analyzer *Analyzer, threshold float64) *PII {
	if threshold <= 0 {
		threshold = DefaultPIIThreshold
	}
	return &PII{analyzer: analyzer, threshold: threshold}
}

// Score implements Scorer.
func (p *PII) Score(_ context.Context, req Request) (Score, error) {
	threshold := p.threshold
	if req.PIIConfidenceThreshold != nil {
		threshold = *req.PIIConfidenceThreshold
	}

	disabled := make(map[string]bool, len(req.DisabledPIIEntities))
	for _, e := range req.DisabledPIIEntities {
		disabled[e] = true
	}
	entities := make([]string, 0, len(model.PIIEntities))
	for _, e := range model.PIIEntities {
		if !disabled[e] {
			entities = append(entities, e)
		}
	}

	found := p.analyzer.Analyze(req.ScoringText(), entities, threshold, req.AllowList)
	if len(found) == 0 {
		return pass(), nil
	}
	spans := make([]model.PIIEntitySpan, 0, len(found))
	for _, e := range found {
		spans = append(spans, model.PIIEntitySpan{Entity: e.Type, Span: e.Text, Confidence: e.Score})
	}
	return Score{Result: model.ResultFail, Details: &model.RuleDetails{PIIEntities: spans}}, nil
}
