package scorer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashita-ai/mamori/internal/classifier"
	"github.com/ashita-ai/mamori/internal/model"
)

const injectionLabel = "INJECTION"

// PromptInjection classifies the text in overlapping token windows and fails
// when any window's top label is INJECTION.
type PromptInjection struct {
	slot   *classifier.Slot
	logger *slog.Logger
}

// NewPromptInjection creates the scorer over a lazily loaded classifier slot.
func NewPromptInjection(slot *classifier.Slot, logger *slog.Logger) *PromptInjection {
	return &PromptInjection{slot: slot, logger: logger}
}

// Score implements Scorer.
func (p *PromptInjection) Score(ctx context.Context, req Request) (Score, error) {
	if p.slot == nil {
		return modelNotAvailable("prompt-injection"), nil
	}
	m, err := p.slot.Get()
	if err != nil {
		return modelNotAvailable(p.slot.Name()), nil
	}

	windows, err := classifier.ClassifyText(ctx, m, req.ScoringText(), classifier.WindowSize, classifier.WindowStride)
	if err != nil {
		if errors.Is(err, classifier.ErrModelNotAvailable) {
			return modelNotAvailable(p.slot.Name()), nil
		}
		if !shouldReset(ctx, err) {
			return unavailable(err), nil
		}
		p.logger.Warn("scorer: prompt injection classification failed, resetting model", "error", err)
		p.slot.Reset()
		return unavailable(err), nil
	}
	for _, labels := range windows {
		if classifier.Top(labels).Name == injectionLabel {
			return Score{Result: model.ResultFail, Details: &model.RuleDetails{Message: "prompt injection detected"}}, nil
		}
	}
	return Score{Result: model.ResultPass, Details: &model.RuleDetails{Message: "no prompt injection detected"}}, nil
}
