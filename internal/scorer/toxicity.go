package scorer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashita-ai/mamori/internal/classifier"
	"github.com/ashita-ai/mamori/internal/model"
)

const (
	// DefaultToxicityThreshold applies when a rule sets no threshold.
	DefaultToxicityThreshold = 0.5
	toxicLabel               = "toxic"
)

// Toxicity combines a windowed toxicity classifier with a profanity list.
// Profanity is checked locally, so it still fails a text while the
// classifier is loading.
type Toxicity struct {
	slot      *classifier.Slot
	profanity *Profanity
	logger    *slog.Logger
}

// NewToxicity creates the scorer.
func NewToxicity(slot *classifier.Slot, profanity *Profanity, logger *slog.Logger) *Toxicity {
	return &Toxicity{slot: slot, profanity: profanity, logger: logger}
}

// Score implements Scorer.
func (t *Toxicity) Score(ctx context.Context, req Request) (Score, error) {
	threshold := DefaultToxicityThreshold
	if req.ToxicityThreshold != nil {
		threshold = *req.ToxicityThreshold
	}
	text := req.ScoringText()
	profane := t.profanity != nil && t.profanity.Contains(text)

	score, err := t.classify(ctx, text)
	if err != nil {
		if profane {
			return toxicityResult(model.ResultFail, 0, model.ToxicityViolationProfanity), nil
		}
		if errors.Is(err, classifier.ErrModelNotAvailable) {
			name := "toxicity"
			if t.slot != nil {
				name = t.slot.Name()
			}
			return modelNotAvailable(name), nil
		}
		return unavailable(err), nil
	}

	switch {
	case score > threshold:
		return toxicityResult(model.ResultFail, score, model.ToxicityViolationToxic), nil
	case profane:
		return toxicityResult(model.ResultFail, score, model.ToxicityViolationProfanity), nil
	default:
		return toxicityResult(model.ResultPass, score, model.ToxicityViolationNone), nil
	}
}

// classify returns the highest toxic-label probability over all windows.
func (t *Toxicity) classify(ctx context.Context, text string) (float64, error) {
	if t.slot == nil {
		return 0, classifier.ErrModelNotAvailable
	}
	m, err := t.slot.Get()
	if err != nil {
		return 0, err
	}
	windows, err := classifier.ClassifyText(ctx, m, text, classifier.WindowSize, classifier.WindowStride)
	if err != nil {
		if shouldReset(ctx, err) {
			t.logger.Warn("scorer: toxicity classification failed, resetting model", "error", err)
			t.slot.Reset()
		}
		return 0, err
	}
	var best float64
	for _, labels := range windows {
		best = max(best, classifier.Score(labels, toxicLabel))
	}
	return best, nil
}

// shouldReset reports whether a classify error points at a broken model rather
// than a finished request or an already retired model.
func shouldReset(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, classifier.ErrModelNotAvailable)
}

func toxicityResult(r model.Result, score float64, v model.ToxicityViolation) Score {
	return Score{Result: r, Details: &model.RuleDetails{Toxicity: &model.ToxicityDetail{Score: score, ViolationType: v}}}
}
