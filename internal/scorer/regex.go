package scorer

import (
	"context"

	"github.com/ashita-ai/mamori/internal/model"
)

// Regex fails when any pattern matches the scoring text.
type Regex struct{}

// Score implements Scorer.
func (Regex) Score(_ context.Context, req Request) (Score, error) {
	text := req.ScoringText()
	var matches []model.RegexMatch
	for _, re := range req.RegexPatterns {
		for _, m := range re.FindAllString(text, -1) {
			matches = append(matches, model.RegexMatch{MatchingText: m, Pattern: re.String()})
		}
	}
	if len(matches) == 0 {
		return pass(), nil
	}
	return Score{Result: model.ResultFail, Details: &model.RuleDetails{RegexMatches: matches}}, nil
}
