package rules

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/scorer"
)

// patternCache holds compiled regex rule patterns keyed by source. Patterns
// are compiled once per process.
type patternCache struct {
	m sync.Map // string -> *regexp.Regexp
}

func (c *patternCache) compile(expr string) (*regexp.Regexp, error) {
	if re, ok := c.m.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	actual, _ := c.m.LoadOrStore(expr, re)
	return actual.(*regexp.Regexp), nil
}

// buildRequest unpacks a rule's data into a scorer request for the input.
func (e *Engine) buildRequest(rule model.Rule, in Input) (scorer.Request, error) {
	req := scorer.Request{
		RuleType:            rule.Type,
		UserPrompt:          in.Prompt,
		Keywords:            rule.Values(model.RuleDataKeyword),
		DisabledPIIEntities: rule.Values(model.RuleDataDisabledPIIEntities),
		AllowList:           rule.Values(model.RuleDataPIIAllowList),
		Hint:                rule.Hint(),
	}
	if in.Direction == DirectionResponse {
		req.LLMResponse = in.Response
		req.Context = in.Context
	}

	for _, p := range rule.Values(model.RuleDataRegex) {
		re, err := e.patterns.compile(p)
		if err != nil {
			return scorer.Request{}, fmt.Errorf("rules: rule %s: compile pattern %q: %w", rule.ID, p, err)
		}
		req.RegexPatterns = append(req.RegexPatterns, re)
	}

	var err error
	if req.ToxicityThreshold, err = rule.FloatValue(model.RuleDataToxicityThreshold); err != nil {
		return scorer.Request{}, fmt.Errorf("rules: %w", err)
	}
	if req.PIIConfidenceThreshold, err = rule.FloatValue(model.RuleDataPIIConfidenceThreshold); err != nil {
		return scorer.Request{}, fmt.Errorf("rules: %w", err)
	}
	if req.Examples, err = rule.Examples(); err != nil {
		return scorer.Request{}, fmt.Errorf("rules: %w", err)
	}
	return req, nil
}
