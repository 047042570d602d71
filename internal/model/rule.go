package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

// Rule is a policy check. Rules are shared between tasks and are archived,
// never deleted, while results reference them.
type Rule struct {
	ID              uuid.UUID     `json:"id"`
	Name            string        `json:"name"`
	Type            RuleType      `json:"type"`
	Scope           RuleScope     `json:"scope"`
	PromptEnabled   bool          `json:"apply_to_prompt"`
	ResponseEnabled bool          `json:"apply_to_response"`
	ScoringMethod   ScoringMethod `json:"scoring_method"`
	Data            []RuleData    `json:"rule_data"`
	Archived        bool          `json:"archived"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`

	// Enabled is the binding state when the rule is listed for a task.
	Enabled *bool `json:"enabled,omitempty"`
}

// RuleData is one typed key/value entry of a rule's configuration.
type RuleData struct {
	Type  RuleDataType `json:"data_type"`
	Value string       `json:"data"`
}

// Values returns every configured value of the given type in insertion order.
func (r Rule) Values(t RuleDataType) []string {
	var out []string
	for _, d := range r.Data {
		if d.Type == t {
			out = append(out, d.Value)
		}
	}
	return out
}

// Value returns the first configured value of the given type.
func (r Rule) Value(t RuleDataType) (string, bool) {
	for _, d := range r.Data {
		if d.Type == t {
			return d.Value, true
		}
	}
	return "", false
}

// FloatValue parses the first value of the given type as a float.
func (r Rule) FloatValue(t RuleDataType) (*float64, error) {
	v, ok := r.Value(t)
	if !ok {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %s is not a number: %w", r.ID, t, err)
	}
	return &f, nil
}

// Example is a few-shot example for the sensitive data rule.
// Result true means the example contains sensitive data and should fail.
type Example struct {
	Input  string `json:"example"`
	Result bool   `json:"result"`
}

// ExamplesConfig is the JSON configuration of an LLM few-shot rule.
type ExamplesConfig struct {
	Examples []Example `json:"examples"`
	Hint     *string   `json:"hint,omitempty"`
}

// Examples decodes the few-shot examples stored on the rule.
func (r Rule) Examples() ([]Example, error) {
	raw, ok := r.Value(RuleDataJSON)
	if !ok {
		return nil, nil
	}
	var cfg ExamplesConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("rule %s: decode examples: %w", r.ID, err)
	}
	return cfg.Examples, nil
}

// Hint returns the optional hint sentence.
func (r Rule) Hint() *string {
	v, ok := r.Value(RuleDataHint)
	if !ok || v == "" {
		return nil
	}
	return &v
}

// CreateRuleRequest is the request body for creating a default or task rule.
type CreateRuleRequest struct {
	Name            string          `json:"name"`
	Type            RuleType        `json:"type"`
	ApplyToPrompt   *bool           `json:"apply_to_prompt,omitempty"`
	ApplyToResponse *bool           `json:"apply_to_response,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
}

// RegexConfig configures a regex rule.
type RegexConfig struct {
	RegexPatterns []string `json:"regex_patterns"`
}

// KeywordConfig configures a keyword rule.
type KeywordConfig struct {
	Keywords []string `json:"keywords"`
}

// ToxicityConfig configures a toxicity rule.
type ToxicityConfig struct {
	Threshold *float64 `json:"threshold,omitempty"`
}

// PIIConfig configures a PII rule.
type PIIConfig struct {
	DisabledPIIEntities []string `json:"disabled_pii_entities,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	AllowList           []string `json:"allow_list,omitempty"`
}

// BuildRule validates the request and produces an unsaved rule with the given scope.
func (r CreateRuleRequest) BuildRule(scope RuleScope) (Rule, error) {
	if strings.TrimSpace(r.Name) == "" {
		return Rule{}, &ValidationError{Field: "name", Message: "name is required"}
	}
	if _, err := ParseRuleType(string(r.Type)); err != nil {
		return Rule{}, &ValidationError{Field: "type", Message: err.Error()}
	}

	prompt, response := defaultDirections(r.Type)
	if r.ApplyToPrompt != nil {
		prompt = *r.ApplyToPrompt
	}
	if r.ApplyToResponse != nil {
		response = *r.ApplyToResponse
	}
	if r.Type == RuleTypePromptInjection && response {
		return Rule{}, &ValidationError{Field: "apply_to_response", Message: "prompt injection rules apply to prompts only"}
	}
	if r.Type == RuleTypeHallucination && prompt {
		return Rule{}, &ValidationError{Field: "apply_to_prompt", Message: "hallucination rules apply to responses only"}
	}
	if !prompt && !response {
		return Rule{}, &ValidationError{Field: "apply_to_prompt", Message: "rule must apply to the prompt or the response"}
	}

	data, err := r.ruleData()
	if err != nil {
		return Rule{}, err
	}

	return Rule{
		Name:            strings.TrimSpace(r.Name),
		Type:            r.Type,
		Scope:           scope,
		PromptEnabled:   prompt,
		ResponseEnabled: response,
		ScoringMethod:   ScoringMethodBinary,
		Data:            data,
	}, nil
}

func defaultDirections(t RuleType) (prompt, response bool) {
	switch t {
	case RuleTypePromptInjection:
		return true, false
	case RuleTypeHallucination:
		return false, true
	default:
		return true, true
	}
}

func (r CreateRuleRequest) ruleData() ([]RuleData, error) {
	decode := func(target any) error {
		if len(r.Config) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.Config, target); err != nil {
			return &ValidationError{Field: "config", Message: fmt.Sprintf("invalid config for %s: %v", r.Type, err)}
		}
		return nil
	}

	var data []RuleData
	switch r.Type {
	case RuleTypeRegex:
		var cfg RegexConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if len(cfg.RegexPatterns) == 0 {
			return nil, &ValidationError{Field: "config.regex_patterns", Message: "at least one pattern is required"}
		}
		for _, p := range cfg.RegexPatterns {
			if _, err := regexp.Compile(p); err != nil {
				return nil, &ValidationError{Field: "config.regex_patterns", Message: fmt.Sprintf("invalid pattern %q: %v", p, err)}
			}
			data = append(data, RuleData{Type: RuleDataRegex, Value: p})
		}

	case RuleTypeKeyword:
		var cfg KeywordConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if len(cfg.Keywords) == 0 {
			return nil, &ValidationError{Field: "config.keywords", Message: "at least one keyword is required"}
		}
		for _, k := range cfg.Keywords {
			if strings.TrimSpace(k) == "" {
				return nil, &ValidationError{Field: "config.keywords", Message: "keywords must not be blank"}
			}
			data = append(data, RuleData{Type: RuleDataKeyword, Value: k})
		}

	case RuleTypeToxicity:
		var cfg ToxicityConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if cfg.Threshold != nil {
			if *cfg.Threshold < 0 || *cfg.Threshold > 1 {
				return nil, &ValidationError{Field: "config.threshold", Message: "threshold must be within [0, 1]"}
			}
			data = append(data, RuleData{Type: RuleDataToxicityThreshold, Value: strconv.FormatFloat(*cfg.Threshold, 'f', -1, 64)})
		}

	case RuleTypePII:
		var cfg PIIConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if cfg.ConfidenceThreshold != nil {
			if *cfg.ConfidenceThreshold < 0 || *cfg.ConfidenceThreshold > 1 {
				return nil, &ValidationError{Field: "config.confidence_threshold", Message: "threshold must be within [0, 1]"}
			}
			data = append(data, RuleData{Type: RuleDataPIIConfidenceThreshold, Value: strconv.FormatFloat(*cfg.ConfidenceThreshold, 'f', -1, 64)})
		}
		for _, e := range cfg.DisabledPIIEntities {
			if !IsPIIEntity(e) {
				return nil, &ValidationError{Field: "config.disabled_pii_entities", Message: fmt.Sprintf("unknown PII entity %q", e)}
			}
			data = append(data, RuleData{Type: RuleDataDisabledPIIEntities, Value: e})
		}
		for _, a := range cfg.AllowList {
			data = append(data, RuleData{Type: RuleDataPIIAllowList, Value: a})
		}

	case RuleTypeSensitiveData:
		var cfg ExamplesConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(ExamplesConfig{Examples: cfg.Examples})
		if err != nil {
			return nil, fmt.Errorf("model: encode examples: %w", err)
		}
		data = append(data, RuleData{Type: RuleDataJSON, Value: string(raw)})
		if cfg.Hint != nil && *cfg.Hint != "" {
			data = append(data, RuleData{Type: RuleDataHint, Value: *cfg.Hint})
		}

	case RuleTypePromptInjection, RuleTypeHallucination:
		// No configuration.
	}
	return data, nil
}

// RuleFilter narrows rule search results.
type RuleFilter struct {
	Types           []RuleType
	Scope           *RuleScope
	PromptEnabled   *bool
	ResponseEnabled *bool
	IncludeArchived bool
}
