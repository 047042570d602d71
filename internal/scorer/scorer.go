// Package scorer implements the rule scorers. Each rule type maps to exactly
// one Scorer in a Registry shared process-wide. Scorers translate their own
// failures into degraded results (Unavailable or Model Not Available); only
// malformed requests are returned as errors.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ashita-ai/mamori/internal/claims"
	"github.com/ashita-ai/mamori/internal/classifier"
	"github.com/ashita-ai/mamori/internal/llm"
	"github.com/ashita-ai/mamori/internal/model"
)

// Request is the input of one rule evaluation.
type Request struct {
	RuleType               model.RuleType
	UserPrompt             *string
	LLMResponse            *string
	Context                *string
	Examples               []model.Example
	Hint                   *string
	Keywords               []string
	RegexPatterns          []*regexp.Regexp
	ToxicityThreshold      *float64
	PIIConfidenceThreshold *float64
	DisabledPIIEntities    []string
	AllowList              []string
}

// ScoringText is the text under evaluation: the response when present,
// otherwise the prompt.
func (r Request) ScoringText() string {
	if r.LLMResponse != nil {
		return *r.LLMResponse
	}
	if r.UserPrompt != nil {
		return *r.UserPrompt
	}
	return ""
}

// Validate checks that the request carries what its rule type needs.
func (r Request) Validate() error {
	if r.UserPrompt == nil && r.LLMResponse == nil {
		return &model.ValidationError{Field: "prompt", Message: "either a prompt or a response is required"}
	}
	switch r.RuleType {
	case model.RuleTypeRegex:
		if len(r.RegexPatterns) == 0 {
			return &model.ValidationError{Field: "regex_patterns", Message: "regex rule has no patterns"}
		}
	case model.RuleTypeKeyword:
		if len(r.Keywords) == 0 {
			return &model.ValidationError{Field: "keywords", Message: "keyword rule has no keywords"}
		}
	case model.RuleTypeHallucination:
		if r.LLMResponse == nil {
			return &model.ValidationError{Field: "response", Message: "hallucination rules apply to responses only"}
		}
		if r.Context == nil || strings.TrimSpace(*r.Context) == "" {
			return &model.ValidationError{Field: "context", Message: "context is required for hallucination rules"}
		}
	}
	return nil
}

// Score is the outcome of one rule evaluation.
type Score struct {
	Result           model.Result
	Details          *model.RuleDetails
	PromptTokens     int
	CompletionTokens int
}

// Scorer evaluates one rule type.
type Scorer interface {
	Score(ctx context.Context, req Request) (Score, error)
}

// Registry maps rule types to their scorers.
type Registry map[model.RuleType]Scorer

// Score validates req and dispatches it to the scorer for its rule type.
func (r Registry) Score(ctx context.Context, req Request) (Score, error) {
	s, ok := r[req.RuleType]
	if !ok {
		return Score{}, fmt.Errorf("scorer: no scorer registered for rule type %q", req.RuleType)
	}
	if err := req.Validate(); err != nil {
		return Score{}, err
	}
	return s.Score(ctx, req)
}

// Chatter is the slice of the LLM executor the model-backed scorers use.
type Chatter interface {
	Chat(ctx context.Context, operation string, req llm.ChatRequest) (string, llm.TokenConsumption, error)
}

// Deps are the shared collaborators of the default registry.
type Deps struct {
	LLM           Chatter
	InjectionSlot *classifier.Slot
	ToxicitySlot  *classifier.Slot
	Claims        *claims.Parser
	PIIThreshold  float64
	Logger        *slog.Logger
}

// NewRegistry builds the registry with one scorer per rule type.
func NewRegistry(d Deps) Registry {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return Registry{
		model.RuleTypeRegex:           Regex{},
		model.RuleTypeKeyword:         NewKeyword(),
		model.RuleTypePII:             NewPII(NewAnalyzer(), d.PIIThreshold),
		model.RuleTypePromptInjection: NewPromptInjection(d.InjectionSlot, d.Logger),
		model.RuleTypeToxicity:        NewToxicity(d.ToxicitySlot, NewProfanity(), d.Logger),
		model.RuleTypeSensitiveData:   NewSensitiveData(d.LLM),
		model.RuleTypeHallucination:   NewHallucination(d.LLM, d.Claims),
	}
}

func pass() Score { return Score{Result: model.ResultPass} }

func unavailable(err error) Score {
	return Score{Result: model.ResultUnavailable, Details: &model.RuleDetails{Message: errorMessage(err)}}
}

func modelNotAvailable(name string) Score {
	return Score{
		Result:  model.ResultModelNotAvailable,
		Details: &model.RuleDetails{Message: fmt.Sprintf("model %s is loading, try again shortly", name)},
	}
}

// errorMessage renders an internal error as a user-facing message. LLM
// taxonomy errors already carry readable text.
func errorMessage(err error) string {
	var ee *llm.ExecutionError
	switch {
	case errors.As(err, &ee):
		return ee.Error()
	case errors.Is(err, llm.ErrTokensPerPeriod), errors.Is(err, llm.ErrMaxRequestTokens),
		errors.Is(err, llm.ErrContentFilter), errors.Is(err, llm.ErrNoTargets):
		return strings.TrimPrefix(err.Error(), "llm: ")
	default:
		return err.Error()
	}
}

// llmChat builds a single-message deterministic chat request.
func llmChat(prompt string, maxTokens int, jsonMode bool) llm.ChatRequest {
	return llm.ChatRequest{
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
		MaxTokens: maxTokens,
		JSON:      jsonMode,
	}
}
