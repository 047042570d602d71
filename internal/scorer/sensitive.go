package scorer

import (
	"bytes"
	"context"
	"strings"
	"text/template"

	"github.com/ashita-ai/mamori/internal/llm"
	"github.com/ashita-ai/mamori/internal/model"
)

var sensitivePrompt = template.Must(template.New("sensitive").Parse(
	`You decide whether a text contains sensitive data that must not be shared.
{{- if .Hint}}
Sensitive data in this context means: {{.Hint}}
{{- end}}
Answer with a single word: "yes" if the text contains sensitive data, "no" otherwise.
{{range .Examples}}
Text: {{.Input}}
Answer: {{if .Result}}yes{{else}}no{{end}}
{{end}}
Text: {{.Text}}
Answer:`))

type sensitiveInput struct {
	Hint     string
	Examples []model.Example
	Text     string
}

// SensitiveData asks the LLM a few-shot yes/no question about the text.
type SensitiveData struct {
	llm Chatter
}

// NewSensitiveData creates the scorer.
func NewSensitiveData(llm Chatter) *SensitiveData {
	return &SensitiveData{llm: llm}
}

// Score implements Scorer.
func (s *SensitiveData) Score(ctx context.Context, req Request) (Score, error) {
	if s.llm == nil {
		return unavailable(llm.ErrNoTargets), nil
	}
	in := sensitiveInput{Examples: req.Examples, Text: req.ScoringText()}
	if req.Hint != nil {
		in.Hint = *req.Hint
	}
	var buf bytes.Buffer
	if err := sensitivePrompt.Execute(&buf, in); err != nil {
		return unavailable(err), nil
	}

	answer, usage, err := s.llm.Chat(ctx, "sensitive_data", llmChat(buf.String(), 3, false))
	out := Score{PromptTokens: usage.Prompt, CompletionTokens: usage.Completion}
	if err != nil {
		u := unavailable(err)
		out.Result, out.Details = u.Result, u.Details
		return out, nil
	}

	switch firstWord(answer) {
	case "yes":
		out.Result = model.ResultFail
		out.Details = &model.RuleDetails{Message: "sensitive data detected"}
	case "no":
		out.Result = model.ResultPass
		out.Details = &model.RuleDetails{Message: "no sensitive data detected"}
	default:
		out.Result = model.ResultUnavailable
		out.Details = &model.RuleDetails{Message: "unexpected model answer: " + strings.TrimSpace(answer)}
	}
	return out, nil
}

func firstWord(s string) string {
	f := strings.Fields(strings.ToLower(s))
	if len(f) == 0 {
		return ""
	}
	return strings.Trim(f[0], `.,!"'`)
}
