package metrics

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"text/template"

	openai "github.com/sashabaranov/go-openai"
	"github.com/segmentio/encoding/json"

	"github.com/ashita-ai/mamori/internal/llm"
)

const judgeMaxTokens = 300

var (
	relevancePrompt = template.Must(template.New("relevance").Parse(
		`Rate how relevant the {{.Subject}} is to the user query, from 0 (unrelated)
to 1 (fully answers or supports the query).

User query:
{{.Query}}

{{.Subject}}:
{{.Target}}

Respond with a JSON object {"score": <number between 0 and 1>, "reason": "<one sentence>"}.`))

	personaPrompt = template.Must(template.New("persona").Parse(
		`Rate how well the assistant response matches the persona below, from 0
(contradicts it) to 1 (fully in character).

Persona:
{{.Persona}}

Response:
{{.Response}}

Respond with a JSON object {"score": <number between 0 and 1>, "reason": "<one sentence>"}.`))

	toolPrompt = template.Must(template.New("tools").Parse(
		`An assistant answered a user query by calling tools. Judge two things:
whether it selected the right tools for the query (tool_selection), and
whether it called them with correct arguments (tool_usage). Use 1 for
correct and 0 for incorrect.

User query:
{{.Query}}

Available tools:
{{if .Tools}}{{range .Tools}}- {{.}}
{{end}}{{else}}(not recorded)
{{end}}
Tool calls made:
{{if .Calls}}{{range .Calls}}- {{.Name}}({{.Arguments}})
{{end}}{{else}}(none)
{{end}}
Respond with a JSON object {"tool_selection": <0|1>, "tool_selection_reason": "<one sentence>",
"tool_usage": <0|1>, "tool_usage_reason": "<one sentence>"}.`))
)

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("metrics: render %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// judge asks the LLM for a JSON verdict and decodes it into out.
func judge(ctx context.Context, chat Chatter, operation, prompt string, out any) (llm.TokenConsumption, error) {
	if chat == nil {
		return llm.TokenConsumption{}, llm.ErrNoTargets
	}
	answer, usage, err := chat.Chat(ctx, operation, llm.ChatRequest{
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
		MaxTokens: judgeMaxTokens,
		JSON:      true,
	})
	if err != nil {
		return usage, err
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(answer)), out); err != nil {
		return usage, fmt.Errorf("metrics: %s: malformed verdict: %w", operation, err)
	}
	return usage, nil
}

type scoredVerdict struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

// PersonaAlignment has the LLM rate how well a response keeps a configured persona.
type PersonaAlignment struct {
	llm Chatter
}

// Score implements MetricScorer.
func (p PersonaAlignment) Score(ctx context.Context, req Request, config map[string]any) (Result, error) {
	response := req.Response()
	if response == "" {
		return Result{}, fmt.Errorf("metrics: persona alignment: span has no response")
	}
	persona := configString(config, "persona")
	prompt, err := render(personaPrompt, map[string]string{"Persona": persona, "Response": response})
	if err != nil {
		return Result{}, err
	}
	var v scoredVerdict
	usage, err := judge(ctx, p.llm, "persona_alignment", prompt, &v)
	if err != nil {
		return Result{Tokens: usage}, err
	}
	score := clamp01(v.Score)
	threshold := configFloat(config, "alignment_threshold", 0.5)
	return Result{
		Tokens: usage,
		Details: map[string]any{"persona_alignment": map[string]any{
			"score":     score,
			"reason":    v.Reason,
			"threshold": threshold,
			"aligned":   score >= threshold,
		}},
	}, nil
}

// ToolSelection has the LLM judge the tools an agent chose and how it called them.
type ToolSelection struct {
	llm Chatter
}

type toolVerdict struct {
	ToolSelection       int    `json:"tool_selection"`
	ToolSelectionReason string `json:"tool_selection_reason"`
	ToolUsage           int    `json:"tool_usage"`
	ToolUsageReason     string `json:"tool_usage_reason"`
}

// Score implements MetricScorer.
func (t ToolSelection) Score(ctx context.Context, req Request, _ map[string]any) (Result, error) {
	calls, tools := req.ToolCalls(), req.Tools()
	if len(calls) == 0 && len(tools) == 0 {
		return Result{}, fmt.Errorf("metrics: tool selection: span has no tool calls or tool definitions")
	}
	prompt, err := render(toolPrompt, map[string]any{"Query": req.Query(), "Tools": tools, "Calls": calls})
	if err != nil {
		return Result{}, err
	}
	var v toolVerdict
	usage, err := judge(ctx, t.llm, "tool_selection", prompt, &v)
	if err != nil {
		return Result{Tokens: usage}, err
	}
	return Result{
		Tokens: usage,
		Details: map[string]any{"tool_selection": map[string]any{
			"tool_selection":        binary(v.ToolSelection),
			"tool_selection_reason": v.ToolSelectionReason,
			"tool_usage":            binary(v.ToolUsage),
			"tool_usage_reason":     v.ToolUsageReason,
			"tool_calls":            calls,
		}},
	}, nil
}

func binary(n int) int {
	if n > 0 {
		return 1
	}
	return 0
}
