package scorer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"github.com/segmentio/encoding/json"

	"github.com/ashita-ai/mamori/internal/claims"
	"github.com/ashita-ai/mamori/internal/llm"
	"github.com/ashita-ai/mamori/internal/model"
)

// claimBatchSize bounds how many claims are judged per LLM call.
const claimBatchSize = 10

var claimPrompt = template.Must(template.New("claims").Parse(
	`You check claims against a reference context. A claim is valid only if the
context supports it. Judge every numbered claim independently.

Context:
{{.Context}}

Claims:
{{range .Claims}}{{.Index}}. {{.Text}}
{{end}}
Respond with a JSON object of the form
{"claims": [{"index": <claim number>, "valid": <true|false>, "reason": "<one sentence>"}]}
with one entry per claim.`))

type numberedClaim struct {
	Index int
	Text  string
}

type claimVerdicts struct {
	Claims []struct {
		Index  int    `json:"index"`
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	} `json:"claims"`
}

// Hallucination splits a response into claims and has the LLM judge each
// one against the supplied context.
type Hallucination struct {
	llm    Chatter
	parser *claims.Parser
}

// NewHallucination creates the scorer.
func NewHallucination(llm Chatter, parser *claims.Parser) *Hallucination {
	return &Hallucination{llm: llm, parser: parser}
}

// Score implements Scorer.
func (h *Hallucination) Score(ctx context.Context, req Request) (Score, error) {
	if h.parser == nil || h.llm == nil {
		return unavailable(llm.ErrNoTargets), nil
	}
	parsed := h.parser.Parse(*req.LLMResponse)
	if len(parsed) == 0 {
		return Score{Result: model.ResultPass, Details: &model.RuleDetails{Message: "no claims found in the response"}}, nil
	}

	var (
		out               Score
		details           = make([]model.ClaimDetail, 0, len(parsed))
		invalid, unjudged int
	)
	for start := 0; start < len(parsed); start += claimBatchSize {
		batch := parsed[start:min(start+claimBatchSize, len(parsed))]
		verdicts, usage, err := h.judge(ctx, *req.Context, batch)
		out.PromptTokens += usage.Prompt
		out.CompletionTokens += usage.Completion
		if err != nil {
			u := unavailable(err)
			out.Result, out.Details = u.Result, u.Details
			return out, nil
		}
		for i, claim := range batch {
			d := model.ClaimDetail{Claim: claim, OrderNumber: start + i}
			v, ok := verdicts[i+1]
			if !ok {
				// The model skipped this claim; ask about it alone once.
				single, usage, _ := h.judge(ctx, *req.Context, []string{claim})
				out.PromptTokens += usage.Prompt
				out.CompletionTokens += usage.Completion
				if ctx.Err() != nil {
					u := unavailable(ctx.Err())
					out.Result, out.Details = u.Result, u.Details
					return out, nil
				}
				v, ok = single[1]
			}
			switch {
			case !ok:
				d.Reason = "claim was not judged by the model"
				unjudged++
			case !v.valid:
				invalid++
				fallthrough
			default:
				d.Valid, d.Reason = v.valid, v.reason
			}
			details = append(details, d)
		}
	}

	out.Details = &model.RuleDetails{Claims: details}
	switch {
	case invalid > 0:
		out.Result = model.ResultFail
		out.Details.Message = "one or more claims are not supported by the context"
	case unjudged > 0:
		out.Result = model.ResultUnavailable
		out.Details.Message = fmt.Sprintf("%d of %d claims could not be judged", unjudged, len(details))
	default:
		out.Result = model.ResultPass
	}
	return out, nil
}

type verdict struct {
	valid  bool
	reason string
}

var errMalformedVerdict = errors.New("scorer: malformed claim verdicts from the model")

// judge scores one batch; verdicts are keyed by the 1-based claim number
// within the batch.
func (h *Hallucination) judge(ctx context.Context, contextText string, batch []string) (map[int]verdict, llm.TokenConsumption, error) {
	numbered := make([]numberedClaim, len(batch))
	for i, c := range batch {
		numbered[i] = numberedClaim{Index: i + 1, Text: c}
	}
	var buf bytes.Buffer
	if err := claimPrompt.Execute(&buf, struct {
		Context string
		Claims  []numberedClaim
	}{contextText, numbered}); err != nil {
		return nil, llm.TokenConsumption{}, fmt.Errorf("scorer: render claim prompt: %w", err)
	}

	answer, usage, err := h.llm.Chat(ctx, "hallucination", llmChat(buf.String(), 150*len(batch), true))
	if err != nil {
		return nil, usage, err
	}
	var parsed claimVerdicts
	if err := json.Unmarshal([]byte(answer), &parsed); err != nil {
		return nil, usage, fmt.Errorf("%w: %v", errMalformedVerdict, err)
	}
	out := make(map[int]verdict, len(parsed.Claims))
	for _, c := range parsed.Claims {
		out[c.Index] = verdict{valid: c.Valid, reason: c.Reason}
	}
	return out, usage, nil
}
