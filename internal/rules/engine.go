// Package rules runs the rules bound to a task against a prompt or a response.
//
// Rules are scored concurrently on a bounded pool. A rule whose scorer errors
// or panics is recorded as Unavailable; it never fails the run. Only a
// malformed request (a model.ValidationError) aborts the whole run, before any
// rule is scored.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/scorer"
	"github.com/ashita-ai/mamori/internal/telemetry"
)

// DefaultWorkers bounds concurrent rule evaluations when none is configured.
const DefaultWorkers = 8

// Direction selects which side of an inference is validated.
type Direction string

const (
	DirectionPrompt   Direction = "prompt"
	DirectionResponse Direction = "response"
)

// Input is the text under validation. Prompt is set for both directions when
// known; Response and Context only for response validation.
type Input struct {
	Direction Direction
	Prompt    *string
	Response  *string
	Context   *string
}

// Dispatcher scores one request. scorer.Registry implements it.
type Dispatcher interface {
	Score(ctx context.Context, req scorer.Request) (scorer.Score, error)
}

// Engine evaluates rule sets.
type Engine struct {
	scorers   Dispatcher
	workers   int
	collector *telemetry.Collector
	logger    *slog.Logger
	patterns  patternCache
}

// New creates an engine. workers <= 0 selects DefaultWorkers. collector may be
// nil, in which case nothing is counted.
func New(scorers Dispatcher, workers int, collector *telemetry.Collector, logger *slog.Logger) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{scorers: scorers, workers: workers, collector: collector, logger: logger}
}

// Applicable returns the rules enabled for the direction, in input order.
func Applicable(rules []model.Rule, d Direction) []model.Rule {
	out := make([]model.Rule, 0, len(rules))
	for _, r := range rules {
		if (d == DirectionPrompt && r.PromptEnabled) || (d == DirectionResponse && r.ResponseEnabled) {
			out = append(out, r)
		}
	}
	return out
}

type job struct {
	rule model.Rule
	req  scorer.Request
	err  error
}

// Run scores every rule applicable to the input's direction and returns one
// result per rule, in the order of rules.
func (e *Engine) Run(ctx context.Context, in Input, rules []model.Rule) ([]model.RuleResult, error) {
	selected := Applicable(rules, in.Direction)

	ctx, span := otel.Tracer("mamori/rules").Start(ctx, "rules.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("direction", string(in.Direction)),
		attribute.Int("rule_count", len(selected)),
	)

	jobs := make([]job, len(selected))
	for i, rule := range selected {
		req, err := e.buildRequest(rule, in)
		if err == nil {
			if verr := req.Validate(); verr != nil {
				span.SetStatus(codes.Error, verr.Error())
				return nil, verr
			}
		}
		jobs[i] = job{rule: rule, req: req, err: err}
	}

	results := make([]model.RuleResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range jobs {
		g.Go(func() error {
			results[i] = e.score(ctx, jobs[i])
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// score runs one rule and converts any failure into an Unavailable result.
func (e *Engine) score(ctx context.Context, j job) (res model.RuleResult) {
	ctx, span := otel.Tracer("mamori/rules").Start(ctx, "rules.score")
	defer span.End()
	span.SetAttributes(
		attribute.String("rule_id", j.rule.ID.String()),
		attribute.String("rule_type", string(j.rule.Type)),
	)

	res = model.RuleResult{
		RuleID:   j.rule.ID,
		Name:     j.rule.Name,
		RuleType: j.rule.Type,
		Scope:    j.rule.Scope,
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rules: scorer panicked",
				"rule_id", j.rule.ID, "rule_type", j.rule.Type, "panic", r, "stack", string(debug.Stack()))
			res = e.failed(ctx, res, fmt.Errorf("rule evaluation panicked: %v", r))
		}
		elapsed := time.Since(start)
		res.LatencyMS = elapsed.Milliseconds()
		if e.collector != nil {
			e.collector.RuleLatency.WithLabelValues(string(j.rule.Type)).Observe(elapsed.Seconds())
		}
		span.SetAttributes(attribute.String("result", string(res.Result)))
	}()

	if j.err != nil {
		return e.failed(ctx, res, j.err)
	}
	s, err := e.scorers.Score(ctx, j.req)
	if err != nil {
		span.RecordError(err)
		return e.failed(ctx, res, err)
	}
	res.Result = s.Result
	res.Details = s.Details
	res.PromptTokens = s.PromptTokens
	res.CompletionTokens = s.CompletionTokens
	if e.collector != nil && s.PromptTokens+s.CompletionTokens > 0 {
		e.collector.LLMTokens.WithLabelValues("prompt").Add(float64(s.PromptTokens))
		e.collector.LLMTokens.WithLabelValues("completion").Add(float64(s.CompletionTokens))
	}
	return res
}

func (e *Engine) failed(ctx context.Context, res model.RuleResult, err error) model.RuleResult {
	e.logger.Warn("rules: rule evaluation failed", "rule_id", res.RuleID, "rule_type", res.RuleType, "error", err)
	if e.collector != nil {
		e.collector.RuleFailures.WithLabelValues(string(res.RuleType)).Inc()
		e.collector.Instruments.RuleFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("rule_type", string(res.RuleType))))
	}
	res.Result = model.ResultUnavailable
	res.Details = &model.RuleDetails{Message: err.Error()}
	res.PromptTokens, res.CompletionTokens = 0, 0
	return res
}

// Results extracts the per-rule results for aggregation.
func Results(rr []model.RuleResult) []model.Result {
	out := make([]model.Result, len(rr))
	for i, r := range rr {
		out[i] = r.Result
	}
	return out
}
