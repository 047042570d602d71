// Package validation validates prompts and responses against the rules bound
// to a task and records the inference.
//
// Both the HTTP API and the MCP server delegate to this service.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/rules"
	"github.com/ashita-ai/mamori/internal/storage"
	"github.com/ashita-ai/mamori/internal/telemetry"
	"github.com/ashita-ai/mamori/internal/tokens"
)

const (
	writeRetries   = 3
	writeBaseDelay = 25 * time.Millisecond
)

// Store persists inferences. *storage.DB implements it.
type Store interface {
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)
	GetInference(ctx context.Context, id uuid.UUID) (model.Inference, error)
	SavePromptValidation(ctx context.Context, inf model.Inference) (model.Inference, error)
	SaveResponseValidation(ctx context.Context, inferenceID uuid.UUID, resp model.InferenceResponse) (model.Inference, error)
}

// RuleSource resolves the rules enabled for a task. *binding.Resolver implements it.
type RuleSource interface {
	Rules(ctx context.Context, taskID uuid.UUID) ([]model.Rule, error)
}

// TokenCounter counts prompt and response tokens. *tokens.Counter implements it.
type TokenCounter interface {
	Count(text string) int
}

// Service runs validations.
type Service struct {
	store    Store
	bindings RuleSource
	engine   *rules.Engine
	counter  TokenCounter
	inst     *telemetry.Instruments
	logger   *slog.Logger
}

// New creates a validation Service. counter may be nil, in which case token
// counts are not recorded. collector may be nil, in which case metrics go to
// the global meter provider only.
func New(store Store, bindings RuleSource, engine *rules.Engine, counter TokenCounter, collector *telemetry.Collector, logger *slog.Logger) *Service {
	inst := telemetry.DefaultInstruments()
	if collector != nil && collector.Instruments != nil {
		inst = collector.Instruments
	}
	return &Service{
		store:    store,
		bindings: bindings,
		engine:   engine,
		counter:  counter,
		inst:     inst,
		logger:   logger,
	}
}

// ValidatePrompt scores a prompt and stores it as a new inference.
func (s *Service) ValidatePrompt(ctx context.Context, taskID uuid.UUID, req model.ValidatePromptRequest) (model.ValidationResult, error) {
	if err := req.Validate(); err != nil {
		return model.ValidationResult{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("mamori.task_id", taskID.String()))

	ruleSet, err := s.taskRules(ctx, taskID)
	if err != nil {
		return model.ValidationResult{}, err
	}
	in := rules.Input{Direction: rules.DirectionPrompt, Prompt: &req.Prompt}
	results, err := s.run(ctx, in, ruleSet)
	if err != nil {
		return model.ValidationResult{}, err
	}

	result := model.AggregateResult(rules.Results(results))
	inf := model.Inference{
		TaskID:         &taskID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		ModelName:      req.ModelName,
		Result:         result,
		Prompt: &model.InferencePrompt{
			Content:     req.Prompt,
			Tokens:      s.count(req.Prompt),
			Result:      result,
			RuleResults: results,
		},
	}

	var saved model.Inference
	err = storage.WithRetry(ctx, s.logger, "save prompt validation", writeRetries, writeBaseDelay, func() error {
		var err error
		saved, err = s.store.SavePromptValidation(ctx, inf)
		return err
	})
	if err != nil {
		return model.ValidationResult{}, fmt.Errorf("validation: save prompt: %w", err)
	}
	s.record(ctx, rules.DirectionPrompt, result)

	return model.ValidationResult{
		InferenceID: saved.ID,
		Result:      result,
		RuleResults: saved.Prompt.RuleResults,
		UserID:      saved.UserID,
	}, nil
}

// ValidateResponse scores the response of an existing inference of the task.
// An inference whose response was already validated fails with
// storage.ErrAlreadyValidated before any rule runs.
func (s *Service) ValidateResponse(ctx context.Context, taskID, inferenceID uuid.UUID, req model.ValidateResponseRequest) (model.ValidationResult, error) {
	if err := req.Validate(); err != nil {
		return model.ValidationResult{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("mamori.task_id", taskID.String()),
		attribute.String("mamori.inference_id", inferenceID.String()),
	)

	inf, err := s.store.GetInference(ctx, inferenceID)
	if err != nil {
		return model.ValidationResult{}, fmt.Errorf("validation: %w", err)
	}
	if inf.TaskID == nil || *inf.TaskID != taskID {
		return model.ValidationResult{}, fmt.Errorf("validation: inference %s on task %s: %w", inferenceID, taskID, storage.ErrNotFound)
	}
	if inf.Response != nil {
		return model.ValidationResult{}, fmt.Errorf("validation: inference %s: %w", inferenceID, storage.ErrAlreadyValidated)
	}

	ruleSet, err := s.taskRules(ctx, taskID)
	if err != nil {
		return model.ValidationResult{}, err
	}
	in := rules.Input{Direction: rules.DirectionResponse, Response: &req.Response, Context: req.Context}
	if inf.Prompt != nil {
		in.Prompt = &inf.Prompt.Content
	}
	results, err := s.run(ctx, in, ruleSet)
	if err != nil {
		return model.ValidationResult{}, err
	}

	result := model.AggregateResult(rules.Results(results))
	resp := model.InferenceResponse{
		Content:     req.Response,
		Context:     req.Context,
		Tokens:      s.count(req.Response),
		Result:      result,
		RuleResults: results,
	}

	var saved model.Inference
	err = storage.WithRetry(ctx, s.logger, "save response validation", writeRetries, writeBaseDelay, func() error {
		var err error
		saved, err = s.store.SaveResponseValidation(ctx, inferenceID, resp)
		return err
	})
	if err != nil {
		return model.ValidationResult{}, fmt.Errorf("validation: save response: %w", err)
	}
	s.record(ctx, rules.DirectionResponse, result)

	var promptTokens *int
	if inf.Prompt != nil {
		promptTokens = inf.Prompt.Tokens
	}
	if total := tokens.AddNullable(promptTokens, resp.Tokens); total != nil {
		s.inst.InferenceTokens.Record(ctx, int64(*total))
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("mamori.inference.tokens", *total))
	}

	out := model.ValidationResult{InferenceID: inferenceID, Result: result, RuleResults: results, UserID: saved.UserID}
	if saved.Response != nil {
		out.RuleResults = saved.Response.RuleResults
	}
	return out, nil
}

// taskRules checks the task is live and resolves its enabled rules.
func (s *Service) taskRules(ctx context.Context, taskID uuid.UUID) ([]model.Rule, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	ruleSet, err := s.bindings.Rules(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	return ruleSet, nil
}

func (s *Service) run(ctx context.Context, in rules.Input, ruleSet []model.Rule) ([]model.RuleResult, error) {
	start := time.Now()
	results, err := s.engine.Run(ctx, in, ruleSet)
	s.inst.ValidationLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("direction", string(in.Direction))))
	return results, err
}

func (s *Service) count(text string) *int {
	if s.counter == nil {
		return nil
	}
	n := s.counter.Count(text)
	return &n
}

func (s *Service) record(ctx context.Context, d rules.Direction, result model.Result) {
	s.inst.Validations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", string(d)),
		attribute.String("result", string(result)),
	))
	s.logger.Debug("validation: recorded", "direction", d, "result", result)
}
