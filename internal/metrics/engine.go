package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/storage"
	"github.com/ashita-ai/mamori/internal/telemetry"
)

// DefaultWorkers bounds concurrent metric evaluations when none is configured.
const DefaultWorkers = 8

const (
	writeRetries   = 3
	writeBaseDelay = 25 * time.Millisecond
)

// Store reads spans and stores metric results. *storage.DB implements it.
type Store interface {
	GetSpan(ctx context.Context, id uuid.UUID) (model.Span, error)
	GetTrace(ctx context.Context, traceID string) (model.Trace, error)
	ExistingMetricResults(ctx context.Context, spanID uuid.UUID) (map[uuid.UUID]bool, error)
	SaveMetricResults(ctx context.Context, results []model.MetricResult) (int, error)
	MetricResultsForSpan(ctx context.Context, spanID uuid.UUID) ([]model.MetricResult, error)
}

// MetricSource resolves the metrics enabled for a task. *binding.Resolver implements it.
type MetricSource interface {
	Metrics(ctx context.Context, taskID uuid.UUID) ([]model.Metric, error)
}

// Dispatcher scores one metric. Registry implements it.
type Dispatcher interface {
	Score(ctx context.Context, typ model.MetricType, req Request, config map[string]any) (Result, error)
}

// Engine computes and stores the metrics of spans.
type Engine struct {
	scorers   Dispatcher
	store     Store
	bindings  MetricSource
	workers   int
	collector *telemetry.Collector
	logger    *slog.Logger
}

// NewEngine creates an engine. workers <= 0 selects DefaultWorkers.
// collector may be nil.
func NewEngine(scorers Dispatcher, store Store, bindings MetricSource, workers int, collector *telemetry.Collector, logger *slog.Logger) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{scorers: scorers, store: store, bindings: bindings, workers: workers, collector: collector, logger: logger}
}

// Compute scores every enabled metric of the span's task that has no stored
// result yet, stores the new results and returns all results of the span.
// A metric that fails is stored as the failure sentinel; it never fails the
// call or its peers.
func (e *Engine) Compute(ctx context.Context, spanID uuid.UUID) ([]model.MetricResult, error) {
	ctx, span := otel.Tracer("mamori/metrics").Start(ctx, "metrics.compute")
	defer span.End()
	span.SetAttributes(attribute.String("span_id", spanID.String()))

	stored, err := e.store.GetSpan(ctx, spanID)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if stored.TaskID == nil {
		return nil, &model.ValidationError{Field: "span_id", Message: "span is not linked to a task"}
	}
	enabled, err := e.bindings.Metrics(ctx, *stored.TaskID)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	existing, err := e.store.ExistingMetricResults(ctx, spanID)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	var pending []model.Metric
	for _, m := range enabled {
		if !existing[m.ID] {
			pending = append(pending, m)
		}
	}
	span.SetAttributes(attribute.Int("metric_count", len(pending)))

	if len(pending) > 0 {
		trace, err := e.store.GetTrace(ctx, stored.TraceID)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		results := e.Run(ctx, NewRequest(stored, trace.Spans), pending)
		err = storage.WithRetry(ctx, e.logger, "save metric results", writeRetries, writeBaseDelay, func() error {
			_, err := e.store.SaveMetricResults(ctx, results)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("metrics: save results: %w", err)
		}
	}

	all, err := e.store.MetricResultsForSpan(ctx, spanID)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return all, nil
}

// Run scores metrics against req and returns one result per metric, in order.
func (e *Engine) Run(ctx context.Context, req Request, metrics []model.Metric) []model.MetricResult {
	results := make([]model.MetricResult, len(metrics))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range metrics {
		g.Go(func() error {
			results[i] = e.score(ctx, req, metrics[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) score(ctx context.Context, req Request, m model.Metric) (res model.MetricResult) {
	ctx, span := otel.Tracer("mamori/metrics").Start(ctx, "metrics.score")
	defer span.End()
	span.SetAttributes(
		attribute.String("metric_id", m.ID.String()),
		attribute.String("metric_type", string(m.Type)),
	)

	res = model.MetricResult{SpanID: req.Span.ID, MetricID: m.ID, MetricType: m.Type}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("metrics: scorer panicked",
				"metric_id", m.ID, "metric_type", m.Type, "panic", r, "stack", string(debug.Stack()))
			res = e.failed(res, fmt.Errorf("metric evaluation panicked: %v", r))
		}
	}()

	start := time.Now()
	out, err := e.scorers.Score(ctx, m.Type, req, m.Config)
	if err != nil {
		span.RecordError(err)
		return e.failed(res, err)
	}
	if out.Details == nil {
		return e.failed(res, errors.New("metric produced no details"))
	}
	details, err := json.Marshal(out.Details)
	if err != nil {
		return e.failed(res, fmt.Errorf("encode details: %w", err))
	}
	res.Details = details
	res.PromptTokens = out.Tokens.Prompt
	res.CompletionTokens = out.Tokens.Completion
	res.LatencyMS = time.Since(start).Milliseconds()
	if e.collector != nil && res.PromptTokens+res.CompletionTokens > 0 {
		e.collector.LLMTokens.WithLabelValues("prompt").Add(float64(res.PromptTokens))
		e.collector.LLMTokens.WithLabelValues("completion").Add(float64(res.CompletionTokens))
	}
	return res
}

// failed turns res into the failure sentinel: no details, no tokens, no latency.
func (e *Engine) failed(res model.MetricResult, err error) model.MetricResult {
	e.logger.Warn("metrics: metric evaluation failed", "metric_id", res.MetricID, "metric_type", res.MetricType, "error", err)
	if e.collector != nil {
		e.collector.MetricFailures.WithLabelValues(string(res.MetricType)).Inc()
	}
	res.Details = nil
	res.PromptTokens, res.CompletionTokens, res.LatencyMS = 0, 0, 0
	return res
}
