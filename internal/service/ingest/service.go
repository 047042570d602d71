// Package ingest accepts OpenTelemetry trace exports and stores their spans.
package ingest

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
	"github.com/ashita-ai/mamori/internal/spans"
	"github.com/ashita-ai/mamori/internal/storage"
	"github.com/ashita-ai/mamori/internal/telemetry"
)

const (
	insertRetries   = 3
	insertBaseDelay = 25 * time.Millisecond
)

// Store persists spans. *storage.DB implements it.
type Store interface {
	ExistingTaskIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
	InsertSpans(ctx context.Context, spans []model.Span) ([]model.Span, []storage.RejectedSpan, error)
}

// Service ingests span batches.
type Service struct {
	store     Store
	collector *telemetry.Collector
	logger    *slog.Logger
}

// New creates an ingest Service. collector may be nil.
func New(store Store, collector *telemetry.Collector, logger *slog.Logger) *Service {
	return &Service{store: store, collector: collector, logger: logger}
}

// Ingest decodes an OTLP export, normalizes its spans and stores them. Spans
// that fail validation, name an unknown task, or duplicate a stored span are
// rejected individually; the rest are accepted. A body that cannot be decoded
// at all fails with a model.ValidationError.
func (s *Service) Ingest(ctx context.Context, body []byte, contentType string) (model.IngestResponse, error) {
	req, err := spans.Decode(body, contentType)
	if err != nil {
		return model.IngestResponse{}, &model.ValidationError{Field: "body", Message: err.Error()}
	}
	converted, rejections := spans.Convert(req)
	total := len(converted) + len(rejections)

	candidates, unknown, err := s.knownTasks(ctx, converted)
	if err != nil {
		return model.IngestResponse{}, err
	}
	rejections = append(rejections, unknown...)

	var (
		accepted   []model.Span
		duplicates []storage.RejectedSpan
	)
	err = storage.WithRetry(ctx, s.logger, "insert spans", insertRetries, insertBaseDelay, func() error {
		var err error
		accepted, duplicates, err = s.store.InsertSpans(ctx, candidates)
		return err
	})
	if err != nil {
		return model.IngestResponse{}, fmt.Errorf("ingest: %w", err)
	}
	for _, d := range duplicates {
		rejections = append(rejections, spans.Rejection{TraceID: d.TraceID, SpanID: d.SpanID, Reason: d.Reason})
	}

	resp := model.IngestResponse{
		TotalSpans:       total,
		AcceptedSpans:    len(accepted),
		RejectedSpans:    len(rejections),
		RejectionReasons: make([]string, 0, len(rejections)),
		Status:           model.StatusFor(len(accepted), len(rejections)),
	}
	for _, r := range rejections {
		resp.RejectionReasons = append(resp.RejectionReasons, fmt.Sprintf("span %s in trace %s: %s", r.SpanID, r.TraceID, r.Reason))
	}

	if s.collector != nil {
		s.collector.SpansIngested.WithLabelValues("accepted").Add(float64(resp.AcceptedSpans))
		s.collector.SpansIngested.WithLabelValues("rejected").Add(float64(resp.RejectedSpans))
		s.collector.Instruments.SpansIngested.Add(ctx, int64(resp.AcceptedSpans),
			metric.WithAttributes(attribute.String("status", "accepted")))
		s.collector.Instruments.SpansIngested.Add(ctx, int64(resp.RejectedSpans),
			metric.WithAttributes(attribute.String("status", "rejected")))
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("mamori.spans.accepted", resp.AcceptedSpans),
		attribute.Int("mamori.spans.rejected", resp.RejectedSpans),
	)
	if resp.RejectedSpans > 0 {
		s.logger.Info("ingest: spans rejected", "total", total, "rejected", resp.RejectedSpans)
	}
	return resp, nil
}

// knownTasks splits spans into those whose task exists (or that carry none)
// and rejections for those naming a missing or archived task.
func (s *Service) knownTasks(ctx context.Context, in []model.Span) ([]model.Span, []spans.Rejection, error) {
	var ids []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, sp := range in {
		if sp.TaskID != nil && !seen[*sp.TaskID] {
			seen[*sp.TaskID] = true
			ids = append(ids, *sp.TaskID)
		}
	}
	existing, err := s.store.ExistingTaskIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: %w", err)
	}

	out := make([]model.Span, 0, len(in))
	var rejected []spans.Rejection
	for _, sp := range in {
		if sp.TaskID != nil && !existing[*sp.TaskID] {
			rejected = append(rejected, spans.Rejection{TraceID: sp.TraceID, SpanID: sp.SpanID, Reason: "unknown task " + sp.TaskID.String()})
			continue
		}
		out = append(out, sp)
	}
	return out, rejected, nil
}
