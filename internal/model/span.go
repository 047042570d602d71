package model

import (
	"time"

	"github.com/google/uuid"
)

// SpanVersionKey is the attribute carrying the canonical span shape version.
const SpanVersionKey = "arthur_span_version"

// SpanVersionV1 is the default span shape version.
const SpanVersionV1 = "arthur_span_v1"

// Span is one OpenTelemetry span. RawData holds the normalized nested
// attribute map. Spans are immutable once ingested.
type Span struct {
	ID           uuid.UUID      `json:"id"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id,omitempty"`
	SpanKind     *string        `json:"span_kind,omitempty"`
	SpanName     *string        `json:"span_name,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	TaskID       *uuid.UUID     `json:"task_id,omitempty"`
	SessionID    *string        `json:"session_id,omitempty"`
	StatusCode   string         `json:"status_code"`
	RawData      map[string]any `json:"raw_data"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	MetricResults []MetricResult `json:"metric_results,omitempty"`
}

// TraceMetadata is derived from the spans of a trace and regenerated on every
// span batch touching the trace.
type TraceMetadata struct {
	TraceID   string     `json:"trace_id"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	SpanCount int        `json:"span_count"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Trace is trace metadata plus its spans.
type Trace struct {
	TraceMetadata
	Spans []Span `json:"spans"`
}

// IngestStatus is the aggregate outcome of a span batch.
type IngestStatus string

const (
	IngestSuccess        IngestStatus = "success"
	IngestPartialSuccess IngestStatus = "partial_success"
	IngestFailure        IngestStatus = "failure"
)

// IngestResponse summarizes a span batch.
type IngestResponse struct {
	TotalSpans       int          `json:"total_spans"`
	AcceptedSpans    int          `json:"accepted_spans"`
	RejectedSpans    int          `json:"rejected_spans"`
	RejectionReasons []string     `json:"rejection_reasons"`
	Status           IngestStatus `json:"status"`
}

// StatusFor derives the batch status from accepted and rejected counts.
func StatusFor(accepted, rejected int) IngestStatus {
	switch {
	case rejected == 0:
		return IngestSuccess
	case accepted == 0:
		return IngestFailure
	default:
		return IngestPartialSuccess
	}
}
