package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/ashita-ai/mamori/internal/model"
)

// HandleIngestTraces handles POST /v1/traces. The status is 200 when every
// span was stored, 206 when some were rejected and 422 when none were.
func (h *Handlers) HandleIngestTraces(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTraceBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.handleError(w, r, &model.ValidationError{Field: "body", Message: "trace export too large"})
			return
		}
		h.handleError(w, r, &model.ValidationError{Field: "body", Message: "unreadable body"})
		return
	}

	ctx, cancel := detach(r.Context())
	defer cancel()
	resp, err := h.ingest.Ingest(ctx, body, r.Header.Get("Content-Type"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusOK
	switch resp.Status {
	case model.IngestPartialSuccess:
		status = http.StatusPartialContent
	case model.IngestFailure:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, r, status, resp)
}

// HandleGetTrace handles GET /api/v1/traces/{trace_id}.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	if traceID == "" {
		h.handleError(w, r, &model.ValidationError{Field: "trace_id", Message: "trace_id is required"})
		return
	}
	t, err := h.db.GetTrace(r.Context(), traceID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

// HandleComputeSpanMetrics handles POST /api/v1/spans/{span_id}/metrics. It
// scores the span with every enabled metric of its task that has no result
// yet and returns all stored results.
func (h *Handlers) HandleComputeSpanMetrics(w http.ResponseWriter, r *http.Request) {
	spanID, err := pathUUID(r, "span_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if h.metricEngine == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "metric engine not configured")
		return
	}
	results, err := h.metricEngine.Compute(r.Context(), spanID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if results == nil {
		results = []model.MetricResult{}
	}
	writeJSON(w, r, http.StatusOK, results)
}

// HandleListSpanMetrics handles GET /api/v1/spans/{span_id}/metrics.
func (h *Handlers) HandleListSpanMetrics(w http.ResponseWriter, r *http.Request) {
	spanID, err := pathUUID(r, "span_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if _, err := h.db.GetSpan(r.Context(), spanID); err != nil {
		h.handleError(w, r, err)
		return
	}
	results, err := h.db.MetricResultsForSpan(r.Context(), spanID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if results == nil {
		results = []model.MetricResult{}
	}
	writeJSON(w, r, http.StatusOK, results)
}
