package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/mamori/internal/ctxutil"
	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("mamori_validate_prompt",
			mcplib.WithDescription(`Validate a prompt against the guardrail rules of a task before sending it to a model.

WHAT YOU GET BACK:
- inference_id: pass this to mamori_validate_response once the model answers
- result: Pass, Fail, or a degraded value (Unavailable, Partially Unavailable, Model Not Available)
- rule_results: one entry per rule with its verdict and details

If result is Fail, do not send the prompt.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("task_id", mcplib.Description("Task whose rules apply"), mcplib.Required()),
			mcplib.WithString("prompt", mcplib.Description("The prompt text to validate"), mcplib.Required()),
			mcplib.WithString("conversation_id", mcplib.Description("Optional conversation identifier")),
			mcplib.WithString("user_id", mcplib.Description("Optional end-user identifier")),
		),
		s.handleValidatePrompt,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("mamori_validate_response",
			mcplib.WithDescription(`Validate a model response for an inference created by mamori_validate_prompt.

Each inference accepts one response. Supply context (the retrieved documents
the answer should be grounded in) to enable hallucination checks.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("task_id", mcplib.Description("Task whose rules apply"), mcplib.Required()),
			mcplib.WithString("inference_id", mcplib.Description("inference_id returned by mamori_validate_prompt"), mcplib.Required()),
			mcplib.WithString("response", mcplib.Description("The model response to validate"), mcplib.Required()),
			mcplib.WithString("context", mcplib.Description("Optional grounding context for hallucination checks")),
		),
		s.handleValidateResponse,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("mamori_list_rules",
			mcplib.WithDescription("List the rules enabled for a task: default rules plus the task's own enabled rules."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("task_id", mcplib.Description("Task to list rules for"), mcplib.Required()),
		),
		s.handleListRules,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("mamori_trace_summary",
			mcplib.WithDescription("Summarize a stored trace: its time bounds, its spans in start order, and the metric results recorded for each span."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trace_id", mcplib.Description("OTLP trace id (hex)"), mcplib.Required()),
		),
		s.handleTraceSummary,
	)
}

// allowed reports whether the caller holds perm. Calls without a principal
// come from in-process use and are allowed.
func allowed(ctx context.Context, perm model.Permission) bool {
	p := ctxutil.PrincipalFromContext(ctx)
	return p == nil || p.Can(perm)
}

// toolError turns a service error into a tool error, hiding internal detail.
func (s *Server) toolError(tool string, err error) *mcplib.CallToolResult {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return errorResult(verr.Error())
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("not found")
	case errors.Is(err, storage.ErrAlreadyValidated):
		return errorResult("inference response already validated")
	}
	s.logger.Error("mcp: tool failed", "tool", tool, "error", err)
	return errorResult(tool + " failed: internal error")
}

func requiredUUID(request mcplib.CallToolRequest, key string) (uuid.UUID, *mcplib.CallToolResult) {
	v := request.GetString(key, "")
	if v == "" {
		return uuid.Nil, errorResult(key + " is required")
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, errorResult(fmt.Sprintf("invalid %s: %s", key, v))
	}
	return id, nil
}

func optional(request mcplib.CallToolRequest, key string) *string {
	if v := request.GetString(key, ""); v != "" {
		return &v
	}
	return nil
}

func (s *Server) handleValidatePrompt(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !allowed(ctx, model.PermValidate) {
		return errorResult("insufficient permissions"), nil
	}
	taskID, bad := requiredUUID(request, "task_id")
	if bad != nil {
		return bad, nil
	}
	res, err := s.validation.ValidatePrompt(ctx, taskID, model.ValidatePromptRequest{
		Prompt:         request.GetString("prompt", ""),
		ConversationID: optional(request, "conversation_id"),
		UserID:         optional(request, "user_id"),
	})
	if err != nil {
		return s.toolError("mamori_validate_prompt", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleValidateResponse(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !allowed(ctx, model.PermValidate) {
		return errorResult("insufficient permissions"), nil
	}
	taskID, bad := requiredUUID(request, "task_id")
	if bad != nil {
		return bad, nil
	}
	inferenceID, bad := requiredUUID(request, "inference_id")
	if bad != nil {
		return bad, nil
	}
	res, err := s.validation.ValidateResponse(ctx, taskID, inferenceID, model.ValidateResponseRequest{
		Response: request.GetString("response", ""),
		Context:  optional(request, "context"),
	})
	if err != nil {
		return s.toolError("mamori_validate_response", err), nil
	}
	return jsonResult(res)
}

type ruleSummary struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Type            model.RuleType  `json:"type"`
	Scope           model.RuleScope `json:"scope"`
	ApplyToPrompt   bool            `json:"apply_to_prompt"`
	ApplyToResponse bool            `json:"apply_to_response"`
}

func (s *Server) handleListRules(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !allowed(ctx, model.PermReadTasks) {
		return errorResult("insufficient permissions"), nil
	}
	taskID, bad := requiredUUID(request, "task_id")
	if bad != nil {
		return bad, nil
	}
	if _, err := s.db.GetTask(ctx, taskID); err != nil {
		return s.toolError("mamori_list_rules", err), nil
	}
	rules, err := s.db.EnabledRulesForTask(ctx, taskID)
	if err != nil {
		return s.toolError("mamori_list_rules", err), nil
	}
	out := make([]ruleSummary, len(rules))
	for i, r := range rules {
		out[i] = ruleSummary{
			ID: r.ID, Name: r.Name, Type: r.Type, Scope: r.Scope,
			ApplyToPrompt: r.PromptEnabled, ApplyToResponse: r.ResponseEnabled,
		}
	}
	return jsonResult(map[string]any{"task_id": taskID, "rules": out, "total": len(out)})
}

type spanSummary struct {
	ID            uuid.UUID `json:"id"`
	SpanID        string    `json:"span_id"`
	ParentSpanID  *string   `json:"parent_span_id,omitempty"`
	Kind          *string   `json:"span_kind,omitempty"`
	Name          *string   `json:"span_name,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	Status        string    `json:"status_code"`
	MetricResults int       `json:"metric_results"`
	FailedMetrics int       `json:"failed_metrics"`
}

func (s *Server) handleTraceSummary(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !allowed(ctx, model.PermReadTraces) {
		return errorResult("insufficient permissions"), nil
	}
	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}
	t, err := s.db.GetTrace(ctx, traceID)
	if err != nil {
		return s.toolError("mamori_trace_summary", err), nil
	}

	spans := make([]spanSummary, len(t.Spans))
	for i, sp := range t.Spans {
		results, err := s.db.MetricResultsForSpan(ctx, sp.ID)
		if err != nil {
			return s.toolError("mamori_trace_summary", err), nil
		}
		failed := 0
		for _, r := range results {
			if r.Failed() {
				failed++
			}
		}
		spans[i] = spanSummary{
			ID:            sp.ID,
			SpanID:        sp.SpanID,
			ParentSpanID:  sp.ParentSpanID,
			Kind:          sp.SpanKind,
			Name:          sp.SpanName,
			DurationMS:    sp.EndTime.Sub(sp.StartTime).Milliseconds(),
			Status:        sp.StatusCode,
			MetricResults: len(results),
			FailedMetrics: failed,
		}
	}
	return jsonResult(map[string]any{
		"trace_id":    t.TraceID,
		"task_id":     t.TaskID,
		"start_time":  t.StartTime,
		"end_time":    t.EndTime,
		"duration_ms": t.EndTime.Sub(t.StartTime).Milliseconds(),
		"span_count":  t.SpanCount,
		"spans":       spans,
	})
}
