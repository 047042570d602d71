package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/mamori/internal/model"
)

// defaultUsageWindow is the usage report window when no start time is given.
const defaultUsageWindow = 30 * 24 * time.Hour

// HandleValidatePrompt handles POST /api/v2/tasks/{task_id}/validate_prompt.
func (h *Handlers) HandleValidatePrompt(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req model.ValidatePromptRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.validation.ValidatePrompt(r.Context(), taskID, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleValidateResponse handles
// POST /api/v2/tasks/{task_id}/validate_response/{inference_id}.
func (h *Handlers) HandleValidateResponse(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	inferenceID, err := pathUUID(r, "inference_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req model.ValidateResponseRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.validation.ValidateResponse(r.Context(), taskID, inferenceID, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleQueryInferences handles GET /api/v2/inferences.
func (h *Handlers) HandleQueryInferences(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var filter model.InferenceFilter
	if filter.TaskIDs, err = queryUUIDs(r, "task_ids"); err != nil {
		h.handleError(w, r, err)
		return
	}
	filter.ConversationID = queryString(r, "conversation_id")
	filter.UserID = queryString(r, "user_id")
	if v := r.URL.Query().Get("rule_result"); v != "" {
		res := model.Result(v)
		if !res.Valid() {
			h.handleError(w, r, &model.ValidationError{Field: "rule_result", Message: "unknown result " + v})
			return
		}
		filter.Result = &res
	}
	for _, v := range r.URL.Query()["rule_types"] {
		t, err := model.ParseRuleType(v)
		if err != nil {
			h.handleError(w, r, &model.ValidationError{Field: "rule_types", Message: err.Error()})
			return
		}
		filter.RuleTypes = append(filter.RuleTypes, t)
	}
	if filter.StartTime, err = queryTime(r, "start_time"); err != nil {
		h.handleError(w, r, err)
		return
	}
	if filter.EndTime, err = queryTime(r, "end_time"); err != nil {
		h.handleError(w, r, err)
		return
	}

	infs, total, err := h.db.QueryInferences(r.Context(), filter, page)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if infs == nil {
		infs = []model.Inference{}
	}
	writeList(w, r, infs, page, total)
}

// HandleCreateFeedback handles POST /api/v2/feedback.
func (h *Handlers) HandleCreateFeedback(w http.ResponseWriter, r *http.Request) {
	var req model.FeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.handleError(w, r, err)
		return
	}
	fb, err := h.db.CreateFeedback(r.Context(), model.Feedback{
		InferenceID: req.InferenceID,
		Target:      req.Target,
		Score:       req.Score,
		Reason:      req.Reason,
		UserID:      req.UserID,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, fb)
}

// HandleTokenUsage handles GET /api/v2/usage/tokens.
func (h *Handlers) HandleTokenUsage(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "start_time")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	end, err := queryTime(r, "end_time")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	to := time.Now().UTC()
	if end != nil {
		to = *end
	}
	from := to.Add(-defaultUsageWindow)
	if start != nil {
		from = *start
	}
	if !from.Before(to) {
		h.handleError(w, r, &model.ValidationError{Field: "start_time", Message: "start_time must be before end_time"})
		return
	}
	usage, err := h.db.TokenUsage(r.Context(), from, to)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if usage == nil {
		usage = []model.TokenUsage{}
	}
	writeJSON(w, r, http.StatusOK, usage)
}
