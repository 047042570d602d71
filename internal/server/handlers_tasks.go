package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/mamori/internal/metrics"
	"github.com/ashita-ai/mamori/internal/model"
)

// HandleCreateTask handles POST /api/v2/tasks.
func (h *Handlers) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.handleError(w, r, err)
		return
	}
	task, err := h.db.CreateTask(r.Context(), model.Task{Name: req.Name, IsAgentic: req.IsAgentic})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, task)
}

// HandleSearchTasks handles GET /api/v2/tasks.
func (h *Handlers) HandleSearchTasks(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	agentic, err := queryBool(r, "is_agentic")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	ids, err := queryUUIDs(r, "task_ids")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	filter := model.TaskFilter{Name: queryString(r, "task_name"), IsAgentic: agentic, TaskIDs: ids}
	tasks, total, err := h.db.SearchTasks(r.Context(), filter, page)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeList(w, r, tasks, page, total)
}

// HandleGetTask handles GET /api/v2/tasks/{task_id}. The response carries the
// task's rules and, for agentic tasks, its metrics.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	task, err := h.db.GetTask(r.Context(), taskID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if task.Rules, err = h.db.TaskRules(r.Context(), taskID); err != nil {
		h.handleError(w, r, err)
		return
	}
	if task.IsAgentic {
		if task.Metrics, err = h.db.TaskMetrics(r.Context(), taskID); err != nil {
			h.handleError(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, task)
}

// HandleArchiveTask handles DELETE /api/v2/tasks/{task_id}.
func (h *Handlers) HandleArchiveTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.db.ArchiveTask(r.Context(), taskID); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.invalidate(taskID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleCreateTaskRule handles POST /api/v2/tasks/{task_id}/rules.
func (h *Handlers) HandleCreateTaskRule(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req model.CreateRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, err)
		return
	}
	rule, err := req.BuildRule(model.RuleScopeTask)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	created, err := h.db.CreateRule(r.Context(), rule, &taskID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.invalidate(taskID)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleSetTaskRuleEnabled handles PATCH /api/v2/tasks/{task_id}/rules/{rule_id}.
func (h *Handlers) HandleSetTaskRuleEnabled(w http.ResponseWriter, r *http.Request) {
	taskID, ruleID, enabled, ok := h.toggleRequest(w, r, "rule_id")
	if !ok {
		return
	}
	if err := h.db.SetTaskRuleEnabled(r.Context(), taskID, ruleID, enabled); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.invalidate(taskID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleArchiveTaskRule handles DELETE /api/v2/tasks/{task_id}/rules/{rule_id}.
func (h *Handlers) HandleArchiveTaskRule(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	ruleID, err := pathUUID(r, "rule_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.db.ArchiveTaskRule(r.Context(), taskID, ruleID); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.invalidate(taskID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleCreateDefaultRule handles POST /api/v2/default_rules.
func (h *Handlers) HandleCreateDefaultRule(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, err)
		return
	}
	rule, err := req.BuildRule(model.RuleScopeDefault)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	created, err := h.db.CreateRule(r.Context(), rule, nil)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.invalidateAll()
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListDefaultRules handles GET /api/v2/default_rules.
func (h *Handlers) HandleListDefaultRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.db.ListDefaultRules(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if rules == nil {
		rules = []model.Rule{}
	}
	writeJSON(w, r, http.StatusOK, rules)
}

// HandleArchiveDefaultRule handles DELETE /api/v2/default_rules/{rule_id}.
func (h *Handlers) HandleArchiveDefaultRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := pathUUID(r, "rule_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.db.ArchiveDefaultRule(r.Context(), ruleID); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.invalidateAll()
	w.WriteHeader(http.StatusNoContent)
}

// HandleSearchRules handles GET /api/v2/rules.
func (h *Handlers) HandleSearchRules(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var filter model.RuleFilter
	for _, v := range r.URL.Query()["rule_types"] {
		t, err := model.ParseRuleType(v)
		if err != nil {
			h.handleError(w, r, &model.ValidationError{Field: "rule_types", Message: err.Error()})
			return
		}
		filter.Types = append(filter.Types, t)
	}
	if v := r.URL.Query().Get("rule_scopes"); v != "" {
		scope := model.RuleScope(v)
		if scope != model.RuleScopeDefault && scope != model.RuleScopeTask {
			h.handleError(w, r, &model.ValidationError{Field: "rule_scopes", Message: "rule_scopes must be default or task"})
			return
		}
		filter.Scope = &scope
	}
	if filter.PromptEnabled, err = queryBool(r, "prompt_enabled"); err != nil {
		h.handleError(w, r, err)
		return
	}
	if filter.ResponseEnabled, err = queryBool(r, "response_enabled"); err != nil {
		h.handleError(w, r, err)
		return
	}
	rules, total, err := h.db.SearchRules(r.Context(), filter, page)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if rules == nil {
		rules = []model.Rule{}
	}
	writeList(w, r, rules, page, total)
}

// HandleCreateTaskMetric handles POST /api/v2/tasks/{task_id}/metrics.
func (h *Handlers) HandleCreateTaskMetric(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req model.CreateMetricRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := metrics.ValidateConfig(req.Type, req.Config); err != nil {
		h.handleError(w, r, err)
		return
	}
	m, err := h.db.CreateMetric(r.Context(), taskID, model.Metric{
		Type:     req.Type,
		Name:     req.Name,
		Metadata: req.Metadata,
		Config:   req.Config,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.invalidate(taskID)
	writeJSON(w, r, http.StatusCreated, m)
}

// HandleListTaskMetrics handles GET /api/v2/tasks/{task_id}/metrics.
func (h *Handlers) HandleListTaskMetrics(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if _, err := h.db.GetTask(r.Context(), taskID); err != nil {
		h.handleError(w, r, err)
		return
	}
	ms, err := h.db.TaskMetrics(r.Context(), taskID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if ms == nil {
		ms = []model.Metric{}
	}
	writeJSON(w, r, http.StatusOK, ms)
}

// HandleSetTaskMetricEnabled handles PATCH /api/v2/tasks/{task_id}/metrics/{metric_id}.
func (h *Handlers) HandleSetTaskMetricEnabled(w http.ResponseWriter, r *http.Request) {
	taskID, metricID, enabled, ok := h.toggleRequest(w, r, "metric_id")
	if !ok {
		return
	}
	if err := h.db.SetTaskMetricEnabled(r.Context(), taskID, metricID, enabled); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.invalidate(taskID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleArchiveTaskMetric handles DELETE /api/v2/tasks/{task_id}/metrics/{metric_id}.
func (h *Handlers) HandleArchiveTaskMetric(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	metricID, err := pathUUID(r, "metric_id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.db.ArchiveTaskMetric(r.Context(), taskID, metricID); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.invalidate(taskID)
	w.WriteHeader(http.StatusNoContent)
}

// toggleRequest parses the task id, the bound entity id and an {enabled} body.
// It writes the error response itself and reports ok=false on failure.
func (h *Handlers) toggleRequest(w http.ResponseWriter, r *http.Request, idKey string) (taskID, id uuid.UUID, enabled bool, ok bool) {
	t, err := pathUUID(r, "task_id")
	if err != nil {
		h.handleError(w, r, err)
		return taskID, id, false, false
	}
	e, err := pathUUID(r, idKey)
	if err != nil {
		h.handleError(w, r, err)
		return taskID, id, false, false
	}
	var req model.EnableRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, err)
		return taskID, id, false, false
	}
	if req.Enabled == nil {
		h.handleError(w, r, &model.ValidationError{Field: "enabled", Message: "enabled is required"})
		return taskID, id, false, false
	}
	return t, e, *req.Enabled, true
}
