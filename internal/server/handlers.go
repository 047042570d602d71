package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mamori/internal/binding"
	"github.com/ashita-ai/mamori/internal/metrics"
	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/service/ingest"
	"github.com/ashita-ai/mamori/internal/service/validation"
	"github.com/ashita-ai/mamori/internal/storage"
	"github.com/ashita-ai/mamori/internal/tokens"
)

// DefaultMaxRequestBodyBytes bounds JSON request bodies when unset.
const DefaultMaxRequestBodyBytes = 1 << 20

// maxTraceBodyBytes bounds OTLP export requests.
const maxTraceBodyBytes = 32 << 20

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	validation          *validation.Service
	ingest              *ingest.Service
	metricEngine        *metrics.Engine
	bindings            *binding.Resolver
	costs               *tokens.Table
	logger              *slog.Logger
	version             string
	maxAPIKeys          int
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): MetricEngine, Costs, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	Validation          *validation.Service
	Ingest              *ingest.Service
	MetricEngine        *metrics.Engine
	Bindings            *binding.Resolver
	Costs               *tokens.Table
	Logger              *slog.Logger
	Version             string
	MaxAPIKeys          int
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	return &Handlers{
		db:                  d.DB,
		validation:          d.Validation,
		ingest:              d.Ingest,
		metricEngine:        d.MetricEngine,
		bindings:            d.Bindings,
		costs:               d.Costs,
		logger:              d.Logger,
		version:             d.Version,
		maxAPIKeys:          d.MaxAPIKeys,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	msg := "ok"
	if err := h.db.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		msg = "database unavailable"
	}
	writeJSON(w, r, status, model.HealthResponse{Message: msg, BuildVersion: h.version})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleModelCosts handles GET /api/v2/model_costs.
func (h *Handlers) HandleModelCosts(w http.ResponseWriter, r *http.Request) {
	if h.costs == nil {
		writeJSON(w, r, http.StatusOK, map[string]tokens.ModelCost{})
		return
	}
	writeJSON(w, r, http.StatusOK, h.costs.Models())
}

// invalidate drops a task's cached bindings after a local mutation. Other
// instances learn of it through the notification storage sends.
func (h *Handlers) invalidate(taskID uuid.UUID) {
	if h.bindings != nil {
		h.bindings.Invalidate(taskID)
	}
}

func (h *Handlers) invalidateAll() {
	if h.bindings != nil {
		h.bindings.InvalidateAll()
	}
}

// --- Shared helpers ---

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	v := r.PathValue(key)
	if v == "" {
		return uuid.Nil, &model.ValidationError{Field: key, Message: key + " is required"}
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, &model.ValidationError{Field: key, Message: fmt.Sprintf("invalid %s: %s", key, v)}
	}
	return id, nil
}

// parsePage reads page, page_size and sort. Pages are zero-based.
func parsePage(r *http.Request) (model.Page, error) {
	p := model.Page{PageSize: model.DefaultPageSize, Sort: model.SortDesc}
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, &model.ValidationError{Field: "page", Message: "page must be a non-negative integer"}
		}
		p.Page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > model.MaxPageSize {
			return p, &model.ValidationError{Field: "page_size", Message: fmt.Sprintf("page_size must be between 1 and %d", model.MaxPageSize)}
		}
		p.PageSize = n
	}
	switch s := model.SortOrder(strings.ToLower(q.Get("sort"))); s {
	case "":
	case model.SortAsc, model.SortDesc:
		p.Sort = s
	default:
		return p, &model.ValidationError{Field: "sort", Message: "sort must be asc or desc"}
	}
	return p, nil
}

func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, &model.ValidationError{Field: key, Message: key + " must be true or false"}
	}
	return &b, nil
}

func queryString(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, &model.ValidationError{Field: key, Message: fmt.Sprintf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)}
	}
	return &t, nil
}

// queryUUIDs reads a repeated or comma-separated list of ids.
func queryUUIDs(r *http.Request, key string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, raw := range r.URL.Query()[key] {
		for _, v := range strings.Split(raw, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			id, err := uuid.Parse(v)
			if err != nil {
				return nil, &model.ValidationError{Field: key, Message: "invalid id: " + v}
			}
			out = append(out, id)
		}
	}
	return out, nil
}

// detach returns a context that survives client disconnects for writes that
// must complete once started.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}
