package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/cors"

	"github.com/ashita-ai/mamori/internal/binding"
	"github.com/ashita-ai/mamori/internal/metrics"
	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/ratelimit"
	"github.com/ashita-ai/mamori/internal/service/ingest"
	"github.com/ashita-ai/mamori/internal/service/validation"
	"github.com/ashita-ai/mamori/internal/storage"
	"github.com/ashita-ai/mamori/internal/telemetry"
	"github.com/ashita-ai/mamori/internal/tokens"
)

// Server is the mamori HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): MetricEngine, Bindings, Costs, Collector,
// Limiter, MCPServer, OpenAPISpec, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	DB            *storage.DB
	Authenticator Authenticator
	Validation    *validation.Service
	Ingest        *ingest.Service
	Logger        *slog.Logger

	// Optional dependencies (nil = disabled).
	MetricEngine *metrics.Engine
	Bindings     *binding.Resolver
	Costs        *tokens.Table
	Collector    *telemetry.Collector
	Limiter      ratelimit.Limiter
	MCPServer    *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MaxAPIKeys          int
	CORSAllowedOrigins  []string

	// Embedded OpenAPI YAML.
	OpenAPISpec []byte

	// Middlewares wrap the whole handler. The first one is outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Validation:          cfg.Validation,
		Ingest:              cfg.Ingest,
		MetricEngine:        cfg.MetricEngine,
		Bindings:            cfg.Bindings,
		Costs:               cfg.Costs,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxAPIKeys:          cfg.MaxAPIKeys,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	// Tasks, rules and metrics.
	readTasks := requirePerm(model.PermReadTasks)
	writeTasks := requirePerm(model.PermWriteTasks)
	mux.Handle("POST /api/v2/tasks", writeTasks(http.HandlerFunc(h.HandleCreateTask)))
	mux.Handle("GET /api/v2/tasks", readTasks(http.HandlerFunc(h.HandleSearchTasks)))
	mux.Handle("GET /api/v2/tasks/{task_id}", readTasks(http.HandlerFunc(h.HandleGetTask)))
	mux.Handle("DELETE /api/v2/tasks/{task_id}", writeTasks(http.HandlerFunc(h.HandleArchiveTask)))

	mux.Handle("POST /api/v2/tasks/{task_id}/rules", writeTasks(http.HandlerFunc(h.HandleCreateTaskRule)))
	mux.Handle("PATCH /api/v2/tasks/{task_id}/rules/{rule_id}", writeTasks(http.HandlerFunc(h.HandleSetTaskRuleEnabled)))
	mux.Handle("DELETE /api/v2/tasks/{task_id}/rules/{rule_id}", writeTasks(http.HandlerFunc(h.HandleArchiveTaskRule)))

	mux.Handle("POST /api/v2/default_rules", writeTasks(http.HandlerFunc(h.HandleCreateDefaultRule)))
	mux.Handle("GET /api/v2/default_rules", readTasks(http.HandlerFunc(h.HandleListDefaultRules)))
	mux.Handle("DELETE /api/v2/default_rules/{rule_id}", writeTasks(http.HandlerFunc(h.HandleArchiveDefaultRule)))
	mux.Handle("GET /api/v2/rules", readTasks(http.HandlerFunc(h.HandleSearchRules)))

	mux.Handle("POST /api/v2/tasks/{task_id}/metrics", writeTasks(http.HandlerFunc(h.HandleCreateTaskMetric)))
	mux.Handle("GET /api/v2/tasks/{task_id}/metrics", readTasks(http.HandlerFunc(h.HandleListTaskMetrics)))
	mux.Handle("PATCH /api/v2/tasks/{task_id}/metrics/{metric_id}", writeTasks(http.HandlerFunc(h.HandleSetTaskMetricEnabled)))
	mux.Handle("DELETE /api/v2/tasks/{task_id}/metrics/{metric_id}", writeTasks(http.HandlerFunc(h.HandleArchiveTaskMetric)))

	// Validation and inference history.
	validate := requirePerm(model.PermValidate)
	mux.Handle("POST /api/v2/tasks/{task_id}/validate_prompt", validate(http.HandlerFunc(h.HandleValidatePrompt)))
	mux.Handle("POST /api/v2/tasks/{task_id}/validate_response/{inference_id}", validate(http.HandlerFunc(h.HandleValidateResponse)))
	readTraces := requirePerm(model.PermReadTraces)
	mux.Handle("GET /api/v2/inferences", readTraces(http.HandlerFunc(h.HandleQueryInferences)))
	mux.Handle("POST /api/v2/feedback", requirePerm(model.PermWriteFeedback)(http.HandlerFunc(h.HandleCreateFeedback)))

	// Traces and span metrics.
	writeTraces := requirePerm(model.PermWriteTraces)
	mux.Handle("POST /v1/traces", writeTraces(http.HandlerFunc(h.HandleIngestTraces)))
	mux.Handle("GET /api/v1/traces/{trace_id}", readTraces(http.HandlerFunc(h.HandleGetTrace)))
	mux.Handle("POST /api/v1/spans/{span_id}/metrics", writeTraces(http.HandlerFunc(h.HandleComputeSpanMetrics)))
	mux.Handle("GET /api/v1/spans/{span_id}/metrics", readTraces(http.HandlerFunc(h.HandleListSpanMetrics)))

	// API keys (admin only).
	manageKeys := requirePerm(model.PermManageKeys)
	mux.Handle("POST /auth/api_keys", manageKeys(http.HandlerFunc(h.HandleCreateAPIKey)))
	mux.Handle("GET /auth/api_keys", manageKeys(http.HandlerFunc(h.HandleListAPIKeys)))
	mux.Handle("DELETE /auth/api_keys/{key_id}", manageKeys(http.HandlerFunc(h.HandleDeactivateAPIKey)))

	// Usage and costs.
	readUsage := requirePerm(model.PermReadUsage)
	mux.Handle("GET /api/v2/usage/tokens", readUsage(http.HandlerFunc(h.HandleTokenUsage)))
	mux.Handle("GET /api/v2/model_costs", readUsage(http.HandlerFunc(h.HandleModelCosts)))

	// MCP StreamableHTTP transport. Tools check their own permissions.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", readTasks(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Unauthenticated.
	if cfg.Collector != nil {
		mux.Handle("GET /metrics", cfg.Collector.Handler())
	}
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth →
	// rate limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.Limiter != nil {
		handler = ratelimit.Middleware(cfg.Limiter, ratelimit.CallerKeyFunc)(handler)
	}
	handler = authMiddleware(cfg.Authenticator, cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, cfg.Collector, handler)
	handler = tracingMiddleware(handler)
	if len(cfg.CORSAllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
		}).Handler(handler)
	}
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
