// Package mamori is the public API for embedding the mamori guardrail server.
//
// Consumers construct the server with options and run it until the context
// is cancelled:
//
//	app, err := mamori.New(
//	    mamori.WithVersion(version),
//	    mamori.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the root.
package mamori

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ashita-ai/mamori/api"
	"github.com/ashita-ai/mamori/internal/auth"
	"github.com/ashita-ai/mamori/internal/binding"
	"github.com/ashita-ai/mamori/internal/claims"
	"github.com/ashita-ai/mamori/internal/classifier"
	"github.com/ashita-ai/mamori/internal/config"
	"github.com/ashita-ai/mamori/internal/embedding"
	"github.com/ashita-ai/mamori/internal/llm"
	"github.com/ashita-ai/mamori/internal/mcp"
	"github.com/ashita-ai/mamori/internal/metrics"
	"github.com/ashita-ai/mamori/internal/ratelimit"
	"github.com/ashita-ai/mamori/internal/rules"
	"github.com/ashita-ai/mamori/internal/scorer"
	"github.com/ashita-ai/mamori/internal/secrets"
	"github.com/ashita-ai/mamori/internal/server"
	"github.com/ashita-ai/mamori/internal/service/ingest"
	"github.com/ashita-ai/mamori/internal/service/validation"
	"github.com/ashita-ai/mamori/internal/storage"
	"github.com/ashita-ai/mamori/internal/telemetry"
	"github.com/ashita-ai/mamori/internal/tokens"
	"github.com/ashita-ai/mamori/migrations"
)

// embeddingCacheEntries bounds the on-disk embedding cache.
const embeddingCacheEntries = 100_000

// App is the mamori server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	bindings     *binding.Resolver
	refresher    *tokens.Refresher
	limiter      ratelimit.Limiter
	slots        []*classifier.Slot
	embedCache   *embedding.Cache
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It connects to the database, runs migrations,
// wires all subsystems, and returns a ready-to-run App. It does not start
// any goroutines or accept HTTP connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = cfg.BuildVersion
	}
	logger.Info("mamori starting", "version", version, "port", cfg.Port)

	a := &App{cfg: cfg, logger: logger, version: version}
	if err := a.init(o); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// init builds every subsystem. On error the caller releases whatever was
// already acquired with close.
func (a *App) init(o resolvedOptions) error {
	ctx := context.Background()
	cfg, logger := a.cfg, a.logger

	var err error
	a.otelShutdown, err = telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, a.version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	collector := telemetry.NewCollector(nil)

	a.db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger,
		storage.WithPersistenceDisabled(cfg.PersistenceDisabled))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	for i, extra := range o.extraMigrations {
		if err := a.db.RunMigrations(ctx, extra); err != nil {
			return fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// LLM executor: env targets plus encrypted targets stored in the database.
	targets, err := a.llmTargets(ctx)
	if err != nil {
		return err
	}
	counter := tokens.NewCounter(logger)
	executor, err := llm.New(llm.Options{
		Provider:         cfg.LLMProvider,
		Targets:          targets,
		EmbeddingsTarget: cfg.EmbeddingsTarget,
		AzureAPIVersion:  cfg.AzureAPIVersion,
		Timeout:          cfg.LLMTimeout,
		TokensPerPeriod:  cfg.LLMTokensPerPeriod,
		Period:           cfg.LLMPeriod,
		Counter:          counter,
		TokensTotal:      collector.LLMTokens,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if !executor.Configured() {
		logger.Warn("llm: no targets configured, LLM-backed rules and metrics will report unavailable")
	}

	var embedder embedding.Provider = embedding.NoopProvider{}
	if executor.EmbeddingsConfigured() {
		embedder = embedding.NewLLMProvider(executor, cfg.EmbeddingsTarget.Model)
		if cfg.EmbeddingCachePath != "" {
			a.embedCache, err = embedding.OpenCache(cfg.EmbeddingCachePath, embeddingCacheEntries)
			if err != nil {
				return fmt.Errorf("embedding cache: %w", err)
			}
			embedder = embedding.NewCached(embedder, a.embedCache, logger)
			logger.Info("embedding cache: enabled", "path", cfg.EmbeddingCachePath)
		}
	}

	// Classifier models load lazily in the background.
	modelDir := cfg.ModelDir
	if modelDir == "" {
		modelDir = filepath.Join(os.TempDir(), "mamori-models")
	}
	httpClient := &http.Client{Timeout: 5 * time.Minute}
	injection := classifier.NewSlot(classifier.PromptInjectionModel.Name,
		classifier.NewLoader(classifier.PromptInjectionModel, modelDir, httpClient), logger)
	toxicity := classifier.NewSlot(classifier.ToxicityModel.Name,
		classifier.NewLoader(classifier.ToxicityModel, modelDir, httpClient), logger)
	a.slots = []*classifier.Slot{injection, toxicity}

	parser, err := claims.NewParser()
	if err != nil {
		return fmt.Errorf("claims: %w", err)
	}
	ruleScorers := scorer.NewRegistry(scorer.Deps{
		LLM:           executor,
		InjectionSlot: injection,
		ToxicitySlot:  toxicity,
		Claims:        parser,
		PIIThreshold:  cfg.PIIThreshold,
		Logger:        logger,
	})
	ruleEngine := rules.New(ruleScorers, cfg.RuleWorkers, collector, logger)

	a.bindings = binding.NewResolver(a.db, cfg.CacheTTL, logger)
	metricEngine := metrics.NewEngine(
		metrics.NewRegistry(metrics.Deps{LLM: executor, Embeddings: embedder, Logger: logger}),
		a.db, a.bindings, cfg.MetricWorkers, collector, logger,
	)

	validationSvc := validation.New(a.db, a.bindings, ruleEngine, counter, collector, logger)
	ingestSvc := ingest.New(a.db, collector, logger)

	costs, err := tokens.NewTable()
	if err != nil {
		return fmt.Errorf("cost table: %w", err)
	}
	a.refresher = tokens.NewRefresher(costs, tokens.RefresherConfig{
		Schedule:     cfg.CostRefreshSchedule,
		URL:          cfg.CostTableURL,
		OverrideFile: cfg.CostOverrideFile,
	}, logger)

	var jwks *auth.JWKS
	if cfg.JWKSURL != "" {
		jwks = auth.NewJWKS(cfg.JWKSURL, cfg.JWKSRefresh, nil)
		logger.Info("auth: JWT bearer tokens enabled", "jwks_url", cfg.JWKSURL)
	}
	if cfg.AdminAPIKey == "" {
		logger.Warn("auth: MAMORI_ADMIN_KEY is not set, API keys cannot be bootstrapped")
	}
	authn := auth.NewAuthenticator(auth.Options{
		AdminKey: cfg.AdminAPIKey,
		Keys:     a.db,
		JWKS:     jwks,
		Audience: cfg.JWTAudience,
		Logger:   logger,
	})

	if cfg.RateLimitRPS > 0 {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(a.db, validationSvc, logger, a.version)

	a.srv = server.New(server.ServerConfig{
		DB:                  a.db,
		Authenticator:       authn,
		Validation:          validationSvc,
		Ingest:              ingestSvc,
		Logger:              logger,
		MetricEngine:        metricEngine,
		Bindings:            a.bindings,
		Costs:               costs,
		Collector:           collector,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxAPIKeys:          cfg.MaxAPIKeys,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		OpenAPISpec:         api.OpenAPISpec,
		Middlewares:         o.middlewares,
	})
	return nil
}

// llmTargets returns the configured targets followed by the stored ones. Stored
// keys need MAMORI_SECRET_KEYS; without it stored targets are skipped.
func (a *App) llmTargets(ctx context.Context) ([]config.LLMTarget, error) {
	targets := append([]config.LLMTarget(nil), a.cfg.LLMTargets...)
	stored, err := a.db.ListLLMTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("llm targets: %w", err)
	}
	if len(stored) == 0 {
		return targets, nil
	}
	box, err := secrets.New(a.cfg.SecretKeys)
	if errors.Is(err, secrets.ErrNoKeys) {
		a.logger.Warn("llm: stored targets ignored, MAMORI_SECRET_KEYS is not set", "count", len(stored))
		return targets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	for _, t := range stored {
		key, err := box.Decrypt(t.APIKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("llm target %s: %w", t.ID, err)
		}
		targets = append(targets, config.LLMTarget{Model: t.Model, Endpoint: t.Endpoint, APIKey: key})
	}
	a.logger.Info("llm: loaded stored targets", "count", len(stored))
	return targets, nil
}

// Run starts the background services and the HTTP server, then blocks until
// ctx is cancelled or the server fails. Shutdown runs automatically on return.
func (a *App) Run(ctx context.Context) error {
	if err := a.refresher.Start(ctx); err != nil {
		a.logger.Warn("cost table refresher failed to start", "error", err)
	}
	if a.db.HasNotifyConn() {
		go a.bindings.Listen(ctx, a.db)
	} else {
		a.logger.Info("binding invalidation: local only (no notify connection)")
	}
	for _, s := range a.slots {
		s.Warm()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the server in phases: drain in-flight HTTP requests, stop
// the background schedulers, then flush telemetry and close the database.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mamori shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	cancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.refresher.Stop()
	a.close()

	a.logger.Info("mamori stopped")
	return err
}

// close releases every acquired resource. It tolerates a partially built App.
func (a *App) close() {
	ctx := context.Background()
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.bindings != nil {
		a.bindings.Close()
	}
	for _, s := range a.slots {
		_ = s.Close()
	}
	if a.embedCache != nil {
		_ = a.embedCache.Close()
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.logger.Warn("telemetry flush failed", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close(ctx)
	}
}
