// Package prism is the public API for embedding the prism enforcement
// core.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := prism.New(
//	    prism.WithVersion(version),
//	    prism.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: prism (root)
// imports internal/*, but internal/* never imports prism (root).
package prism

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/fencio-dev/prism/internal/auth"
	"github.com/fencio-dev/prism/internal/config"
	"github.com/fencio-dev/prism/internal/dataplane"
	"github.com/fencio-dev/prism/internal/encoder"
	"github.com/fencio-dev/prism/internal/ratelimit"
	"github.com/fencio-dev/prism/internal/search"
	"github.com/fencio-dev/prism/internal/server"
	"github.com/fencio-dev/prism/internal/service/embedding"
	"github.com/fencio-dev/prism/internal/service/enforce"
	"github.com/fencio-dev/prism/internal/service/policies"
	"github.com/fencio-dev/prism/internal/storage"
	"github.com/fencio-dev/prism/internal/telemetry"
	"github.com/fencio-dev/prism/migrations"
)

// App is the prism server lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	index        *search.AnchorIndex // nil when Qdrant is not configured
	remote       *dataplane.Client
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the prism server. It opens the store, runs
// migrations, wires all subsystems and returns a ready-to-run App. It
// does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.dataPlaneTarget != "" {
		cfg.DataPlaneTarget = o.dataPlaneTarget
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("prism starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.Open(context.Background(), cfg.DBPath, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Embedding provider: external override takes priority over
	// config-driven selection.
	provider := o.embeddingProvider
	if provider == nil {
		provider = newEmbeddingProvider(cfg, logger)
	}
	enc := encoder.New(provider, logger, encoder.WithCacheSize(cfg.EmbedCacheSize))

	// Anchor-payload index (optional).
	var index *search.AnchorIndex
	if cfg.QdrantURL != "" {
		index, err = search.New(search.Config{
			URL:              cfg.QdrantURL,
			APIKey:           cfg.QdrantAPIKey,
			CollectionPrefix: cfg.CollectionPrefix,
		}, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		logger.Info("anchor index: enabled", "prefix", cfg.CollectionPrefix)
	} else {
		logger.Info("anchor index: disabled (no QDRANT_URL)")
	}

	remote, err := dataplane.New(cfg.DataPlaneTarget, logger)
	if err != nil {
		closeIndex(index)
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("dataplane: %w", err)
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		_ = remote.Close()
		closeIndex(index)
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("metrics: %w", err)
	}

	enforceSvc := enforce.New(enc, db, remote, logger, metrics)
	policySvc := policies.New(db, enc, indexOrNil(index), remote, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(
			float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitPerMinute)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_minute", cfg.RateLimitPerMinute)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			DB:                  db,
			Enforcer:            enforceSvc,
			PolicySvc:           policySvc,
			Remote:              remote,
			Index:               healthOrNil(index),
			Logger:              logger,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		},
		JWTMgr:          jwtMgr,
		AdminAPIKeyHash: cfg.AdminAPIKeyHash,
		Limiter:         limiter,
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		index:        index,
		remote:       remote,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background loops and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically; callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	go a.sessionCleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then closes the decision
// service connection, the anchor index, the store and the OTEL
// provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("prism shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	_ = a.remote.Close()
	closeIndex(a.index)
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("prism stopped")
	return nil
}

// sessionCleanupLoop periodically evicts drift sessions idle past the
// retention window.
func (a *App) sessionCleanupLoop(ctx context.Context) {
	if a.cfg.SessionCleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.SessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := a.db.CleanupExpired(opCtx, time.Now())
			cancel()
			if err != nil {
				a.logger.Warn("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("session cleanup evicted sessions", "count", n)
			}
		}
	}
}

// ── Helpers ────────────────────────────────────────────────────────────

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when PRISM_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (semantic matching disabled)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic matching disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func closeIndex(index *search.AnchorIndex) {
	if index != nil {
		_ = index.Close()
	}
}

// A typed-nil *AnchorIndex inside a non-nil interface would defeat the
// nil checks in the consumers, so the conversions below keep nil nil.

func indexOrNil(index *search.AnchorIndex) policies.Index {
	if index == nil {
		return nil
	}
	return index
}

func healthOrNil(index *search.AnchorIndex) server.IndexHealth {
	if index == nil {
		return nil
	}
	return index
}
