// Package app assembles the process: configuration, observability, the
// retrieval store, upstream model clients, the query pipeline, and the HTTP
// server.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/db"
	qbhttp "github.com/yungbote/querybridge-backend/internal/http"
	httpH "github.com/yungbote/querybridge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/querybridge-backend/internal/http/middleware"
	"github.com/yungbote/querybridge-backend/internal/observability"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/rag/guardrail"
	"github.com/yungbote/querybridge-backend/internal/rag/pipeline"
	"github.com/yungbote/querybridge-backend/internal/repos"
	"github.com/yungbote/querybridge-backend/internal/stats"
	"github.com/yungbote/querybridge-backend/internal/store"
)

// firstRefreshTimeout bounds the initial corpus stats build. A failure here
// is not fatal: the process starts, readyz stays red, and the background
// refresher keeps trying.
const firstRefreshTimeout = 30 * time.Second

type App struct {
	Log      *logger.Logger
	Cfg      config.Config
	Store    store.Store
	Stats    *stats.Provider
	Pipeline *pipeline.Pipeline
	Server   *qbhttp.Server

	pool         *pgxpool.Pool
	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "production"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}
	log.Info("configuration loaded",
		"env", cfg.Env,
		"store_provider", cfg.Store.Provider,
		"auth_mode", cfg.Auth.Mode,
	)
	// Tenant overlays are the one hot-reloadable piece of configuration;
	// everything wired below from cfg directly is bootstrap state.
	cfgProvider := config.NewProvider(log, cfg)

	observability.Init(log)
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "querybridge",
		Environment: cfg.Env,
	})

	st, pool, err := resolveStore(ctx, log, &cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}

	cl, err := wireClients(log, &cfg)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("wire clients: %w", err)
	}

	audit := wireAuditSink(log, &cfg)

	statsProvider := stats.NewProvider(log, st, cfg.Stats.SampleLimit)
	refreshCtx, cancelRefresh := context.WithTimeout(ctx, firstRefreshTimeout)
	if err := statsProvider.Refresh(refreshCtx); err != nil {
		log.Warn("initial corpus stats refresh failed; readiness stays red until a retry succeeds", "error", err)
	}
	cancelRefresh()

	pipe, err := pipeline.New(pipeline.Deps{
		Log:      log,
		Cfg:      cfgProvider,
		Store:    st,
		Embedder: cl.embedder,
		Reranker: cl.reranker,
		LLM:      cl.llm,
		Stats:    statsProvider,
		Audit:    audit,
	})
	if err != nil {
		log.Sync()
		return nil, err
	}

	authMW := httpMW.NewAuthMiddleware(log, cfg.Auth)
	server := qbhttp.NewServer(log, cfg.HTTP, qbhttp.RouterConfig{
		Log:            log,
		Cfg:            &cfg,
		AuthMiddleware: authMW,
		AskHandler:     httpH.NewAskHandler(log, pipe, cfg.HTTP.MaxRequestBytes),
		HealthHandler:  httpH.NewHealthHandler(log, st, cl.embedder, cl.llm, statsProvider),
		IngestHandler:  httpH.NewIngestHandler(log, st, cl.embedder, statsProvider, cfg.HTTP.MaxRequestBytes),
		AdminHandler:   httpH.NewAdminHandler(log, cfgProvider),
	})

	return &App{
		Log:          log,
		Cfg:          cfg,
		Store:        st,
		Stats:        statsProvider,
		Pipeline:     pipe,
		Server:       server,
		pool:         pool,
		otelShutdown: otelShutdown,
	}, nil
}

// wireAuditSink attaches guardrail audit persistence when a Postgres DSN is
// configured. Audit is best-effort: a missing or unreachable database logs a
// warning and the engine runs without the trail.
func wireAuditSink(log *logger.Logger, cfg *config.Config) guardrail.AuditSink {
	if cfg.PostgresDSN == "" {
		log.Info("guardrail audit persistence disabled: no postgres_dsn")
		return nil
	}
	pg, err := db.NewPostgres(log, cfg.PostgresDSN)
	if err != nil {
		log.Warn("guardrail audit persistence disabled: postgres unavailable", "error", err)
		return nil
	}
	if err := pg.AutoMigrate(); err != nil {
		log.Warn("guardrail audit persistence disabled: migrate failed", "error", err)
		return nil
	}
	return repos.NewGuardrailAuditRepo(pg.DB(), log)
}

// Run serves until ctx is cancelled. The stats refresher and the optional
// standalone metrics listener run for the same lifetime.
func (a *App) Run(ctx context.Context) error {
	go a.Stats.Run(ctx, a.Cfg.Stats.RefreshInterval.Duration)
	observability.Current().StartServer(ctx, a.Log, os.Getenv("METRICS_ADDR"))
	return a.Server.Run(ctx)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
