// Package http wires the gin engine: public query surface, health probes,
// the metrics endpoint, and the token-guarded internal ingest surface.
package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yungbote/querybridge-backend/internal/config"
	httpH "github.com/yungbote/querybridge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/querybridge-backend/internal/http/middleware"
	"github.com/yungbote/querybridge-backend/internal/observability"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log *logger.Logger
	Cfg *config.Config

	AuthMiddleware *httpMW.AuthMiddleware

	AskHandler    *httpH.AskHandler
	HealthHandler *httpH.HealthHandler
	IngestHandler *httpH.IngestHandler
	AdminHandler  *httpH.AdminHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Cfg.Env == "prod" || cfg.Cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("querybridge"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.Cfg.HTTP.CORSAllowOrigins))

	// Probes stay outside auth and metrics instrumentation.
	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.Healthz)
		r.GET("/readyz", cfg.HealthHandler.Readyz)
	}
	if observability.Enabled() {
		r.GET("/metrics", gin.WrapF(observability.Current().WriteHTTP))
	}

	query := r.Group("/")
	{
		query.Use(httpMW.Metrics(observability.Current()))
		if cfg.AuthMiddleware != nil {
			query.Use(cfg.AuthMiddleware.RequireCaller())
		}
		query.Use(httpMW.Admission(cfg.Cfg.HTTP.MaxConcurrentRequests, cfg.Cfg.HTTP.MaxQueueDepth))
		if cfg.AskHandler != nil {
			query.POST("/ask", cfg.AskHandler.Ask)
		}
	}

	internal := r.Group("/internal")
	{
		internal.Use(httpMW.Metrics(observability.Current()))
		if cfg.AuthMiddleware != nil {
			internal.Use(cfg.AuthMiddleware.RequireIngestToken())
		}
		if cfg.IngestHandler != nil {
			internal.POST("/ingest/chunks", cfg.IngestHandler.UpsertChunks)
			internal.DELETE("/ingest/docs/:docId", cfg.IngestHandler.DeleteDoc)
			internal.POST("/stats/refresh", cfg.IngestHandler.RefreshStats)
		}
		if cfg.AdminHandler != nil {
			internal.POST("/config/reload", cfg.AdminHandler.ReloadConfig)
		}
	}

	return r
}
