package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/reelfetch/api/handler"
	"github.com/use-agent/reelfetch/api/middleware"
	"github.com/use-agent/reelfetch/cache"
	"github.com/use-agent/reelfetch/config"
	"github.com/use-agent/reelfetch/models"
	"github.com/use-agent/reelfetch/parser"
	"github.com/use-agent/reelfetch/proxypool"
)

// Deps are the services the routes are wired to. Pool, Parser and Cache
// may be nil; the matching features are then off.
type Deps struct {
	Fetcher   handler.Fetcher
	Pool      *proxypool.Pool
	Parser    parser.Parser[*models.Festival]
	Cache     *cache.Cache
	Config    *config.Config
	Logger    *slog.Logger
	StartTime time.Time
	Version   string
}

// NewRouter creates a configured Gin engine with all routes and middleware.
// ctx bounds the rate limiter's cleanup goroutine.
//
// Middleware chain:
//
//	Global:  Recovery → RequestID → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health endpoint is outside auth so monitoring probes always work.
func NewRouter(ctx context.Context, d Deps) *gin.Engine {
	gin.SetMode(d.Config.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(d.Logger))

	v1 := r.Group("/api/v1")

	// Health needs no API key.
	v1.GET("/health", handler.Health(d.Fetcher, d.Pool, d.StartTime, d.Version))

	protected := v1.Group("")
	if d.Config.Auth.Enabled {
		protected.Use(middleware.Auth(d.Config.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(ctx, d.Config.RateLimit))

	protected.POST("/fetch", handler.Fetch(d.Fetcher, d.Parser, d.Cache, d.Logger))
	protected.GET("/stats", handler.Stats(d.Fetcher))

	if d.Pool != nil {
		proxies := protected.Group("/proxies")
		proxies.GET("", handler.ListProxies(d.Pool))
		proxies.POST("", handler.AddProxy(d.Pool))
		proxies.POST("/probe", handler.ProbeProxies(d.Pool, d.Config.Pool.ProbeConcurrency))
		proxies.DELETE("/:key", handler.RemoveProxy(d.Pool))
		proxies.POST("/:key/ban", handler.BanProxy(d.Pool))
		proxies.POST("/:key/unban", handler.UnbanProxy(d.Pool))
	}

	return r
}
