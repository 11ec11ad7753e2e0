package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/hoptrace/api/handler"
	"github.com/use-agent/hoptrace/api/middleware"
	"github.com/use-agent/hoptrace/cache"
	"github.com/use-agent/hoptrace/config"
)

// Deps are the long-lived services the routes use.
type Deps struct {
	Resolvers *handler.Resolvers
	Pool      handler.PoolReporter // nil when the browser is not running
	Cache     *cache.Cache         // nil disables caching
	Batches   *handler.BatchStore
	Limiter   *middleware.Limiter
	StartTime time.Time
}

// NewDeps builds Deps from cfg. The batch store and limiter sweepers run
// until ctx is done.
func NewDeps(ctx context.Context, cfg *config.Config, rs *handler.Resolvers, pool handler.PoolReporter, cc *cache.Cache) Deps {
	d := Deps{
		Resolvers: rs,
		Pool:      pool,
		Cache:     cc,
		Batches:   handler.NewBatchStore(),
		Limiter:   middleware.NewLimiter(cfg.RateLimit),
		StartTime: time.Now(),
	}
	go d.Batches.RunSweeper(ctx)
	go d.Limiter.RunSweeper(ctx)
	return d
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health endpoint is intentionally outside auth so monitoring probes always work.
func NewRouter(cfg *config.Config, d Deps) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	v1 := r.Group("/api/v1")

	// Health, no auth.
	v1.GET("/health", handler.Health(d.Pool, d.Resolvers, d.StartTime))

	// Protected group: auth and rate limit.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(d.Limiter))

	protected.POST("/resolve", handler.Resolve(d.Resolvers, d.Cache))

	protected.POST("/batch/resolve", handler.PostBatch(d.Resolvers, d.Batches, cfg.Browser.MaxPages))
	protected.GET("/batch/:id", handler.GetBatch(d.Batches))

	return r
}
