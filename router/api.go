package router

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/meterable/meterable/authz"
	"github.com/meterable/meterable/cache"
	"github.com/meterable/meterable/db"
	"github.com/meterable/meterable/handlers"
	"github.com/meterable/meterable/internal/config"
	"github.com/meterable/meterable/internal/obs"
	"github.com/meterable/meterable/services"
	"github.com/meterable/meterable/workers"
)

// NewAPIRouter wires storage, cache, pipeline and writeback into the HTTP
// surface. The returned engine is also the owner of the writeback engine:
// callers drain it on shutdown via the returned engine handle.
func NewAPIRouter(pg *sql.DB, rdb *redis.Client) (*gin.Engine, *workers.WritebackEngine) {
	r := gin.Default()

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-App-Id, X-App-Name, X-Publisher, X-User-Email, X-Api-Version")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	obs.Init()
	r.Use(obs.Instrument())

	// Initialize storage and cache
	store := db.NewPostgresStore(pg)
	entityCache := cache.NewEntityCache(store, config.App.CacheTTL())

	// Initialize services
	meteringService := services.NewMeteringService(store, rdb, config.App.MeteringChannel)
	assignmentService := services.NewAssignmentService(store, entityCache)

	// Initialize writeback engine and decision pipeline
	engine := workers.NewWritebackEngine(store, entityCache, meteringService)
	pipeline := authz.NewPipeline(entityCache, engine)
	pipeline.GracePeriod = config.App.GracePeriod()
	pipeline.PrivateMode = config.App.PrivateMode

	// Initialize handlers
	licenseHandler := handlers.NewLicenseHandler(pipeline, engine)
	adminHandler := handlers.NewAdminHandler(assignmentService, entityCache)

	// Initialize middleware
	serviceAuth := handlers.NewServiceAuthMiddleware(config.App.ServiceJWTSecret)

	// PUBLIC ENDPOINTS (no authentication required)
	r.GET("/healthz", func(c *gin.Context) {
		if err := pg.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", obs.Handler())

	// LICENSE ENDPOINTS (version-gated, no caller auth: identity travels in
	// the signal headers and enforcement happens in the pipeline)
	licenseRoutes := r.Group("/v1/licenses")
	licenseRoutes.Use(handlers.RequireAPIVersion(config.App.MinAPIVersion))
	{
		licenseRoutes.POST("/touch", licenseHandler.Touch)
		licenseRoutes.POST("/verify", licenseHandler.Verify)
	}

	// SERVICE-TO-SERVICE ENDPOINTS (require service token)
	adminRoutes := r.Group("/v1")
	adminRoutes.Use(serviceAuth.RequireServiceToken())
	{
		adminRoutes.PUT("/apps/:id/assignment", adminHandler.StoreAssignment)
		adminRoutes.POST("/admin/cache/invalidate", adminHandler.InvalidateCache)
	}

	return r, engine
}
