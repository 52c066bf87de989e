package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"unitmover.io/unitmover/internal/api/handlers"
	"unitmover.io/unitmover/internal/api/middleware"
	"unitmover.io/unitmover/internal/config"
	"unitmover.io/unitmover/internal/pkg/logger"
)

// Public routes that do NOT require JWT authentication.
var publicPrefixes = []string{
	"/api/v1/health/",
	"/metrics",
}

// defaultAllowedOrigins is used when no origin allowlist is configured.
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

func newRouter(cfg *config.Config, server *handlers.Server, jwtCfg middleware.JWTConfig, metricsHandler http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.New(buildCORSConfig(cfg)))
	router.Use(jwtSkipPublic(jwtCfg))

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}
	levelHandler := gin.WrapH(logger.HTTPHandler())
	router.GET("/log/level", middleware.RequirePermission(middleware.PermissionAdmin), levelHandler)
	router.PUT("/log/level", middleware.RequirePermission(middleware.PermissionAdmin), levelHandler)

	v1 := router.Group("/api/v1")
	v1.GET("/health/live", server.GetLiveness)
	v1.GET("/health/ready", server.GetReadiness)

	v1.POST("/migrations/:subject", server.StartMigration)
	v1.GET("/migrations/:subject", server.GetMigration)
	v1.GET("/units/:owner", server.GetUnit)

	admin := v1.Group("/admin")
	admin.POST("/migrations/:subject/reset", middleware.RequirePermission(middleware.PermissionMigrationReset), server.ResetMigration)
	admin.GET("/toggle", middleware.RequirePermission(middleware.PermissionToggleWrite), server.GetToggle)
	admin.PUT("/toggle", middleware.RequirePermission(middleware.PermissionToggleWrite), server.SetToggle)
	admin.GET("/reserve", middleware.RequirePermission(middleware.PermissionReserveRead), server.GetReserve)
	admin.POST("/reserve/topup", middleware.RequirePermission(middleware.PermissionReserveWrite), server.TopUpReserve)
	admin.PUT("/reserve/threshold", middleware.RequirePermission(middleware.PermissionReserveWrite), server.SetReserveThreshold)
	admin.GET("/registry", middleware.RequirePermission(middleware.PermissionRegistryRead), server.ListRegistry)
	admin.GET("/stats", middleware.RequirePermission(middleware.PermissionStatsRead), server.GetStats)
	admin.GET("/alerts", middleware.RequirePermission(middleware.PermissionStatsRead), server.ListAlerts)
	admin.GET("/audit-logs", middleware.RequirePermission(middleware.PermissionAdmin), server.ListAuditLogs)
	return router
}

// jwtSkipPublic returns middleware that applies JWT auth only on non-public routes.
func jwtSkipPublic(cfg middleware.JWTConfig) gin.HandlerFunc {
	jwtMw := middleware.JWTAuth(cfg)
	return func(c *gin.Context) {
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}
		jwtMw(c)
	}
}

// buildCORSConfig derives the CORS policy. A "*" origin is honoured only
// with server.unsafe_allow_all_origins, and then without credentials.
func buildCORSConfig(cfg *config.Config) cors.Config {
	out := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: cfg.Server.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	if cfg.Server.UnsafeAllowAllOrigins {
		out.AllowAllOrigins = true
		out.AllowCredentials = false
		return out
	}

	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, origin := range cfg.Server.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" {
			continue
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		origins = append(origins, defaultAllowedOrigins...)
	}
	out.AllowOrigins = origins
	return out
}
