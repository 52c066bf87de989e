// Package handlers implements the migrator HTTP API.
//
// Route registration is handled by the router in internal/app; handlers do
// NOT register their own routes. Errors are pushed with c.Error and
// rendered by middleware.ErrorHandler.
//
// Import Path: unitmover.io/unitmover/internal/api/handlers
package handlers

import (
	"context"

	"unitmover.io/unitmover/internal/api/middleware"
	"unitmover.io/unitmover/internal/governance/audit"
	"unitmover.io/unitmover/internal/metrics"
	"unitmover.io/unitmover/internal/migration"
	"unitmover.io/unitmover/internal/notification"
	"unitmover.io/unitmover/internal/registry"
	"unitmover.io/unitmover/internal/reserve"
)

// Pinger is a readiness dependency, typically the database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server implements all API handlers.
type Server struct {
	orchestrator *migration.Orchestrator
	toggle       *migration.Toggle
	reserve      *reserve.Manager
	registry     *registry.Service
	audit        *audit.Logger
	metrics      *metrics.Collector
	alerts       *notification.InboxSender
	db           Pinger
	jwtCfg       middleware.JWTConfig
}

// ServerDeps holds all dependencies for creating a Server.
// Manual DI, no Wire/Dig.
type ServerDeps struct {
	Orchestrator *migration.Orchestrator
	Toggle       *migration.Toggle
	Reserve      *reserve.Manager
	Registry     *registry.Service
	Audit        *audit.Logger
	Metrics      *metrics.Collector
	Alerts       *notification.InboxSender
	// DB is nil in memory mode; readiness then skips the database check.
	DB     Pinger
	JWTCfg middleware.JWTConfig
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		orchestrator: deps.Orchestrator,
		toggle:       deps.Toggle,
		reserve:      deps.Reserve,
		registry:     deps.Registry,
		audit:        deps.Audit,
		metrics:      deps.Metrics,
		alerts:       deps.Alerts,
		db:           deps.DB,
		jwtCfg:       deps.JWTCfg,
	}
}

// actorFromCtx extracts the authenticated user ID from the request context.
func actorFromCtx(c interface{ GetString(any) string }) string {
	if uid := c.GetString("user_id"); uid != "" {
		return uid
	}
	return "anonymous"
}
