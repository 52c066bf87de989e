// Package app is the composition root. Bootstrap stays orchestration-only.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"unitmover.io/unitmover/internal/api/handlers"
	"unitmover.io/unitmover/internal/app/modules"
	"unitmover.io/unitmover/internal/config"
	"unitmover.io/unitmover/internal/infrastructure"
	"unitmover.io/unitmover/internal/pkg/worker"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	DB      *infrastructure.DatabaseClients
	Pools   *worker.Pools
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	governance := modules.NewGovernanceModule(infra)
	migrationModule, err := modules.NewMigrationModule(ctx, infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init migration module: %w", err)
	}
	allModules := []modules.Module{governance, migrationModule}

	if infra.DB != nil {
		workers := river.NewWorkers()
		var periodic []*river.PeriodicJob
		for _, mod := range allModules {
			periodic = append(periodic, mod.RegisterWorkers(workers)...)
		}
		if err := infra.InitRiver(workers, periodic); err != nil {
			infra.Close()
			return nil, fmt.Errorf("init river workers: %w", err)
		}
		migrationModule.AttachRiver(infra.DB.RiverClient)
	}

	serverDeps := modules.NewServerDeps(cfg, infra, allModules)
	server := handlers.NewServer(serverDeps)

	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg, server, serverDeps.JWTCfg, governance.MetricsHandler()),
		DB:      infra.DB,
		Pools:   infra.Pools,
		Modules: allModules,
	}, nil
}
