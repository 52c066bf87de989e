package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/api/handlers"
	"unitmover.io/unitmover/internal/handoff"
	"unitmover.io/unitmover/internal/jobs"
	"unitmover.io/unitmover/internal/migration"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/registry"
	"unitmover.io/unitmover/internal/reserve"
	"unitmover.io/unitmover/internal/transfer"
	"unitmover.io/unitmover/internal/verify"
)

// MigrationModule wires the orchestrator, its collaborators and the step
// scheduler.
//
// With a database, steps run as River jobs and maintenance runs as River
// periodic jobs. Without one, whole pipelines run on the general pool and
// a Ticker drives maintenance.
type MigrationModule struct {
	infra        *Infrastructure
	orchestrator *migration.Orchestrator
	toggle       *migration.Toggle
	reserve      *reserve.Manager
	registry     *registry.Service

	riverScheduler *jobs.RiverScheduler
	ticker         *jobs.Ticker
}

// NewMigrationModule creates the migration module with explicit
// constructor wiring.
func NewMigrationModule(ctx context.Context, infra *Infrastructure) (*MigrationModule, error) {
	cfg := infra.Config

	res := reserve.NewManager(infra.Store.Reserve, infra.Events)
	if err := res.Ensure(ctx, cfg.Reserve.InitialBalance, cfg.Reserve.MinThreshold); err != nil {
		return nil, fmt.Errorf("seed reserve: %w", err)
	}
	reg := registry.NewService(infra.Store.Registry)
	toggle := migration.NewToggle(infra.Store.Settings, cfg.Migration.Enabled)

	orch, err := migration.NewOrchestrator(migration.Deps{
		Migrations:  infra.Store.Migrations,
		Reserve:     res,
		Registry:    reg,
		Source:      infra.Source,
		Provisioner: infra.Provisioner,
		Verifier:    verify.NewGate(infra.Provisioner, infra.Template.InterfaceVersion),
		Handoff: handoff.NewSaga(infra.Provisioner, handoff.Config{
			MaxAttempts:          cfg.Handoff.MaxAttempts,
			InitialDelay:         cfg.Handoff.InitialDelay,
			MaxDelay:             cfg.Handoff.MaxDelay,
			CompensationAttempts: cfg.Handoff.CompensationAttempts,
		}),
		Uploader: transfer.NewUploader(infra.Pools.Transfer, transfer.UploaderConfig{
			ChunkSize: cfg.Migration.ChunkSize,
			Attempts:  cfg.Transfer.ChunkAttempts,
			Delay:     cfg.Transfer.ChunkRetryDelay,
		}),
		Toggle:   toggle,
		Template: infra.Template,
		Events:   infra.Events,
	}, migration.Config{
		OrchestratorID: cfg.Migration.OrchestratorID,
		FundingCredits: cfg.Migration.FundingCredits,
		StallAfter:     cfg.Migration.StallAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	m := &MigrationModule{
		infra:        infra,
		orchestrator: orch,
		toggle:       toggle,
		reserve:      res,
		registry:     reg,
	}
	if infra.DB != nil {
		m.riverScheduler = jobs.NewRiverScheduler()
		orch.SetScheduler(m.riverScheduler)
	} else {
		migration.NewInlineScheduler(infra.Pools, orch)
		m.ticker = jobs.NewTicker(m.maintenance(), nil)
	}
	return m, nil
}

func (m *MigrationModule) Name() string { return "migration" }

// Orchestrator returns the orchestrator.
func (m *MigrationModule) Orchestrator() *migration.Orchestrator { return m.orchestrator }

func (m *MigrationModule) maintenance() jobs.Maintenance {
	cfg := m.infra.Config
	return jobs.Maintenance{
		Resumer: m.orchestrator,
		Reserve: m.reserve,
		Sweeper: m.infra.Sweeper,
		Intervals: jobs.Intervals{
			Resume:       cfg.Migration.ResumeInterval,
			ReserveCheck: cfg.Reserve.CheckInterval,
			Sweep:        cfg.Transfer.SweepInterval,
		},
	}
}

func (m *MigrationModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Orchestrator = m.orchestrator
	deps.Toggle = m.toggle
	deps.Reserve = m.reserve
	deps.Registry = m.registry
}

func (m *MigrationModule) RegisterWorkers(workers *river.Workers) []*river.PeriodicJob {
	if workers == nil || m == nil || m.riverScheduler == nil {
		return nil
	}
	river.AddWorker(workers, jobs.NewMigrationStepWorker(m.orchestrator, m.riverScheduler, 0))
	return m.maintenance().Register(workers)
}

// AttachRiver hands the built River client to the step scheduler.
func (m *MigrationModule) AttachRiver(client *river.Client[pgx.Tx]) {
	if m.riverScheduler == nil || client == nil {
		return
	}
	m.riverScheduler.Attach(client)
}

func (m *MigrationModule) Start(ctx context.Context) error {
	if m.ticker != nil {
		m.ticker.Start(ctx)
		logger.Info("Maintenance ticker started", zap.Bool("sweep", m.infra.Sweeper != nil))
	}
	return nil
}

func (m *MigrationModule) Shutdown(context.Context) error {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	return nil
}
