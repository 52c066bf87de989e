package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/config"
	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/governance/audit"
	"unitmover.io/unitmover/internal/infrastructure"
	"unitmover.io/unitmover/internal/jobs"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/pkg/worker"
	"unitmover.io/unitmover/internal/provider"
	"unitmover.io/unitmover/internal/repository"
	"unitmover.io/unitmover/internal/repository/memory"
	"unitmover.io/unitmover/internal/source"
	"unitmover.io/unitmover/internal/transfer"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config *config.Config
	// DB is nil when no database is configured; Store is then in memory
	// and pipelines run on the worker pools instead of River.
	DB          *infrastructure.DatabaseClients
	Store       *repository.Store
	Pools       *worker.Pools
	Events      *domain.EventDispatcher
	AuditLogger *audit.Logger
	Provisioner provider.Provisioner
	// Sweeper reclaims transfer sessions held in this process. It is nil
	// when unit daemons run remotely.
	Sweeper  jobs.Sweeper
	Source   source.Store
	Template *provider.UnitTemplate
}

// NewInfrastructure initializes storage, pools and shared services.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	tmpl, err := provider.LoadTemplate(cfg.Unit)
	if err != nil {
		return nil, fmt.Errorf("load unit template: %w", err)
	}

	infra := &Infrastructure{
		Config:   cfg,
		Events:   domain.NewEventDispatcher(),
		Template: tmpl,
	}

	if cfg.Database.Enabled() {
		db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		// Dev-mode: auto-create state tables + River queue tables.
		if cfg.Database.AutoMigrate {
			if err := db.AutoMigrate(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
		}
		infra.DB = db
		infra.Store = db.Store()
	} else {
		logger.Warn("No database configured; state is kept in memory and lost on restart")
		infra.Store = memory.NewStore(nil)
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:  cfg.Worker.GeneralPoolSize,
		TransferPoolSize: cfg.Worker.TransferPoolSize,
		ReleaseTimeout:   cfg.Worker.ReleaseTimeout,
	})
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	infra.Pools = pools

	if err := infra.initProvisioner(); err != nil {
		infra.Close()
		return nil, err
	}

	src, err := newSourceStore(ctx, cfg.Source)
	if err != nil {
		infra.Close()
		return nil, err
	}
	infra.Source = src
	infra.AuditLogger = audit.NewLogger(infra.Store.Audit)

	logger.Info("Infrastructure initialized",
		zap.Bool("database", infra.DB != nil),
		zap.String("provider", infra.Provisioner.Name()),
		zap.String("source", cfg.Source.Type),
	)
	return infra, nil
}

func (i *Infrastructure) initProvisioner() error {
	cfg := i.Config
	switch cfg.Provider.Type {
	case "kubevirt":
		client, err := provider.NewKubeVirtClient(cfg.Provider.Kubeconfig)
		if err != nil {
			return fmt.Errorf("init kubevirt client: %w", err)
		}
		i.Provisioner = provider.NewKubeVirtProvisioner(client, provider.KubeVirtConfig{
			Namespace:        cfg.Provider.Namespace,
			OperationTimeout: cfg.Provider.OperationTimeout,
			EndpointTemplate: cfg.Transfer.EndpointTemplate,
			RequestTimeout:   cfg.Transfer.RequestTimeout,
		})
	default:
		mock := provider.NewMockProvisioner(transfer.Config{
			MaxChunkSize: cfg.Transfer.MaxChunkSize,
			SessionTTL:   cfg.Transfer.SessionTTL,
		})
		i.Provisioner = mock
		i.Sweeper = mock
	}
	return nil
}

func newSourceStore(ctx context.Context, cfg config.SourceConfig) (source.Store, error) {
	switch cfg.Type {
	case "s3":
		store, err := source.NewS3Store(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init s3 source: %w", err)
		}
		return store, nil
	default:
		return source.NewMemoryStore(), nil
	}
}

// InitRiver initializes the River client on top of a prepared worker
// registry. It is a no-op in memory mode.
func (i *Infrastructure) InitRiver(workers *river.Workers, periodic []*river.PeriodicJob) error {
	if i == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if i.DB == nil {
		return nil
	}
	if err := i.DB.InitRiverClient(workers, periodic, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown(i.Config.Worker.ReleaseTimeout)
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
