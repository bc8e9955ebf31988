// Package app assembles the commissioner from configuration: repositories,
// the lock manager, the audit ledger, the task registry, the executor and the
// recovery loop.
package app

import (
	"context"
	"fmt"

	"github.com/clusterctl/commissioner/internal/config"
	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/core/services"
	"github.com/clusterctl/commissioner/internal/core/tasks"
	"github.com/clusterctl/commissioner/internal/infrastructure/db"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/clusterctl/commissioner/internal/infrastructure/remote"
	"gorm.io/gorm"
)

type App struct {
	Commissioner ports.Commissioner
	Progress     ports.ProgressService
	Ledger       ports.AuditLedger
	Locks        ports.LockManager
	Recovery     ports.RecoveryService
	Executor     *services.Executor

	cfg    *config.Config
	log    *logger.Logger
	cancel context.CancelFunc
}

// Options override collaborators that are normally built from config.
type Options struct {
	Nodes   ports.NodeOperator
	OwnerID string
}

func New(cfg *config.Config, database *gorm.DB, log *logger.Logger, opts Options) (*App, error) {
	taskRepo := db.NewTaskRepository(database, log)
	resourceRepo := db.NewResourceRepository(database, log)
	auditRepo := db.NewAuditRepository(database, log)
	ownerRepo := db.NewOwnerRepository(database, log)

	nodes := opts.Nodes
	if nodes == nil {
		opCfg, err := remote.NodeOperatorConfigFrom(cfg.Remote, log)
		if err != nil {
			return nil, fmt.Errorf("remote config: %w", err)
		}
		nodes = remote.NewNodeOperator(opCfg)
	}

	registry := services.NewRegistry()
	if err := tasks.RegisterAll(registry, tasks.Deps{
		Nodes:          nodes,
		Resources:      resourceRepo,
		DefaultUser:    cfg.Remote.User,
		DefaultPort:    cfg.Remote.Port,
		CommandTimeout: cfg.Remote.CommandTimeout,
	}); err != nil {
		return nil, fmt.Errorf("register task handlers: %w", err)
	}

	ownerID := opts.OwnerID
	if ownerID == "" {
		ownerID = services.NewOwnerID()
	}

	locks := services.NewLockManager(resourceRepo, log)
	ledger := services.NewLedgerService(services.LedgerServiceConfig{
		Audit:  auditRepo,
		Tasks:  taskRepo,
		Logger: log,
	})
	executor := services.NewExecutor(services.ExecutorConfig{
		Workers:   cfg.Executor.Workers,
		QueueSize: cfg.Executor.QueueSize,
		Logger:    log,
	})
	runner := services.NewTaskRunner(services.TaskRunnerConfig{
		Tasks:         taskRepo,
		Registry:      registry,
		Locks:         locks,
		Ledger:        ledger,
		Logger:        log,
		OwnerID:       ownerID,
		EncryptionKey: cfg.Security.DetailsEncryptionKey,
	})

	return &App{
		Commissioner: services.NewCommissioner(services.CommissionerConfig{
			Registry: registry,
			Executor: executor,
			Runner:   runner,
			Tasks:    taskRepo,
			Locks:    locks,
			Ledger:   ledger,
			Lookup:   resourceRepo,
			Logger:   log,
		}),
		Progress: services.NewProgressService(taskRepo),
		Ledger:   ledger,
		Locks:    locks,
		Recovery: services.NewRecoveryService(services.RecoveryServiceConfig{
			Owners:            ownerRepo,
			Tasks:             taskRepo,
			Locks:             locks,
			Ledger:            ledger,
			Runner:            runner,
			Logger:            log,
			OwnerID:           ownerID,
			HeartbeatInterval: cfg.Recovery.HeartbeatInterval,
			OwnerTTL:          cfg.Recovery.OwnerTTL,
			ScanInterval:      cfg.Recovery.ScanInterval,
		}),
		Executor: executor,
		cfg:      cfg,
		log:      log,
	}, nil
}

// Start registers this process as a task owner, fails the work orphaned by
// dead owners and then starts the workers. The heartbeat and periodic scan run
// until Stop.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.cfg.Features.EnableRecovery {
		if err := a.Recovery.Register(ctx); err != nil {
			cancel()
			return fmt.Errorf("register owner: %w", err)
		}
		n, err := a.Recovery.Scan(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("initial recovery scan: %w", err)
		}
		a.log.Infow("startup_recovery_done", "owner_id", a.Recovery.OwnerID(), "recovered", n)
		go a.Recovery.Run(runCtx)
	}

	a.Executor.Start(runCtx)
	return nil
}

// Stop refuses new work and waits for running tasks until ctx expires.
func (a *App) Stop(ctx context.Context) error {
	err := a.Executor.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	return err
}
