package dbkernel

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/nexuskernel/dbkernel/internal/backend"
	"github.com/nexuskernel/dbkernel/internal/coordinator"
	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/deadlock"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
	"github.com/nexuskernel/dbkernel/internal/migration"
	"github.com/nexuskernel/dbkernel/internal/perfmon"
	"github.com/nexuskernel/dbkernel/internal/pool"
	"github.com/nexuskernel/dbkernel/internal/tenant"
	"github.com/nexuskernel/dbkernel/internal/txn"
)

// Kernel is one fully wired database access kernel. Exactly one Kernel
// per process is the intended composition; all subsystem state is
// instance-scoped.
type Kernel struct {
	Config Config

	Pool         *pool.Pool
	Coordinator  *coordinator.Coordinator
	Transactions *txn.Coordinator
	Deadlocks    *deadlock.Detector
	Monitor      *perfmon.Monitor
	Migrations   *migration.Engine
	Tenants      *tenant.Controller
	Registry     *prometheus.Registry

	adapters map[dbmodel.BackendKind]backend.Adapter
}

// Open builds and starts every subsystem. Wiring between the transaction
// coordinator, deadlock detector and performance monitor goes through
// their callback surfaces, never direct imports, so the lock-order rules
// stay structural.
func Open(ctx context.Context, cfg Config) (*Kernel, error) {
	adapters := make(map[dbmodel.BackendKind]backend.Adapter)
	if cfg.PrimaryDSN != "" {
		adapters[dbmodel.Primary] = backend.NewPostgres(backend.ConnectConfig{DSN: cfg.PrimaryDSN, ConnectTimeout: cfg.ConnectionTimeout})
	}
	if cfg.LocalPath != "" {
		adapters[dbmodel.Local] = backend.NewSQLite(backend.ConnectConfig{Path: cfg.LocalPath, ConnectTimeout: cfg.ConnectionTimeout})
	}
	if len(adapters) == 0 {
		return nil, dberrors.New(dberrors.KindValidationFailure, "at least one backend (primary_dsn or local_path) must be configured")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := pool.New(cfg.poolConfig(), adapters)
	coord := coordinator.New(p, adapters, cfg.ConnectionTimeout)

	monitor := perfmon.New(perfmon.Config{
		MonitoringInterval: cfg.MonitoringInterval,
		RetentionHours:     24,
		Thresholds:         perfmon.DefaultThresholds(),
	})
	monitor.RegisterPrometheus(registry)

	// The detector and transaction coordinator reference each other only
	// through late-bound closures: the detector's victim/work hooks read
	// txns, and txns registers with the detector.
	var transactions *txn.Coordinator
	detector := deadlock.New(deadlock.Config{
		DetectionInterval: cfg.DetectionInterval,
		Strategy:          deadlock.Strategy(cfg.DeadlockStrategy),
		WorkCounter: func(txID string) int {
			if transactions == nil {
				return 0
			}
			return transactions.OperationCount(txID)
		},
		OnVictim: func(txID string) {
			monitor.RecordDeadlock(txID)
			if transactions != nil {
				transactions.RollbackVictim(txID)
			}
		},
	})

	transactions = txn.New(p, adapters, txn.Config{
		DefaultIsolation: cfg.isolation(),
		DefaultTimeout:   cfg.TxTimeout,
		SweepInterval:    cfg.DetectionInterval,
	}, detector, monitor)

	migrations, err := migration.New(ctx, coord, cfg.BackupDir)
	if err != nil {
		shutdownPartial(ctx, transactions, detector, monitor, coord)
		return nil, err
	}

	tenants, err := tenant.New(ctx, coord)
	if err != nil {
		shutdownPartial(ctx, transactions, detector, monitor, coord)
		return nil, err
	}

	log.Info().
		Str("current_backend", string(coord.Current())).
		Int("backends", len(adapters)).
		Msg("dbkernel: kernel opened")

	return &Kernel{
		Config:       cfg,
		Pool:         p,
		Coordinator:  coord,
		Transactions: transactions,
		Deadlocks:    detector,
		Monitor:      monitor,
		Migrations:   migrations,
		Tenants:      tenants,
		Registry:     registry,
		adapters:     adapters,
	}, nil
}

// Close stops every background worker and releases every connection.
// Idempotent.
func (k *Kernel) Close(ctx context.Context) error {
	if k.Tenants != nil {
		k.Tenants.Shutdown()
	}
	k.Transactions.Shutdown()
	k.Deadlocks.Stop()
	k.Monitor.Stop()
	err := k.Coordinator.Close(ctx)
	log.Info().Msg("dbkernel: kernel closed")
	return err
}

func shutdownPartial(ctx context.Context, transactions *txn.Coordinator, detector *deadlock.Detector, monitor *perfmon.Monitor, coord *coordinator.Coordinator) {
	if transactions != nil {
		transactions.Shutdown()
	}
	detector.Stop()
	monitor.Stop()
	_ = coord.Close(ctx)
}
