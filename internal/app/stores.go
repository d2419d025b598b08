// Package app assembles the storage backend shared by the server and the CLI.
package app

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-budget-transfers/internal/config"
	"github.com/pesio-ai/be-budget-transfers/internal/database"
	"github.com/pesio-ai/be-budget-transfers/internal/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
	"github.com/pesio-ai/be-budget-transfers/internal/repository/memory"
	"github.com/pesio-ai/be-budget-transfers/internal/service"
)

// Services bundles the service layer.
type Services struct {
	Stores    service.Stores
	Pivot     *service.PivotFundService
	Engine    *service.WorkflowEngine
	Transfers *service.TransferService
	Templates *service.TemplateService
}

// NewServices wires the services over stores.
func NewServices(stores service.Stores, locker service.Locker, notifier service.NotificationPublisherInterface, log *logger.Logger) *Services {
	pivot := service.NewPivotFundService(stores, log)
	engine := service.NewWorkflowEngine(stores, pivot, notifier, log)
	return &Services{
		Stores:    stores,
		Pivot:     pivot,
		Engine:    engine,
		Transfers: service.NewTransferService(stores, engine, pivot, locker, log),
		Templates: service.NewTemplateService(stores, log),
	}
}

// MemoryStores returns stores backed by a fresh in-memory store.
func MemoryStores(store *memory.Store) service.Stores {
	return service.Stores{
		Tx:          store,
		Templates:   store.Templates(),
		Workflows:   store.Workflows(),
		Assignments: store.Assignments(),
		Actions:     store.Actions(),
		Users:       store.Users(),
		Ledger:      store.Ledger(),
		Permissions: store.Permissions(),
		Transfers:   store.Transfers(),
	}
}

// PostgresStores returns stores backed by db.
func PostgresStores(db *database.DB) service.Stores {
	return service.Stores{
		Tx:          db,
		Templates:   repository.NewWorkflowTemplateRepository(db),
		Workflows:   repository.NewWorkflowInstanceRepository(db),
		Assignments: repository.NewStageAssignmentRepository(db),
		Actions:     repository.NewApprovalActionRepository(db),
		Users:       repository.NewUserRepository(db),
		Ledger:      repository.NewPivotFundRepository(db),
		Permissions: repository.NewTransferPermissionRepository(db),
		Transfers:   repository.NewTransferRepository(db),
	}
}

// Connect opens the postgres pool described by cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		User:        cfg.User,
		Password:    cfg.Password,
		Database:    cfg.Database,
		SSLMode:     cfg.SSLMode,
		MaxConns:    cfg.MaxConns,
		MinConns:    cfg.MinConns,
		MaxConnTime: cfg.MaxConnTime,
		MaxIdleTime: cfg.MaxIdleTime,
		HealthCheck: cfg.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

// OpenStores opens the configured backend. The returned func releases it.
func OpenStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (service.Stores, func(), error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		log.Warn().Msg("Using in-memory storage; data is lost on restart")
		return MemoryStores(memory.New()), func() {}, nil
	}

	db, err := Connect(ctx, cfg.Database)
	if err != nil {
		return service.Stores{}, nil, err
	}
	log.Info().Msg("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(log.Logger); err != nil {
			db.Close()
			return service.Stores{}, nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return PostgresStores(db), db.Close, nil
}
