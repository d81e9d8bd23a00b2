package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
	"github.com/vladislavdragonenkov/orderhub/internal/seed"
	"github.com/vladislavdragonenkov/orderhub/internal/storage/memory"
	"github.com/vladislavdragonenkov/orderhub/internal/storage/postgres"
)

// runtimeDependencies — хранилище и его роли, нужные приложению.
type runtimeDependencies struct {
	uow     domain.UnitOfWork
	outbox  domain.OutboxRepository
	janitor domain.IdempotencyJanitor
	catalog seed.Catalog
	ping    func(ctx context.Context) error
	close   func() error
}

// initRuntimeDependencies открывает хранилище по cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		store := memory.NewStore()
		logger.Info("storage: in-memory")
		return runtimeDependencies{
			uow:     store,
			outbox:  store.Outbox(),
			janitor: store,
			catalog: store,
			ping:    store.Ping,
			close:   func() error { return nil },
		}, nil

	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return runtimeDependencies{}, fmt.Errorf("postgres storage requires OMS_POSTGRES_DSN")
		}

		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("migrate postgres: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		logger.Info("storage: postgres")
		return runtimeDependencies{
			uow:     store,
			outbox:  postgres.NewOutboxRepository(store),
			janitor: store,
			catalog: store,
			ping:    store.Ping,
			close:   store.Close,
		}, nil

	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}
