package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/lifecycle/internal/health"
	"github.com/vladislavdragonenkov/lifecycle/internal/storage/memory"
	"github.com/vladislavdragonenkov/lifecycle/internal/storage/postgres"
	"github.com/vladislavdragonenkov/lifecycle/internal/storage/redis"
)

// runtimeDependencies: хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	entities        domain.EntityRepository
	events          domain.EventStore
	slaRepo         domain.SLARepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	txManager       domain.TxManager

	// storageChecker равен nil для in-memory хранилища.
	storageChecker healthcheck.Checker
	// idempotencyChecker задан, только когда ключи хранятся в Redis.
	idempotencyChecker healthcheck.Checker
	// idempotencyExpires сообщает, что хранилище ключей само удаляет просроченные записи.
	idempotencyExpires bool

	closeFn func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	var deps runtimeDependencies

	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		store := memory.NewStore()
		deps.entities = store.Entities()
		deps.events = store.Events()
		deps.slaRepo = store.SLA()
		deps.outboxRepo = store.Outbox()
		deps.txManager = store.TxManager()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		deps.closeFn = func() error { return nil }
		logger.Info("using in-memory storage")

	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return runtimeDependencies{}, errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("migrate postgres schema: %w", err)
			}
		}
		deps.entities = store.Entities()
		deps.events = store.Events()
		deps.slaRepo = store.SLA()
		deps.outboxRepo = store.Outbox()
		deps.txManager = store.TxManager()
		deps.idempotencyRepo = store.Idempotency()
		deps.storageChecker = healthcheck.CheckerFunc(store.Ping)
		deps.closeFn = store.Close
		logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("using postgres storage")

	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		repo, err := redis.Open(ctx, redis.Config{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			_ = deps.closeFn()
			return runtimeDependencies{}, fmt.Errorf("open redis: %w", err)
		}
		storeClose := deps.closeFn
		deps.idempotencyRepo = repo
		deps.idempotencyChecker = healthcheck.CheckerFunc(repo.Ping)
		deps.idempotencyExpires = true
		deps.closeFn = func() error {
			return errors.Join(repo.Close(), storeClose())
		}
		logger.WithField("addr", addr).Info("idempotency keys stored in redis")
	}

	return deps, nil
}
