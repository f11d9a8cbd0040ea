package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/lifecycle/internal/health"
	"github.com/vladislavdragonenkov/lifecycle/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/lifecycle/internal/metrics"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/coordinator"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/hooks"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/idempotency"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/invoice"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/outbox"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/payment"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/sla"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/transition"
	"github.com/vladislavdragonenkov/lifecycle/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/lifecycle/internal/version"
	"github.com/vladislavdragonenkov/lifecycle/internal/workflow"
)

// services: собранный граф компонентов сервиса.
type services struct {
	registry     *workflow.Registry
	tracker      *sla.Tracker
	engine       *transition.Engine
	coordinators *coordinator.Set
	dispatcher   *hooks.Dispatcher
	outboxWorker *outbox.Worker
	scheduler    *sla.Scheduler
	// cleanupWorker равен nil, когда хранилище ключей удаляет их само.
	cleanupWorker *idempotency.CleanupWorker
	api           *httpapi.Handler
	health        *healthcheck.Handler
}

// buildServices связывает хранилища, движок переходов, хуки и транспорт.
// producer может быть nil: тогда уведомления пишутся в лог, а outbox обслуживает только хуки.
func buildServices(cfg Config, deps runtimeDependencies, producer *kafka.Producer, logger *log.Entry) (*services, error) {
	registry, err := workflow.NewDefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("workflow registry: %w", err)
	}

	lifecycleMetrics := metrics.NewLifecycleMetrics()

	tracker := sla.NewTracker(registry, deps.slaRepo,
		sla.WithAtRiskWindow(cfg.SLAAtRiskWindow),
		sla.WithMetrics(lifecycleMetrics),
		sla.WithLogger(logger.WithField("component", "sla-tracker")),
	)

	engine := transition.NewEngine(registry, deps.txManager, tracker,
		transition.WithMetrics(lifecycleMetrics),
		transition.WithRetry(cfg.TransitionMaxAttempts, cfg.TransitionRetryDelay),
		transition.WithLogger(logger.WithField("component", "transition-engine")),
	)

	var notifier domain.Notifier = hooks.NewLogNotifier(logger.WithField("component", "notifier"))
	if producer != nil {
		notifier = kafka.NewNotifier(producer)
	}

	dispatcher := hooks.NewDispatcher(
		[]hooks.Hook{
			hooks.NewNotifyHook(notifier),
			hooks.NewInvoiceHook(invoice.NewMockGenerator()),
			hooks.NewPaymentHook(payment.NewMockLedger()),
		},
		hooks.WithMarkers(deps.idempotencyRepo),
		hooks.WithRetry(cfg.HookMaxAttempts, cfg.HookRetryDelay),
		hooks.WithMetrics(lifecycleMetrics),
		hooks.WithLogger(logger.WithField("component", "hook-dispatcher")),
	)

	publishers := []domain.OutboxPublisher{dispatcher}
	workerOpts := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithMetrics(metrics.NewOutboxMetrics(nil)),
	}
	if producer != nil {
		publishers = append(publishers, kafka.NewOutboxPublisher(producer, cfg.KafkaTransitions))
		workerOpts = append(workerOpts, outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)))
	}
	worker := outbox.NewWorker(deps.outboxRepo, outbox.NewMultiPublisher(publishers...), workerOpts...)

	coordinators := coordinator.NewSet(coordinator.Deps{
		Engine:   engine,
		Entities: deps.entities,
		Events:   deps.events,
		Tracker:  tracker,
		Waker:    worker,
	}, coordinator.WithLogger(logger.WithField("component", "coordinator")))

	scheduler, err := sla.NewScheduler(tracker, cfg.SLASweepSchedule,
		sla.WithSchedulerLogger(logger.WithField("component", "sla-scheduler")),
	)
	if err != nil {
		return nil, err
	}

	var cleanup *idempotency.CleanupWorker
	if !deps.idempotencyExpires {
		cleanup = idempotency.NewCleanupWorker(deps.idempotencyRepo,
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
			idempotency.WithMetrics(lifecycleMetrics),
		)
	}

	api := httpapi.NewHandler(coordinators, tracker,
		httpapi.WithIdempotency(deps.idempotencyRepo, cfg.IdempotencyTTL),
		httpapi.WithMetrics(metrics.NewHTTPMetrics(nil)),
		httpapi.WithLogger(logger.WithField("component", "http-api")),
	)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.storageChecker != nil {
		healthHandler.RegisterChecker("storage", deps.storageChecker)
	}
	if deps.idempotencyChecker != nil {
		healthHandler.RegisterChecker("idempotency", deps.idempotencyChecker)
	}
	healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxAge))

	return &services{
		registry:      registry,
		tracker:       tracker,
		engine:        engine,
		coordinators:  coordinators,
		dispatcher:    dispatcher,
		outboxWorker:  worker,
		scheduler:     scheduler,
		cleanupWorker: cleanup,
		api:           api,
		health:        healthHandler,
	}, nil
}
