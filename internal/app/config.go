package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	rcron "github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Поддерживаемые драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// EnvPrefix: префикс переменных окружения сервиса.
const EnvPrefix = "LIFECYCLE_"

// Config описывает настройки запуска сервиса. Значения читаются из окружения с префиксом LIFECYCLE_.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR"`
	GRPCAddr    string `env:"GRPC_ADDR"`
	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL"`

	StorageDriver       string `env:"STORAGE_DRIVER"`
	PostgresDSN         string `env:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `env:"POSTGRES_AUTO_MIGRATE"`

	// KafkaBrokers: список брокеров через запятую; пустое значение отключает Kafka.
	KafkaBrokers     string `env:"KAFKA_BROKERS"`
	KafkaTransitions string `env:"KAFKA_TRANSITIONS_TOPIC"`

	// RedisAddr включает хранение ключей идемпотентности в Redis.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	SLAAtRiskWindow  time.Duration `env:"SLA_AT_RISK_WINDOW"`
	SLASweepSchedule string        `env:"SLA_SWEEP_SCHEDULE"`

	TransitionMaxAttempts int           `env:"TRANSITION_MAX_ATTEMPTS"`
	TransitionRetryDelay  time.Duration `env:"TRANSITION_RETRY_DELAY"`

	HookMaxAttempts int           `env:"HOOK_MAX_ATTEMPTS"`
	HookRetryDelay  time.Duration `env:"HOOK_RETRY_DELAY"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `env:"OUTBOX_RETRY_DELAY"`
	// OutboxMaxAge: возраст старейшего неотправленного события, после которого сервис degraded.
	OutboxMaxAge time.Duration `env:"OUTBOX_MAX_AGE"`

	// HealthSyncInterval: период публикации результата проверок в gRPC health.
	HealthSyncInterval time.Duration `env:"HEALTH_SYNC_INTERVAL"`

	IdempotencyTTL              time.Duration `env:"IDEMPOTENCY_TTL"`
	IdempotencyCleanupInterval  time.Duration `env:"IDEMPOTENCY_CLEANUP_INTERVAL"`
	IdempotencyCleanupBatchSize int           `env:"IDEMPOTENCY_CLEANUP_BATCH_SIZE"`
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		LogLevel:                    "info",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		KafkaTransitions:            "lifecycle.transitions",
		SLAAtRiskWindow:             2 * time.Hour,
		SLASweepSchedule:            "@every 1m",
		TransitionMaxAttempts:       3,
		TransitionRetryDelay:        10 * time.Millisecond,
		HookMaxAttempts:             3,
		HookRetryDelay:              100 * time.Millisecond,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            50 * time.Millisecond,
		OutboxMaxAge:                5 * time.Minute,
		HealthSyncInterval:          10 * time.Second,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// LoadConfig накладывает переменные окружения на DefaultConfig и проверяет результат.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	if c.GRPCAddr == "" {
		errs = append(errs, errors.New("grpc addr is required"))
	}
	if c.MetricsAddr == "" {
		errs = append(errs, errors.New("metrics addr is required"))
	}

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.SLAAtRiskWindow <= 0 {
		errs = append(errs, errors.New("sla at-risk window must be positive"))
	}
	if _, err := rcron.ParseStandard(c.SLASweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("sla sweep schedule %q: %w", c.SLASweepSchedule, err))
	}
	if c.TransitionMaxAttempts <= 0 || c.HookMaxAttempts <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}
	if c.OutboxPollInterval <= 0 || c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("outbox poll interval and batch size must be positive"))
	}
	if c.HealthSyncInterval <= 0 {
		errs = append(errs, errors.New("health sync interval must be positive"))
	}
	if c.IdempotencyTTL <= 0 || c.IdempotencyCleanupInterval <= 0 || c.IdempotencyCleanupBatchSize <= 0 {
		errs = append(errs, errors.New("idempotency ttl, cleanup interval and batch size must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Brokers возвращает список брокеров Kafka без пустых элементов.
func (c Config) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
