// Command notification-relay читает запросы на уведомления из Kafka и доставляет их получателю.
// Сообщения, не доставленные после всех попыток, уходят в DLQ.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	env "github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/hooks"
)

type config struct {
	Brokers    string `env:"KAFKA_BROKERS"`
	GroupID    string `env:"RELAY_GROUP_ID" envDefault:"lifecycle-notification-relay"`
	Topic      string `env:"RELAY_TOPIC" envDefault:"lifecycle.notifications"`
	MaxRetries int    `env:"RELAY_MAX_RETRIES" envDefault:"3"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c config) brokers() []string {
	var out []string
	for _, b := range strings.Split(c.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func readConfig() (config, error) {
	var cfg config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "LIFECYCLE_"}); err != nil {
		return config{}, fmt.Errorf("parse env: %w", err)
	}
	switch {
	case len(cfg.brokers()) == 0:
		return config{}, errors.New("LIFECYCLE_KAFKA_BROKERS is required")
	case strings.TrimSpace(cfg.GroupID) == "":
		return config{}, errors.New("consumer group id is required")
	case strings.TrimSpace(cfg.Topic) == "":
		return config{}, errors.New("topic is required")
	case cfg.MaxRetries <= 0:
		return config{}, errors.New("max retries must be > 0")
	}
	return cfg, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig()
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("notification relay завершился с ошибкой")
	}
	log.Info("notification relay остановлен")
}

func run(ctx context.Context, cfg config) error {
	logger := log.WithField("component", "notification-relay")

	dlqProducer, err := kafka.NewProducer(cfg.brokers(),
		kafka.WithClientID("lifecycle-notification-relay"),
		kafka.WithProducerLogger(logger.WithField("layer", "dlq")),
	)
	if err != nil {
		return fmt.Errorf("create dlq producer: %w", err)
	}
	defer func() {
		if err := dlqProducer.Close(); err != nil {
			logger.WithError(err).Warn("failed to close dlq producer")
		}
	}()

	handler := kafka.NotificationHandler(hooks.NewLogNotifier(logger.WithField("layer", "notifier")))
	consumer, err := kafka.NewConsumer(cfg.brokers(), cfg.GroupID, []string{cfg.Topic}, handler,
		kafka.WithDeadLetterProducer(dlqProducer),
		kafka.WithMaxRetries(cfg.MaxRetries),
		kafka.WithConsumerLogger(logger.WithField("layer", "consumer")),
	)
	if err != nil {
		return err
	}

	if err := consumer.Start(ctx); err != nil {
		return err
	}
	logger.WithFields(log.Fields{
		"topic":       cfg.Topic,
		"group_id":    cfg.GroupID,
		"max_retries": cfg.MaxRetries,
	}).Info("notification relay started")

	<-ctx.Done()
	return consumer.Stop()
}
