package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

const (
	defaultConsumerClientID = "lifecycle-consumer"
	defaultMaxRetries       = 3
	defaultRetryDelay       = 200 * time.Millisecond
)

// MessageHandler обрабатывает одно сообщение.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// DeadLetterRecord кладётся в DLQ, когда обработчик исчерпал попытки.
type DeadLetterRecord struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	Error             string    `json:"error_message"`
	Attempts          int       `json:"retry_count"`
	FailedAt          time.Time `json:"failed_at"`
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetterProducer включает отправку в DLQ. Без него сообщение после
// исчерпания попыток остаётся неподтверждённым.
func WithDeadLetterProducer(p *Producer) ConsumerOption {
	return func(c *Consumer) { c.dlq = p }
}

// WithMaxRetries задаёт общее число попыток, включая уже сделанные (x-retry-count).
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay задаёт паузу между попытками. 0 отключает паузу.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.retryDelay = max(d, 0) }
}

// WithConsumerLogger задаёт logger.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Consumer читает топики в consumer group, повторяет неудачную обработку и
// перекладывает безнадёжные сообщения в DLQ.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler MessageHandler
	dlq     *Producer
	logger  *log.Entry
	now     func() time.Time

	maxRetries int
	retryDelay time.Duration

	wg sync.WaitGroup
}

func consumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = defaultConsumerClientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	return config
}

// NewConsumer подключается к брокерам в составе группы groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return NewConsumerFromGroup(group, topics, handler, opts...), nil
}

// NewConsumerFromGroup оборачивает готовую consumer group.
func NewConsumerFromGroup(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:      group,
		topics:     topics,
		handler:    handler,
		logger:     log.WithField("component", "kafka-consumer"),
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start запускает чтение в фоне и возвращается сразу.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		// Consume завершается на каждом rebalance, поэтому вызывается в цикле.
		for ctx.Err() == nil {
			err := c.group.Consume(ctx, c.topics, c)
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if err != nil {
				c.logger.WithError(err).Error("consume session failed")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim подтверждает сообщение, если оно обработано или ушло в DLQ.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			if err := c.process(ctx, msg); err != nil {
				c.logger.WithError(err).WithFields(messageFields(msg)).
					Error("message left unacknowledged")
				continue
			}
			session.MarkMessage(msg, "")
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	attempts := retryCount(msg)
	for {
		err := c.handler(ctx, msg)
		if err == nil {
			return nil
		}
		attempts++
		if attempts >= c.maxRetries {
			return c.deadLetter(ctx, msg, err, attempts)
		}

		c.logger.WithError(err).WithFields(messageFields(msg)).
			WithField("attempt", attempts).Warn("handler failed, retrying")
		if err := pause(ctx, c.retryDelay); err != nil {
			return err
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause error, attempts int) error {
	if c.dlq == nil {
		return fmt.Errorf("handler failed after %d attempts: %w", attempts, cause)
	}

	failedAt := c.now()
	value, err := json.Marshal(DeadLetterRecord{
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		OriginalKey:       string(msg.Key),
		OriginalValue:     string(msg.Value),
		Error:             cause.Error(),
		Attempts:          attempts,
		FailedAt:          failedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	err = c.dlq.Send(ctx, Message{
		Topic: TopicDeadLetterQueue,
		Key:   string(msg.Key),
		Value: value,
		Headers: map[string]string{
			HeaderRetryCount:    strconv.Itoa(attempts),
			HeaderOriginalTopic: msg.Topic,
			HeaderErrorMessage:  cause.Error(),
			HeaderFailedAt:      failedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}

	c.logger.WithFields(messageFields(msg)).WithField("attempts", attempts).Info("message moved to dlq")
	return nil
}

// retryCount читает x-retry-count; отсутствующий или битый заголовок считается нулём.
func retryCount(msg *sarama.ConsumerMessage) int {
	for _, h := range msg.Headers {
		if h == nil || string(h.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}

func messageFields(msg *sarama.ConsumerMessage) log.Fields {
	return log.Fields{"topic": msg.Topic, "partition": msg.Partition, "offset": msg.Offset}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NotificationHandler доставляет события из lifecycle.notifications получателю.
func NotificationHandler(notifier domain.Notifier) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseNotificationEvent(message)
		if err != nil {
			return err
		}
		return notifier.Notify(ctx, event.EntityID, event.Domain, event.PreviousState, event.NewState)
	}
}
