package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "lifecycle-service"

// Message: JSON-сообщение, готовое к отправке.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// ProducerOption настраивает Producer.
type ProducerOption func(*producerOptions)

type producerOptions struct {
	clientID string
	logger   *log.Entry
}

// WithClientID переопределяет client.id (relay и CLI представляются отдельно от сервиса).
func WithClientID(id string) ProducerOption {
	return func(o *producerOptions) {
		if id != "" {
			o.clientID = id
		}
	}
}

// WithProducerLogger задаёт logger продюсера.
func WithProducerLogger(logger *log.Entry) ProducerOption {
	return func(o *producerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Producer: синхронный идемпотентный продюсер JSON-событий.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

func newProducerOptions(opts []ProducerOption) producerOptions {
	o := producerOptions{
		clientID: defaultClientID,
		logger:   log.WithField("component", "kafka-producer"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// producerConfig: подтверждение от всех in-sync реплик и идемпотентная запись,
// поэтому допускается только один in-flight запрос на брокер.
func producerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string, opts ...ProducerOption) (*Producer, error) {
	o := newProducerOptions(opts)

	producer, err := sarama.NewSyncProducer(brokers, producerConfig(o.clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &Producer{producer: producer, logger: o.logger}, nil
}

// NewProducerWithSync оборачивает готовый SyncProducer (например, sarama/mocks).
func NewProducerWithSync(producer sarama.SyncProducer, opts ...ProducerOption) *Producer {
	o := newProducerOptions(opts)
	return &Producer{producer: producer, logger: o.logger}
}

// PublishEvent сериализует event в JSON и публикует его.
func (p *Producer) PublishEvent(ctx context.Context, topic string, key string, event any) error {
	return p.PublishEventWithHeaders(ctx, topic, key, event, nil)
}

// PublishEventWithHeaders публикует событие с дополнительными заголовками.
func (p *Producer) PublishEventWithHeaders(ctx context.Context, topic string, key string, event any, headers map[string]string) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.Send(ctx, Message{Topic: topic, Key: key, Value: value, Headers: headers})
}

// Send публикует уже сериализованное сообщение.
func (p *Producer) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic:     m.Topic,
		Key:       sarama.StringEncoder(m.Key),
		Value:     sarama.ByteEncoder(m.Value),
		Headers:   recordHeaders(m.Headers),
		Timestamp: time.Now(),
	}

	fields := log.Fields{"topic": m.Topic, "key": m.Key}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.WithFields(fields).WithFields(log.Fields{
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")
	return nil
}

// recordHeaders сортирует заголовки по ключу, чтобы порядок не зависел от map.
func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(headers[k])})
	}
	return out
}

// Close закрывает producer.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
