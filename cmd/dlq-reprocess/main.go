package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/outbox"
)

const (
	clientID           = "lifecycle-dlq-reprocess"
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envBrokers         = "LIFECYCLE_KAFKA_BROKERS"
)

var (
	errNoOriginalPayload = errors.New("outbox dead letter does not carry the original payload")
	errUnrecognized      = errors.New("unrecognized dead letter format")
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	// entityID ограничивает повтор сообщениями одной сущности.
	entityID    string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

// dlqSource читает DLQ по партициям.
type dlqSource interface {
	Partitions(topic string) ([]int32, error)
	OffsetRange(topic string, partition int32) (oldest, newest int64, err error)
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replaySender interface {
	Send(ctx context.Context, m kafka.Message) error
	Close() error
}

type saramaSource struct {
	client   sarama.Client
	consumer sarama.Consumer
}

func (s saramaSource) Partitions(topic string) ([]int32, error) { return s.client.Partitions(topic) }

func (s saramaSource) OffsetRange(topic string, partition int32) (int64, int64, error) {
	oldest, err := s.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := s.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	return oldest, newest, nil
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := s.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (s saramaSource) Close() error {
	return errors.Join(s.consumer.Close(), s.client.Close())
}

var openSource = func(brokers []string) (dlqSource, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return saramaSource{client: client, consumer: consumer}, nil
}

var openSender = func(brokers []string) (replaySender, error) {
	producer, err := kafka.NewProducer(brokers, kafka.WithClientID(clientID))
	if err != nil {
		return nil, err
	}
	return producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := run(context.Background(), cfg); err != nil {
		log.WithError(err).Fatal("dlq replay failed")
	}
}

func readConfig(args []string, getenv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicTransitions, "target topic for outbox events")
	fs.StringVar(&cfg.entityID, "entity", "", "replay only messages of this entity")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish replayed messages; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the latest messages of each partition")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.brokers = parseBrokers(cmp.Or(strings.TrimSpace(brokersRaw), getenv(envBrokers)))
	cfg.entityID = strings.TrimSpace(cfg.entityID)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envBrokers)
	case strings.TrimSpace(cfg.sourceTopic) == "":
		return config{}, errors.New("source-topic is required")
	case strings.TrimSpace(cfg.targetTopic) == "":
		return config{}, errors.New("target-topic is required")
	case cfg.sourceTopic == cfg.targetTopic:
		return config{}, errors.New("source-topic and target-topic must differ")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	source, err := openSource(cfg.brokers)
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	var sender replaySender
	if cfg.execute {
		if sender, err = openSender(cfg.brokers); err != nil {
			return err
		}
		defer func() { _ = sender.Close() }()
	}

	r := &replayer{cfg: cfg, source: source, sender: sender, now: func() time.Time { return time.Now().UTC() }}
	return r.run(ctx)
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

// replayer возвращает сообщения из DLQ в рабочие топики. Без execute только
// перечисляет кандидатов.
type replayer struct {
	cfg    config
	source dlqSource
	sender replaySender
	now    func() time.Time
	stats  replayStats
}

func (r *replayer) run(ctx context.Context) error {
	if r.cfg.execute && r.sender == nil {
		return errors.New("sender is required in execute mode")
	}

	log.WithFields(log.Fields{
		"source_topic": r.cfg.sourceTopic,
		"target_topic": r.cfg.targetTopic,
		"entity_id":    r.cfg.entityID,
		"limit":        r.cfg.limit,
		"execute":      r.cfg.execute,
	}).Info("starting dlq replay")

	partitions, err := r.source.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		if r.stats.processed >= r.cfg.limit {
			break
		}
		if err := r.scanPartition(ctx, partition); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{
		"execute":   r.cfg.execute,
		"processed": r.stats.processed,
		"replayed":  r.stats.replayed,
		"skipped":   r.stats.skipped,
	}).Info("dlq replay finished")
	return nil
}

// scanPartition читает партицию до конца, зафиксированного на старте, до лимита или до простоя.
func (r *replayer) scanPartition(ctx context.Context, partition int32) error {
	oldest, newest, err := r.source.OffsetRange(r.cfg.sourceTopic, partition)
	if err != nil {
		return err
	}
	if newest <= oldest {
		return nil
	}

	start := oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(r.cfg.limit-r.stats.processed), oldest)
	}

	pc, err := r.source.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for r.stats.processed < r.cfg.limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return nil
			}
			idle.Reset(r.cfg.idleTimeout)
			if err := r.handle(ctx, msg); err != nil {
				return err
			}
			if msg.Offset+1 >= newest {
				return nil
			}
		}
	}
	return nil
}

func (r *replayer) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	r.stats.processed++
	logger := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	rp, err := decodeDeadLetter(msg.Value, r.cfg.targetTopic, r.now())
	if err != nil {
		if !errors.Is(err, errUnrecognized) {
			logger.WithError(err).Warn("skip unsupported dlq message")
		}
		r.stats.skipped++
		return nil
	}
	if r.cfg.entityID != "" && rp.entityID != r.cfg.entityID {
		r.stats.skipped++
		return nil
	}

	if !r.cfg.execute {
		logger.WithFields(log.Fields{"target_topic": rp.msg.Topic, "key": rp.msg.Key}).Info("dlq replay candidate")
		r.stats.replayed++
		return nil
	}
	if err := r.sender.Send(ctx, rp.msg); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	r.stats.replayed++
	return nil
}

type replay struct {
	msg      kafka.Message
	entityID string
}

// decodeDeadLetter распознаёт оба формата DLQ: запись консьюмера (kafka.DeadLetterRecord)
// и конверт outbox с outbox.DeadLetter внутри. Счётчик попыток у повтора сбрасывается.
func decodeDeadLetter(value []byte, outboxTopic string, now time.Time) (replay, error) {
	headers := map[string]string{kafka.HeaderRetryCount: "0"}

	var record kafka.DeadLetterRecord
	if err := json.Unmarshal(value, &record); err == nil && record.OriginalValue != "" {
		return replay{
			msg: kafka.Message{
				Topic:   cmp.Or(strings.TrimSpace(record.OriginalTopic), outboxTopic),
				Key:     record.OriginalKey,
				Value:   []byte(record.OriginalValue),
				Headers: headers,
			},
			entityID: record.OriginalKey,
		}, nil
	}

	var envelope kafka.OutboxEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replay{}, errUnrecognized
	}
	var dead outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return replay{}, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(dead.Payload) == 0 || string(dead.Payload) == "null" {
		return replay{}, errNoOriginalPayload
	}

	original := kafka.OutboxEnvelope{
		ID:            cmp.Or(dead.OutboxID, envelope.ID),
		AggregateType: cmp.Or(dead.AggregateType, envelope.AggregateType),
		AggregateID:   cmp.Or(dead.AggregateID, envelope.AggregateID),
		EventType:     cmp.Or(dead.EventType, envelope.EventType),
		Payload:       dead.Payload,
		OccurredAt:    envelope.OccurredAt,
		PublishedAt:   now,
	}
	encoded, err := json.Marshal(original)
	if err != nil {
		return replay{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	return replay{
		msg: kafka.Message{
			Topic:   outboxTopic,
			Key:     cmp.Or(original.AggregateID, original.ID),
			Value:   encoded,
			Headers: headers,
		},
		entityID: original.AggregateID,
	}, nil
}
