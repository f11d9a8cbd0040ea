package kafka

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

var errPublisherNotReady = errors.New("kafka outbox publisher is not initialized")

// OutboxTopicPublisher публикует outbox-сообщения в один Kafka topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт паблишер; пустой topic означает TopicTransitions.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    cmp.Or(topic, TopicTransitions),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish отправляет конверт с ключом по сущности: переходы одной сущности
// попадают в одну партицию и читаются по порядку.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotReady
	}
	return p.producer.PublishEventWithHeaders(ctx, p.topic, cmp.Or(msg.AggregateID, msg.ID), envelopeFor(msg, p.now()), map[string]string{
		HeaderEventType: msg.EventType,
		HeaderOutboxID:  msg.ID,
	})
}

func envelopeFor(msg domain.OutboxMessage, publishedAt time.Time) OutboxEnvelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return OutboxEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		OccurredAt:    msg.CreatedAt,
		PublishedAt:   publishedAt,
	}
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
