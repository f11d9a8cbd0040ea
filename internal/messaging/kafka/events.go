package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

// EventType определяет тип события в топиках сервиса.
type EventType string

const (
	EventTypeEntityCreated       EventType = domain.OutboxEventEntityCreated
	EventTypeTransitionCommitted EventType = domain.OutboxEventTransitionCommitted
	// EventTypeNotification: запрос на уведомление участников о переходе.
	EventTypeNotification EventType = "lifecycle.notification_requested"
)

// Topics для Kafka
const (
	TopicTransitions     = "lifecycle.transitions"
	TopicNotifications   = "lifecycle.notifications"
	TopicDeadLetterQueue = "lifecycle.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"

	HeaderEventType = "x-event-type"
	HeaderOutboxID  = "x-outbox-id"
)

// OutboxEnvelope: сообщение outbox в топике переходов.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NotificationEvent: запрос на уведомление о зафиксированном переходе.
type NotificationEvent struct {
	EventType     EventType     `json:"event_type"`
	EntityID      string        `json:"entity_id"`
	Domain        domain.Domain `json:"domain"`
	PreviousState domain.State  `json:"previous_state"`
	NewState      domain.State  `json:"new_state"`
	Timestamp     time.Time     `json:"timestamp"`
}

// NewNotificationEvent создает событие уведомления
func NewNotificationEvent(entityID string, d domain.Domain, previous, next domain.State) *NotificationEvent {
	return &NotificationEvent{
		EventType:     EventTypeNotification,
		EntityID:      entityID,
		Domain:        d,
		PreviousState: previous,
		NewState:      next,
		Timestamp:     time.Now().UTC(),
	}
}

// ParseNotificationEvent парсит NotificationEvent из сообщения
func ParseNotificationEvent(message *sarama.ConsumerMessage) (*NotificationEvent, error) {
	var event NotificationEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification event: %w", err)
	}
	if event.EntityID == "" || !event.Domain.Valid() {
		return nil, fmt.Errorf("notification event is incomplete: entity=%q domain=%q", event.EntityID, event.Domain)
	}
	return &event, nil
}

// ParseOutboxEnvelope парсит OutboxEnvelope из сообщения
func ParseOutboxEnvelope(message *sarama.ConsumerMessage) (*OutboxEnvelope, error) {
	var envelope OutboxEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outbox envelope: %w", err)
	}
	return &envelope, nil
}
