package kafka

import (
	"context"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

// Notifier передаёт уведомления в топик lifecycle.notifications.
// Надёжную доставку получателям обеспечивает notification-relay.
type Notifier struct {
	producer *Producer
	topic    string
}

// NewNotifier создаёт Kafka-реализацию domain.Notifier.
func NewNotifier(producer *Producer) *Notifier {
	return &Notifier{producer: producer, topic: TopicNotifications}
}

func (n *Notifier) Notify(ctx context.Context, entityID string, d domain.Domain, previous, next domain.State) error {
	return n.producer.PublishEvent(ctx, n.topic, entityID, NewNotificationEvent(entityID, d, previous, next))
}

var _ domain.Notifier = (*Notifier)(nil)
