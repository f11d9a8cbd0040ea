package outbox

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

// MultiPublisher передаёт сообщение всем publishers по очереди.
// Первая ошибка прерывает цепочку; при повторе уже успешные publishers получат сообщение снова,
// поэтому каждый из них обязан быть идемпотентным.
type MultiPublisher struct {
	publishers []domain.OutboxPublisher
}

// NewMultiPublisher отбрасывает nil-элементы.
func NewMultiPublisher(publishers ...domain.OutboxPublisher) *MultiPublisher {
	mp := &MultiPublisher{}
	for _, p := range publishers {
		if p != nil {
			mp.publishers = append(mp.publishers, p)
		}
	}
	return mp
}

// Len возвращает число подключённых publishers.
func (m *MultiPublisher) Len() int { return len(m.publishers) }

func (m *MultiPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	for i, p := range m.publishers {
		if err := p.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publisher %d: %w", i, err)
		}
	}
	return nil
}

var _ domain.OutboxPublisher = (*MultiPublisher)(nil)
