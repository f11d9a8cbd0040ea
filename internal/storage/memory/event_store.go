package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

type eventStoreInMemory struct {
	s *Store
}

// Append добавляет событие вне единицы работы (импорт истории, служебные записи).
func (r *eventStoreInMemory) Append(_ context.Context, event domain.Event) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.entities[event.EntityID]; !ok {
		return "", domain.ErrEntityNotFound
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Sequence = int64(len(r.s.events[event.EntityID])) + 1
	event.Metadata = append([]byte(nil), event.Metadata...)
	r.s.events[event.EntityID] = append(r.s.events[event.EntityID], event)
	return event.ID, nil
}

// ListByEntity возвращает события сущности по возрастанию sequence.
func (r *eventStoreInMemory) ListByEntity(_ context.Context, entityID string) ([]domain.Event, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	events := r.s.events[entityID]
	result := make([]domain.Event, len(events))
	for i, ev := range events {
		ev.Metadata = append([]byte(nil), ev.Metadata...)
		result[i] = ev
	}
	return result, nil
}

var _ domain.EventStore = (*eventStoreInMemory)(nil)
