package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

const defaultOutboxBatch = 100

type outboxState uint8

const (
	outboxPending outboxState = iota
	outboxSent
	outboxFailed
)

type outboxEntry struct {
	msg       domain.OutboxMessage
	state     outboxState
	attempts  int
	updatedAt time.Time
}

// OutboxQueue: in-memory outbox. Сообщения хранятся в порядке постановки,
// поэтому PullPending и Stats не сортируют.
type OutboxQueue struct {
	mu      sync.RWMutex
	entries []*outboxEntry
	byID    map[string]*outboxEntry
	now     func() time.Time
}

// NewOutboxQueue создаёт пустую очередь вне Store.
func NewOutboxQueue() *OutboxQueue {
	return &OutboxQueue{
		byID: make(map[string]*outboxEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (q *OutboxQueue) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.Payload = append([]byte(nil), msg.Payload...)

	entry := &outboxEntry{msg: msg, state: outboxPending, updatedAt: now}
	q.entries = append(q.entries, entry)
	q.byID[msg.ID] = entry
	return msg, nil
}

// PullPending отдаёт до limit pending-сообщений в порядке постановки.
func (q *OutboxQueue) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}
	return q.pending(limit), nil
}

func (q *OutboxQueue) Stats(context.Context) (domain.OutboxStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var stats domain.OutboxStats
	for _, e := range q.entries {
		if e.state != outboxPending {
			continue
		}
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = e.msg.CreatedAt
		}
		stats.PendingCount++
	}
	return stats, nil
}

func (q *OutboxQueue) MarkSent(_ context.Context, id string) error {
	return q.mark(id, outboxSent)
}

func (q *OutboxQueue) MarkFailed(_ context.Context, id string) error {
	return q.mark(id, outboxFailed)
}

func (q *OutboxQueue) mark(id string, state outboxState) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.byID[id]
	if !ok {
		return domain.ErrOutboxMessageMiss
	}
	entry.state = state
	entry.attempts++
	entry.updatedAt = q.now()
	return nil
}

// AllPending возвращает все pending-сообщения; нужен тестам движка.
func (q *OutboxQueue) AllPending() []domain.OutboxMessage {
	return q.pending(0)
}

// pending копирует до limit pending-сообщений; limit <= 0 снимает ограничение.
func (q *OutboxQueue) pending(limit int) []domain.OutboxMessage {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []domain.OutboxMessage
	for _, e := range q.entries {
		if limit > 0 && len(out) == limit {
			break
		}
		if e.state == outboxPending {
			msg := e.msg
			msg.Payload = append([]byte(nil), e.msg.Payload...)
			out = append(out, msg)
		}
	}
	return out
}

var _ domain.OutboxRepository = (*OutboxQueue)(nil)
