package domain

import (
	"context"
	"time"
)

// EntityRepository: чтение сущностей вне единицы работы.
// Запись текущего состояния возможна только через Tx.
type EntityRepository interface {
	// Get возвращает сущность или ErrEntityNotFound.
	Get(ctx context.Context, id string) (Entity, error)
	// List возвращает сущности по фильтру, новые первыми.
	List(ctx context.Context, filter EntityFilter) ([]Entity, error)
}

// EventStore: append-only журнал переходов. Обновления и удаления не поддерживаются.
type EventStore interface {
	// Append доверяет вызывающему: валидация уже выполнена движком переходов.
	Append(ctx context.Context, event Event) (string, error)
	// ListByEntity возвращает события сущности от старых к новым.
	ListByEntity(ctx context.Context, entityID string) ([]Event, error)
}

// SLARepository: чтение и обслуживание SLA-записей.
type SLARepository interface {
	Get(ctx context.Context, entityID string) (SLARecord, error)
	// SweepBreaches помечает просроченные записи и возвращает только что помеченные.
	SweepBreaches(ctx context.Context, now time.Time) ([]SLARecord, error)
	// ListBreached возвращает помеченные записи; пустой domain означает все домены.
	ListBreached(ctx context.Context, domain Domain, limit int) ([]SLARecord, error)
	// ListDueBetween возвращает непомеченные (is_breached=false) записи с дедлайном в [from, to].
	ListDueBetween(ctx context.Context, domain Domain, from, to time.Time, limit int) ([]SLARecord, error)
}

// Tx - единица работы: все записи внутри неё фиксируются вместе или не фиксируются вовсе.
type Tx interface {
	// GetForUpdate читает сущность и удерживает её до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (Entity, error)
	CreateEntity(ctx context.Context, entity Entity) error
	// SaveEntity сохраняет сущность с проверкой версии и увеличивает её.
	SaveEntity(ctx context.Context, entity Entity) error
	// AppendEvent назначает ID и Sequence и добавляет событие.
	AppendEvent(ctx context.Context, event Event) (Event, error)
	UpsertSLA(ctx context.Context, record SLARecord) error
	DeleteSLA(ctx context.Context, entityID string) error
	EnqueueOutbox(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
}

// TxManager открывает единицу работы. Ошибка fn откатывает все записи.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Notifier: внешний коллаборатор уведомлений. За надёжную доставку отвечает он сам.
type Notifier interface {
	Notify(ctx context.Context, entityID string, domain Domain, previous, next State) error
}

// InvoiceGenerator формирует счёт по доставленному заказу.
type InvoiceGenerator interface {
	Generate(ctx context.Context, orderID string) error
}

// PaymentLedger отмечает оплату заказа завершённой.
type PaymentLedger interface {
	MarkCompleted(ctx context.Context, orderID string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет читать и обслуживать события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	// Release удаляет ключ, чтобы операцию можно было выполнить заново.
	Release(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// Outbox event types.
const (
	OutboxEventEntityCreated       = "lifecycle.entity_created"
	OutboxEventTransitionCommitted = "lifecycle.transition_committed"
)

// TransitionCommitted: полезная нагрузка outbox-сообщения о зафиксированном переходе.
type TransitionCommitted struct {
	EventID       string    `json:"event_id"`
	EntityID      string    `json:"entity_id"`
	Domain        Domain    `json:"domain"`
	PreviousState State     `json:"previous_state,omitempty"`
	NewState      State     `json:"new_state"`
	ActorType     ActorType `json:"actor_type"`
	ActorID       string    `json:"actor_id,omitempty"`
	NotifyActor   bool      `json:"notify_actor"`
	OccurredAt    time.Time `json:"occurred_at"`
}
