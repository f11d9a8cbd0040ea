package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

// Store: in-memory хранилище сущностей, журнала, SLA и outbox для разработки и тестов.
// Единица работы держит эксклюзивную блокировку store и применяет записи только при фиксации.
type Store struct {
	mu       sync.RWMutex
	entities map[string]domain.Entity
	events   map[string][]domain.Event
	sla      map[string]domain.SLARecord
	outbox   *OutboxQueue

	commitErr error
}

// NewStore создаёт пустое in-memory хранилище.
func NewStore() *Store {
	return &Store{
		entities: make(map[string]domain.Entity),
		events:   make(map[string][]domain.Event),
		sla:      make(map[string]domain.SLARecord),
		outbox:   NewOutboxQueue(),
	}
}

// Entities возвращает репозиторий чтения сущностей.
func (s *Store) Entities() domain.EntityRepository { return &entityRepositoryInMemory{s: s} }

// Events возвращает журнал событий.
func (s *Store) Events() domain.EventStore { return &eventStoreInMemory{s: s} }

// SLA возвращает репозиторий SLA-записей.
func (s *Store) SLA() domain.SLARepository { return &slaRepositoryInMemory{s: s} }

// Outbox возвращает outbox-репозиторий.
func (s *Store) Outbox() *OutboxQueue { return s.outbox }

// TxManager возвращает менеджер единиц работы.
func (s *Store) TxManager() domain.TxManager { return s }

// InjectCommitFailure заставляет следующую фиксацию завершиться ошибкой (используется в тестах).
func (s *Store) InjectCommitFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// WithinTx выполняет fn в единице работы. Транзакции сериализуются блокировкой store.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:          s,
		entities:   make(map[string]domain.Entity),
		slaUpserts: make(map[string]domain.SLARecord),
		slaDeletes: make(map[string]struct{}),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	if s.commitErr != nil {
		err := s.commitErr
		s.commitErr = nil
		return domain.PersistenceError("commit", err)
	}
	tx.apply()
	return nil
}

// memoryTx накапливает записи до фиксации.
type memoryTx struct {
	s          *Store
	entities   map[string]domain.Entity
	events     []domain.Event
	slaUpserts map[string]domain.SLARecord
	slaDeletes map[string]struct{}
	outbox     []domain.OutboxMessage
}

func (tx *memoryTx) current(id string) (domain.Entity, bool) {
	if e, ok := tx.entities[id]; ok {
		return e, true
	}
	e, ok := tx.s.entities[id]
	return e, ok
}

func (tx *memoryTx) GetForUpdate(_ context.Context, id string) (domain.Entity, error) {
	e, ok := tx.current(id)
	if !ok {
		return domain.Entity{}, domain.ErrEntityNotFound
	}
	return e.Clone(), nil
}

func (tx *memoryTx) CreateEntity(_ context.Context, entity domain.Entity) error {
	if _, exists := tx.current(entity.ID); exists {
		return domain.ErrEntityAlreadyExists
	}
	tx.entities[entity.ID] = entity.Clone()
	return nil
}

func (tx *memoryTx) SaveEntity(_ context.Context, entity domain.Entity) error {
	current, ok := tx.current(entity.ID)
	if !ok {
		return domain.ErrEntityNotFound
	}
	if current.Version != entity.Version {
		return domain.ErrVersionConflict
	}
	// Инкрементируем версию перед сохранением.
	entity.Version++
	tx.entities[entity.ID] = entity.Clone()
	return nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, event domain.Event) (domain.Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	seq := int64(len(tx.s.events[event.EntityID]))
	for _, staged := range tx.events {
		if staged.EntityID == event.EntityID {
			seq++
		}
	}
	event.Sequence = seq + 1
	event.Metadata = append([]byte(nil), event.Metadata...)
	tx.events = append(tx.events, event)
	return event, nil
}

func (tx *memoryTx) UpsertSLA(_ context.Context, record domain.SLARecord) error {
	delete(tx.slaDeletes, record.EntityID)
	tx.slaUpserts[record.EntityID] = cloneSLA(record)
	return nil
}

func (tx *memoryTx) DeleteSLA(_ context.Context, entityID string) error {
	delete(tx.slaUpserts, entityID)
	tx.slaDeletes[entityID] = struct{}{}
	return nil
}

func (tx *memoryTx) EnqueueOutbox(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	tx.outbox = append(tx.outbox, msg)
	return msg, nil
}

// apply вызывается под блокировкой store.
func (tx *memoryTx) apply() {
	for id, e := range tx.entities {
		tx.s.entities[id] = e
	}
	for _, ev := range tx.events {
		tx.s.events[ev.EntityID] = append(tx.s.events[ev.EntityID], ev)
	}
	for id := range tx.slaDeletes {
		delete(tx.s.sla, id)
	}
	for id, rec := range tx.slaUpserts {
		tx.s.sla[id] = rec
	}
	for _, msg := range tx.outbox {
		// Ошибка невозможна: in-memory outbox только добавляет запись.
		_, _ = tx.s.outbox.Enqueue(context.Background(), msg)
	}
}

type entityRepositoryInMemory struct {
	s *Store
}

// Get возвращает сущность или ErrEntityNotFound.
func (r *entityRepositoryInMemory) Get(_ context.Context, id string) (domain.Entity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	e, ok := r.s.entities[id]
	if !ok {
		return domain.Entity{}, domain.ErrEntityNotFound
	}
	return e.Clone(), nil
}

// List возвращает сущности по фильтру, новые первыми.
func (r *entityRepositoryInMemory) List(_ context.Context, filter domain.EntityFilter) ([]domain.Entity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]domain.Entity, 0)
	for _, e := range r.s.entities {
		if filter.Domain != "" && e.Domain != filter.Domain {
			continue
		}
		if filter.State != "" && e.State != filter.State {
			continue
		}
		result = append(result, e.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

var (
	_ domain.TxManager        = (*Store)(nil)
	_ domain.Tx               = (*memoryTx)(nil)
	_ domain.EntityRepository = (*entityRepositoryInMemory)(nil)
)
