// Package transition реализует единственный путь записи текущего состояния сущностей.
//
// Каждый переход фиксируется одной единицей работы: сущность, событие журнала,
// SLA-запись и outbox-сообщение либо сохраняются вместе, либо не сохраняются вовсе.
package transition

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/lifecycle/internal/metrics"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/sla"
	"github.com/vladislavdragonenkov/lifecycle/internal/workflow"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 10 * time.Millisecond
)

// Request: запрос на переход сущности в новое состояние.
type Request struct {
	EntityID string
	// Domain ограничивает поиск доменом; пустое значение принимает домен сущности.
	Domain      domain.Domain
	To          domain.State
	Actor       domain.Actor
	Notes       string
	NotifyActor bool
	Metadata    []byte
}

// Result: зафиксированный переход.
type Result struct {
	Entity   domain.Entity
	Previous domain.State
	Event    domain.Event
	Outbox   domain.OutboxMessage
}

// CreateRequest: запрос на создание сущности в начальном состоянии домена.
type CreateRequest struct {
	// ID генерируется, если не задан.
	ID         string
	Domain     domain.Domain
	Reference  string
	Attributes map[string]string
	Actor      domain.Actor
	Notes      string
	Metadata   []byte
}

// NoteRequest: запрос на добавление заметки в журнал.
type NoteRequest struct {
	EntityID string
	Domain   domain.Domain
	Actor    domain.Actor
	Notes    string
	Metadata []byte
}

// Engine проверяет и фиксирует переходы.
type Engine struct {
	registry    *workflow.Registry
	txm         domain.TxManager
	tracker     *sla.Tracker
	metrics     *metrics.LifecycleMetrics
	logger      *log.Entry
	now         func() time.Time
	maxAttempts int
	baseDelay   time.Duration
}

// Option настраивает Engine.
type Option func(*Engine)

// WithMetrics подключает метрики переходов.
func WithMetrics(m *metrics.LifecycleMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRetry задаёт число попыток при конфликте версий и базовую задержку backoff.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			e.baseDelay = baseDelay
		}
	}
}

// NewEngine создаёт движок переходов.
func NewEngine(registry *workflow.Registry, txm domain.TxManager, tracker *sla.Tracker, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		txm:         txm,
		tracker:     tracker,
		logger:      log.WithField("component", "transition-engine"),
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Registry возвращает реестр машин состояний движка.
func (e *Engine) Registry() *workflow.Registry { return e.registry }

// AttemptTransition проверяет переход и атомарно фиксирует его.
//
// Недопустимый переход возвращает *domain.IllegalTransitionError и ничего не записывает.
// Ошибки хранилища оборачиваются в domain.ErrPersistence.
func (e *Engine) AttemptTransition(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.Actor = req.Actor.Normalize()

	if err := validateTransition(req); err != nil {
		return Result{}, err
	}

	var (
		result Result
		err    error
	)
	delay := e.baseDelay
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		result, err = e.commitTransition(ctx, req)
		if err == nil || !domain.IsVersionConflict(err) {
			break
		}
		e.metrics.RecordVersionRetry(metricsDomain(req.Domain, result.Entity.Domain))
		if attempt == e.maxAttempts {
			break
		}

		e.logger.WithFields(log.Fields{
			"entity_id": req.EntityID,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("version conflict detected, retrying")

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	err = classify("transition", err)
	e.metrics.RecordTransition(metricsDomain(req.Domain, result.Entity.Domain), resultLabel(err), time.Since(started))

	if err != nil {
		if _, illegal := domain.IsIllegalTransition(err); !illegal && !errors.Is(err, domain.ErrEntityNotFound) {
			e.logger.WithError(err).WithFields(log.Fields{
				"entity_id": req.EntityID,
				"to":        req.To,
			}).Error("transition failed")
		}
		return Result{}, err
	}

	e.logger.WithFields(log.Fields{
		"entity_id": result.Entity.ID,
		"domain":    result.Entity.Domain,
		"from":      result.Previous,
		"to":        result.Entity.State,
		"actor":     result.Event.Actor.Type,
	}).Info("transition committed")
	return result, nil
}

func (e *Engine) commitTransition(ctx context.Context, req Request) (Result, error) {
	var result Result

	err := e.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		entity, err := tx.GetForUpdate(ctx, req.EntityID)
		if err != nil {
			return err
		}
		if req.Domain != "" && entity.Domain != req.Domain {
			return domain.ErrEntityNotFound
		}
		// Домен известен и для отказов: метрики не должны падать в unknown.
		result.Entity.Domain = entity.Domain

		def, err := e.registry.Definition(entity.Domain)
		if err != nil {
			return err
		}
		if !def.CanTransition(entity.State, req.To) {
			return &domain.IllegalTransitionError{
				Domain:  entity.Domain,
				From:    entity.State,
				To:      req.To,
				Allowed: def.Allowed(entity.State),
			}
		}

		now := e.now().UTC()
		op, err := e.tracker.OnTransition(entity.ID, entity.Domain, req.To, now)
		if err != nil {
			return err
		}

		previous := entity.State
		entity.State = req.To
		entity.UpdatedAt = now
		if err := tx.SaveEntity(ctx, entity); err != nil {
			return err
		}
		entity.Version++

		event, err := tx.AppendEvent(ctx, domain.Event{
			EntityID:      entity.ID,
			Domain:        entity.Domain,
			Type:          domain.EventStatusChange,
			PreviousState: previous,
			NewState:      req.To,
			Actor:         req.Actor,
			Notes:         req.Notes,
			Metadata:      req.Metadata,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}

		if err := op.Apply(ctx, tx); err != nil {
			return err
		}

		msg, err := enqueue(ctx, tx, domain.OutboxEventTransitionCommitted, event, req.NotifyActor)
		if err != nil {
			return err
		}

		result = Result{Entity: entity, Previous: previous, Event: event, Outbox: msg}
		return nil
	})

	return result, err
}

// Create создаёт сущность в начальном состоянии домена с событием created.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (Result, error) {
	started := time.Now()
	req.ID = strings.TrimSpace(req.ID)
	req.Actor = req.Actor.Normalize()

	if req.Domain == "" {
		return Result{}, domain.ErrDomainRequired
	}
	if !req.Actor.Type.Valid() {
		return Result{}, domain.ErrActorTypeInvalid
	}
	initial, err := e.registry.InitialState(req.Domain)
	if err != nil {
		return Result{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var result Result
	err = e.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		now := e.now().UTC()
		entity := domain.Entity{
			ID:         req.ID,
			Domain:     req.Domain,
			State:      initial,
			Reference:  req.Reference,
			Attributes: req.Attributes,
			Version:    0,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.CreateEntity(ctx, entity); err != nil {
			return err
		}

		event, err := tx.AppendEvent(ctx, domain.Event{
			EntityID:  entity.ID,
			Domain:    entity.Domain,
			Type:      domain.EventCreated,
			NewState:  initial,
			Actor:     req.Actor,
			Notes:     req.Notes,
			Metadata:  req.Metadata,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		op, err := e.tracker.OnTransition(entity.ID, entity.Domain, initial, now)
		if err != nil {
			return err
		}
		if err := op.Apply(ctx, tx); err != nil {
			return err
		}

		msg, err := enqueue(ctx, tx, domain.OutboxEventEntityCreated, event, false)
		if err != nil {
			return err
		}

		result = Result{Entity: entity.Clone(), Event: event, Outbox: msg}
		return nil
	})

	err = classify("create", err)
	e.metrics.RecordTransition(string(req.Domain), resultLabel(err), time.Since(started))
	if err != nil {
		return Result{}, err
	}

	e.logger.WithFields(log.Fields{
		"entity_id": result.Entity.ID,
		"domain":    result.Entity.Domain,
		"state":     result.Entity.State,
	}).Info("entity created")
	return result, nil
}

// AddNote добавляет заметку в журнал сущности, не меняя её состояние.
func (e *Engine) AddNote(ctx context.Context, req NoteRequest) (domain.Event, error) {
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.Notes = strings.TrimSpace(req.Notes)
	req.Actor = req.Actor.Normalize()

	switch {
	case req.EntityID == "":
		return domain.Event{}, domain.ErrEntityIDRequired
	case req.Notes == "":
		return domain.Event{}, domain.ErrNoteRequired
	case !req.Actor.Type.Valid():
		return domain.Event{}, domain.ErrActorTypeInvalid
	}

	var event domain.Event
	err := e.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		entity, err := tx.GetForUpdate(ctx, req.EntityID)
		if err != nil {
			return err
		}
		if req.Domain != "" && entity.Domain != req.Domain {
			return domain.ErrEntityNotFound
		}

		event, err = tx.AppendEvent(ctx, domain.Event{
			EntityID:  entity.ID,
			Domain:    entity.Domain,
			Type:      domain.EventNoteAdded,
			Actor:     req.Actor,
			Notes:     req.Notes,
			Metadata:  req.Metadata,
			CreatedAt: e.now().UTC(),
		})
		return err
	})
	if err := classify("add note", err); err != nil {
		return domain.Event{}, err
	}
	return event, nil
}

func enqueue(ctx context.Context, tx domain.Tx, eventType string, event domain.Event, notifyActor bool) (domain.OutboxMessage, error) {
	payload, err := json.Marshal(domain.TransitionCommitted{
		EventID:       event.ID,
		EntityID:      event.EntityID,
		Domain:        event.Domain,
		PreviousState: event.PreviousState,
		NewState:      event.NewState,
		ActorType:     event.Actor.Type,
		ActorID:       event.Actor.ID,
		NotifyActor:   notifyActor,
		OccurredAt:    event.CreatedAt,
	})
	if err != nil {
		return domain.OutboxMessage{}, err
	}

	return tx.EnqueueOutbox(ctx, domain.OutboxMessage{
		AggregateType: string(event.Domain),
		AggregateID:   event.EntityID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     event.CreatedAt,
	})
}

func validateTransition(req Request) error {
	switch {
	case req.EntityID == "":
		return domain.ErrEntityIDRequired
	case strings.TrimSpace(string(req.To)) == "":
		return domain.ErrStateRequired
	case !req.Actor.Type.Valid():
		return domain.ErrActorTypeInvalid
	case req.Domain != "" && !req.Domain.Valid():
		return domain.ErrUnknownDomain
	}
	return nil
}

// classify оставляет ожидаемые исходы как есть, а остальное превращает в ErrPersistence.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrEntityNotFound),
		errors.Is(err, domain.ErrEntityAlreadyExists),
		errors.Is(err, domain.ErrUnknownDomain),
		errors.Is(err, domain.ErrUnknownState),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return domain.PersistenceError(op, err)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultCommitted
	case errors.Is(err, domain.ErrIllegalTransition):
		return metrics.ResultIllegal
	case errors.Is(err, domain.ErrEntityNotFound):
		return metrics.ResultNotFound
	default:
		return metrics.ResultFailed
	}
}

func metricsDomain(requested, actual domain.Domain) string {
	if actual != "" {
		return string(actual)
	}
	if requested != "" {
		return string(requested)
	}
	return "unknown"
}
