// Package coordinator содержит доменные фасады над движком переходов: чтение с вычисленными
// переходами и SLA-статусом, таймлайн и запуск post-commit обработки.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/sla"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/transition"
	"github.com/vladislavdragonenkov/lifecycle/internal/workflow"
)

// Waker будит обработчик outbox после фиксации. Вызов не должен блокировать.
type Waker interface {
	Trigger()
}

// FlagFunc вычисляет доменные признаки по текущему состоянию.
type FlagFunc func(state domain.State) map[string]bool

// TransitionOption: допустимый следующий шаг.
type TransitionOption struct {
	State       domain.State
	DisplayName string
}

// SLAView: SLA сущности с вычисленным статусом.
type SLAView struct {
	Status     domain.SLAStatus
	Deadline   *time.Time
	BreachedAt *time.Time
}

// View: сущность вместе с производными данными для ответа клиенту.
type View struct {
	Entity               domain.Entity
	StateLabel           string
	AvailableTransitions []TransitionOption
	SLA                  SLAView
	Flags                map[string]bool
}

// TimelineEntry: событие журнала с подписями состояний.
type TimelineEntry struct {
	Event         domain.Event
	TypeLabel     string
	PreviousLabel string
	NewLabel      string
}

// TransitionInput: запрос перехода от клиента.
type TransitionInput struct {
	EntityID    string
	To          domain.State
	Actor       domain.Actor
	Notes       string
	NotifyActor bool
	Metadata    []byte
}

// CreateInput: запрос создания сущности.
type CreateInput struct {
	ID         string
	Reference  string
	Attributes map[string]string
	Actor      domain.Actor
	Notes      string
	Metadata   []byte
}

// Deps: общие зависимости координаторов.
type Deps struct {
	Engine   *transition.Engine
	Entities domain.EntityRepository
	Events   domain.EventStore
	Tracker  *sla.Tracker
	// Waker необязателен: без него outbox обрабатывается по таймеру.
	Waker Waker
}

// Coordinator: фасад одного домена.
type Coordinator struct {
	domain   domain.Domain
	registry *workflow.Registry
	deps     Deps
	flags    FlagFunc
	now      func() time.Time
	logger   *log.Entry
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithClock подменяет источник времени для вычисления SLA-статуса.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New создаёт координатор домена d.
func New(d domain.Domain, deps Deps, flags FlagFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		domain:   d,
		registry: deps.Engine.Registry(),
		deps:     deps,
		flags:    flags,
		now:      time.Now,
		logger:   log.WithFields(log.Fields{"component": "coordinator", "domain": d}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Domain возвращает домен координатора.
func (c *Coordinator) Domain() domain.Domain { return c.domain }

// AvailableTransitions возвращает допустимые переходы в порядке определения.
func (c *Coordinator) AvailableTransitions(ctx context.Context, id string) ([]TransitionOption, error) {
	entity, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.options(entity.State)
}

// Get возвращает сущность с вычисленными переходами, SLA-статусом и признаками.
func (c *Coordinator) Get(ctx context.Context, id string) (View, error) {
	entity, err := c.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	return c.view(ctx, entity)
}

// Transition выполняет переход и будит обработку побочных эффектов, не дожидаясь её.
func (c *Coordinator) Transition(ctx context.Context, in TransitionInput) (View, error) {
	res, err := c.deps.Engine.AttemptTransition(ctx, transition.Request{
		EntityID:    in.EntityID,
		Domain:      c.domain,
		To:          in.To,
		Actor:       in.Actor,
		Notes:       in.Notes,
		NotifyActor: in.NotifyActor,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return View{}, err
	}

	c.wake()
	return c.committedView(ctx, res.Entity), nil
}

// Create создаёт сущность домена в начальном состоянии.
func (c *Coordinator) Create(ctx context.Context, in CreateInput) (View, error) {
	res, err := c.deps.Engine.Create(ctx, transition.CreateRequest{
		ID:         in.ID,
		Domain:     c.domain,
		Reference:  in.Reference,
		Attributes: in.Attributes,
		Actor:      in.Actor,
		Notes:      in.Notes,
		Metadata:   in.Metadata,
	})
	if err != nil {
		return View{}, err
	}

	c.wake()
	return c.committedView(ctx, res.Entity), nil
}

// AddNote добавляет заметку в журнал сущности.
func (c *Coordinator) AddNote(ctx context.Context, id string, actor domain.Actor, notes string) (domain.Event, error) {
	return c.deps.Engine.AddNote(ctx, transition.NoteRequest{
		EntityID: id,
		Domain:   c.domain,
		Actor:    actor,
		Notes:    notes,
	})
}

// Timeline возвращает журнал сущности от старых событий к новым с подписями.
func (c *Coordinator) Timeline(ctx context.Context, id string) ([]TimelineEntry, error) {
	entity, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	events, err := c.deps.Events.ListByEntity(ctx, entity.ID)
	if err != nil {
		return nil, domain.PersistenceError("list events", err)
	}

	states, err := domain.ReplayStates(events)
	switch {
	case err != nil:
		c.logger.WithError(err).WithField("entity_id", entity.ID).Error("event history is inconsistent")
	case len(states) > 0 && states[len(states)-1] != entity.State:
		c.logger.WithFields(log.Fields{
			"entity_id": entity.ID,
			"replayed":  states[len(states)-1],
			"stored":    entity.State,
		}).Error("event history does not match stored state")
	}

	entries := make([]TimelineEntry, 0, len(events))
	for _, ev := range events {
		entry := TimelineEntry{Event: ev, TypeLabel: eventTypeLabel(ev.Type)}
		if ev.PreviousState != "" {
			entry.PreviousLabel = c.registry.DisplayName(c.domain, ev.PreviousState)
		}
		if ev.NewState != "" {
			entry.NewLabel = c.registry.DisplayName(c.domain, ev.NewState)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *Coordinator) load(ctx context.Context, id string) (domain.Entity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Entity{}, domain.ErrEntityIDRequired
	}

	entity, err := c.deps.Entities.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrEntityNotFound) {
			return domain.Entity{}, err
		}
		return domain.Entity{}, domain.PersistenceError("get entity", err)
	}
	if entity.Domain != c.domain {
		return domain.Entity{}, domain.ErrEntityNotFound
	}
	return entity, nil
}

func (c *Coordinator) options(state domain.State) ([]TransitionOption, error) {
	allowed, err := c.registry.AllowedTransitions(c.domain, state)
	if err != nil {
		return nil, err
	}
	options := make([]TransitionOption, 0, len(allowed))
	for _, s := range allowed {
		options = append(options, TransitionOption{State: s, DisplayName: c.registry.DisplayName(c.domain, s)})
	}
	return options, nil
}

func (c *Coordinator) view(ctx context.Context, entity domain.Entity) (View, error) {
	options, err := c.options(entity.State)
	if err != nil {
		return View{}, err
	}
	slaView, err := c.slaView(ctx, entity.ID)
	if err != nil {
		return View{}, err
	}
	return c.assemble(entity, options, slaView), nil
}

// committedView строит ответ после фиксации: сбой чтения производных данных только логируется,
// недоступный SLA оставляет SLAView пустым.
func (c *Coordinator) committedView(ctx context.Context, entity domain.Entity) View {
	logger := c.logger.WithField("entity_id", entity.ID)

	options, err := c.options(entity.State)
	if err != nil {
		logger.WithError(err).Warn("failed to compute transitions after commit")
	}
	slaView, err := c.slaView(ctx, entity.ID)
	if err != nil {
		logger.WithError(err).Warn("failed to read sla after commit")
	}
	return c.assemble(entity, options, slaView)
}

func (c *Coordinator) slaView(ctx context.Context, entityID string) (SLAView, error) {
	record, err := c.deps.Tracker.Lookup(ctx, entityID)
	if err != nil {
		return SLAView{}, err
	}
	view := SLAView{Status: c.deps.Tracker.Status(record, c.now().UTC())}
	if record != nil {
		deadline := record.Deadline
		view.Deadline = &deadline
		view.BreachedAt = record.BreachedAt
	}
	return view, nil
}

func (c *Coordinator) assemble(entity domain.Entity, options []TransitionOption, slaView SLAView) View {
	var flags map[string]bool
	if c.flags != nil {
		flags = c.flags(entity.State)
	}

	return View{
		Entity:               entity,
		StateLabel:           c.registry.DisplayName(c.domain, entity.State),
		AvailableTransitions: options,
		SLA:                  slaView,
		Flags:                flags,
	}
}

func (c *Coordinator) wake() {
	if c.deps.Waker != nil {
		c.deps.Waker.Trigger()
	}
}

func eventTypeLabel(t domain.EventType) string {
	switch t {
	case domain.EventCreated:
		return "Created"
	case domain.EventStatusChange:
		return "Status changed"
	case domain.EventNoteAdded:
		return "Note added"
	default:
		return string(t)
	}
}
