package transition

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/lifecycle/internal/metrics"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/sla"
	"github.com/vladislavdragonenkov/lifecycle/internal/storage/memory"
	"github.com/vladislavdragonenkov/lifecycle/internal/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine  *Engine
	tracker *sla.Tracker
	store   *memory.Store
	clock  *fakeClock
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, txm func(*memory.Store) domain.TxManager) *fixture {
	t.Helper()
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	m := metrics.NewLifecycleMetricsWithRegisterer(reg)
	registry := workflow.MustDefault()

	manager := domain.TxManager(store)
	if txm != nil {
		manager = txm(store)
	}

	tracker := sla.NewTracker(registry, store.SLA(), sla.WithMetrics(m))
	engine := NewEngine(registry, manager, tracker,
		WithMetrics(m),
		WithClock(clock.Now),
		WithRetry(3, time.Millisecond),
	)
	return &fixture{engine: engine, tracker: tracker, store: store, clock: clock, reg: reg}
}

func (f *fixture) create(t *testing.T, d domain.Domain) domain.Entity {
	t.Helper()
	res, err := f.engine.Create(context.Background(), CreateRequest{Domain: d, Reference: "REF-1"})
	require.NoError(t, err)
	return res.Entity
}

func (f *fixture) move(t *testing.T, id string, to domain.State) Result {
	t.Helper()
	res, err := f.engine.AttemptTransition(context.Background(), Request{
		EntityID: id,
		To:       to,
		Actor:    domain.Actor{Type: domain.ActorAdmin, ID: "admin-1", Name: "Ops"},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) events(t *testing.T, id string) []domain.Event {
	t.Helper()
	events, err := f.store.Events().ListByEntity(context.Background(), id)
	require.NoError(t, err)
	return events
}

func TestCreate_InitialStateWithEventAndSLA(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	entity := f.create(t, domain.DomainOrder)
	assert.Equal(t, workflow.OrderPending.State(), entity.State)
	assert.NotEmpty(t, entity.ID)

	events := f.events(t, entity.ID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCreated, events[0].Type)
	assert.Empty(t, events[0].PreviousState)
	assert.Equal(t, workflow.OrderPending.State(), events[0].NewState)
	assert.Equal(t, domain.ActorSystem, events[0].Actor.Type)

	rec, err := f.store.SLA().Get(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(2*time.Hour), rec.Deadline)

	pending := f.store.Outbox().AllPending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OutboxEventEntityCreated, pending[0].EventType)
}

func TestCreate_DuplicateIDAndUnknownDomain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.Create(ctx, CreateRequest{ID: "order-1", Domain: domain.DomainOrder})
	require.NoError(t, err)

	_, err = f.engine.Create(ctx, CreateRequest{ID: "order-1", Domain: domain.DomainOrder})
	assert.ErrorIs(t, err, domain.ErrEntityAlreadyExists)

	_, err = f.engine.Create(ctx, CreateRequest{Domain: "invoice"})
	assert.ErrorIs(t, err, domain.ErrUnknownDomain)

	_, err = f.engine.Create(ctx, CreateRequest{})
	assert.ErrorIs(t, err, domain.ErrDomainRequired)
}

func TestAttemptTransition_ConfirmThenIllegalShip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.create(t, domain.DomainOrder)

	f.clock.Advance(30 * time.Minute)
	res := f.move(t, order.ID, workflow.OrderConfirmed.State())

	assert.Equal(t, workflow.OrderPending.State(), res.Previous)
	assert.Equal(t, workflow.OrderConfirmed.State(), res.Entity.State)
	assert.Equal(t, int64(1), res.Entity.Version)

	rec, err := f.store.SLA().Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(4*time.Hour), rec.Deadline)
	assert.Equal(t, workflow.OrderConfirmed.State(), rec.State)

	events := f.events(t, order.ID)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventStatusChange, events[1].Type)
	assert.Equal(t, workflow.OrderPending.State(), events[1].PreviousState)
	assert.Equal(t, workflow.OrderConfirmed.State(), events[1].NewState)
	assert.Equal(t, domain.ActorAdmin, events[1].Actor.Type)

	outboxBefore := len(f.store.Outbox().AllPending())

	_, err = f.engine.AttemptTransition(ctx, Request{EntityID: order.ID, To: workflow.OrderShipped.State()})
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	illegal, ok := domain.IsIllegalTransition(err)
	require.True(t, ok)
	assert.Equal(t, workflow.OrderConfirmed.State(), illegal.From)
	assert.Equal(t, workflow.OrderShipped.State(), illegal.To)
	assert.Equal(t, []domain.State{workflow.OrderProcessing.State(), workflow.OrderCancelled.State()}, illegal.Allowed)

	stored, err := f.store.Entities().Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.OrderConfirmed.State(), stored.State)
	assert.Len(t, f.events(t, order.ID), 2)
	after, err := f.store.SLA().Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, after)
	assert.Len(t, f.store.Outbox().AllPending(), outboxBefore)

	assert.Equal(t, 1.0, counterValue(t, f.reg, "lifecycle_transitions_total", map[string]string{
		"domain": "order", "result": metrics.ResultIllegal,
	}))
}

func TestAttemptTransition_BreachClearsOnlyOnNextTransition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.create(t, domain.DomainOrder)
	f.move(t, order.ID, workflow.OrderConfirmed.State())

	f.clock.Advance(5 * time.Hour)
	sweptAt := f.clock.Now()
	flagged, err := f.tracker.SweepBreaches(ctx, sweptAt)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	breached, err := f.store.SLA().Get(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, breached.IsBreached)
	require.NotNil(t, breached.BreachedAt)
	assert.Equal(t, sweptAt, *breached.BreachedAt)

	f.clock.Advance(time.Hour)
	flagged, err = f.tracker.SweepBreaches(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, flagged)

	still, err := f.store.SLA().Get(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, still.IsBreached)
	require.NotNil(t, still.BreachedAt)
	assert.Equal(t, sweptAt, *still.BreachedAt, "a later sweep must not move breached_at")

	f.move(t, order.ID, workflow.OrderProcessing.State())

	fresh, err := f.store.SLA().Get(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, fresh.IsBreached)
	assert.Nil(t, fresh.BreachedAt)
	assert.Equal(t, workflow.OrderProcessing.State(), fresh.State)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), fresh.Deadline)
}

func TestAttemptTransition_RefundChainEndsWithoutSLA(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.create(t, domain.DomainOrder)

	for _, s := range []workflow.OrderState{
		workflow.OrderConfirmed, workflow.OrderProcessing, workflow.OrderShipped, workflow.OrderDelivered,
	} {
		f.move(t, order.ID, s.State())
	}
	_, err := f.store.SLA().Get(ctx, order.ID)
	require.ErrorIs(t, err, domain.ErrSLARecordNotFound, "delivered has no deadline")

	before := len(f.events(t, order.ID))
	chain := []workflow.OrderState{workflow.OrderRefundRequested, workflow.OrderRefundProcessing, workflow.OrderRefunded}
	for i, s := range chain {
		f.move(t, order.ID, s.State())
		assert.Len(t, f.events(t, order.ID), before+i+1, "exactly one event per hop")
	}

	_, err = f.store.SLA().Get(ctx, order.ID)
	assert.ErrorIs(t, err, domain.ErrSLARecordNotFound)

	states, err := domain.ReplayStates(f.events(t, order.ID))
	require.NoError(t, err)
	assert.Equal(t, []domain.State{
		"pending", "confirmed", "processing", "shipped", "delivered",
		"refund_requested", "refund_processing", "refunded",
	}, states)
}

func TestAttemptTransition_NoSLAInDeadlineFreeStates(t *testing.T) {
	registry := workflow.MustDefault()

	for _, d := range domain.Domains() {
		def, err := registry.Definition(d)
		require.NoError(t, err)

		for _, target := range def.States() {
			if def.SLAHours(target) != 0 {
				continue
			}
			path := shortestPath(def, def.Initial(), target)
			require.NotNil(t, path, "%s: %s unreachable", d, target)

			t.Run(string(d)+"/"+string(target), func(t *testing.T) {
				f := newFixture(t, nil)
				entity := f.create(t, d)
				for _, s := range path {
					f.move(t, entity.ID, s)
				}

				_, err := f.store.SLA().Get(context.Background(), entity.ID)
				assert.ErrorIs(t, err, domain.ErrSLARecordNotFound)

				states, err := domain.ReplayStates(f.events(t, entity.ID))
				require.NoError(t, err)
				assert.Equal(t, append([]domain.State{def.Initial()}, path...), states)
			})
		}
	}
}

func TestAttemptTransition_SelfTransitionIsIllegal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, d := range domain.Domains() {
		entity := f.create(t, d)
		_, err := f.engine.AttemptTransition(ctx, Request{EntityID: entity.ID, To: entity.State})
		assert.ErrorIs(t, err, domain.ErrIllegalTransition, "%s", d)
		assert.Len(t, f.events(t, entity.ID), 1)
	}
}

func TestAttemptTransition_UnknownTargetIsIllegal(t *testing.T) {
	f := newFixture(t, nil)
	shipment := f.create(t, domain.DomainShipment)

	_, err := f.engine.AttemptTransition(context.Background(), Request{EntityID: shipment.ID, To: "teleported"})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestAttemptTransition_NotFoundAndDomainMismatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.AttemptTransition(ctx, Request{EntityID: "missing", To: "confirmed"})
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)

	order := f.create(t, domain.DomainOrder)
	_, err = f.engine.AttemptTransition(ctx, Request{EntityID: order.ID, Domain: domain.DomainShipment, To: "label_created"})
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestAttemptTransition_ValidatesRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{name: "missing id", req: Request{To: "confirmed"}, want: domain.ErrEntityIDRequired},
		{name: "missing state", req: Request{EntityID: "order-1"}, want: domain.ErrStateRequired},
		{name: "bad actor", req: Request{EntityID: "order-1", To: "confirmed", Actor: domain.Actor{Type: "robot"}}, want: domain.ErrActorTypeInvalid},
		{name: "bad domain", req: Request{EntityID: "order-1", Domain: "invoice", To: "paid"}, want: domain.ErrUnknownDomain},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.AttemptTransition(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAttemptTransition_CommitFailureIsRetryableAndNothingApplied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.create(t, domain.DomainOrder)
	slaBefore, err := f.store.SLA().Get(ctx, order.ID)
	require.NoError(t, err)
	outboxBefore := len(f.store.Outbox().AllPending())

	f.store.InjectCommitFailure(errors.New("connection lost"))
	_, err = f.engine.AttemptTransition(ctx, Request{EntityID: order.ID, To: workflow.OrderConfirmed.State()})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	stored, err := f.store.Entities().Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.OrderPending.State(), stored.State)
	assert.Len(t, f.events(t, order.ID), 1)
	slaAfter, err := f.store.SLA().Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, slaBefore, slaAfter)
	assert.Len(t, f.store.Outbox().AllPending(), outboxBefore)

	// Повтор после сбоя проходит.
	f.move(t, order.ID, workflow.OrderConfirmed.State())
}

func TestAttemptTransition_RetriesVersionConflicts(t *testing.T) {
	var conflicts *conflictingTxManager
	f := newFixture(t, func(s *memory.Store) domain.TxManager {
		conflicts = &conflictingTxManager{inner: s, remaining: 2}
		return conflicts
	})
	order := f.create(t, domain.DomainOrder)
	conflicts.calls = 0

	res := f.move(t, order.ID, workflow.OrderConfirmed.State())
	assert.Equal(t, workflow.OrderConfirmed.State(), res.Entity.State)
	assert.Equal(t, 3, conflicts.calls)
	assert.Len(t, f.events(t, order.ID), 2)
}

func TestAttemptTransition_VersionConflictExhausted(t *testing.T) {
	f := newFixture(t, func(s *memory.Store) domain.TxManager {
		return &conflictingTxManager{inner: s, remaining: 10}
	})
	order := f.create(t, domain.DomainOrder)

	_, err := f.engine.AttemptTransition(context.Background(), Request{EntityID: order.ID, To: workflow.OrderConfirmed.State()})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Len(t, f.events(t, order.ID), 1)
}

func TestAttemptTransition_ConcurrentSameEntitySerialized(t *testing.T) {
	f := newFixture(t, nil)
	order := f.create(t, domain.DomainOrder)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		illegals int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.AttemptTransition(context.Background(), Request{EntityID: order.ID, To: workflow.OrderConfirmed.State()})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrIllegalTransition):
				illegals++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, illegals)
	assert.Len(t, f.events(t, order.ID), 2)
}

func TestAttemptTransition_OutboxPayload(t *testing.T) {
	f := newFixture(t, nil)
	shipment := f.create(t, domain.DomainShipment)

	res, err := f.engine.AttemptTransition(context.Background(), Request{
		EntityID:    shipment.ID,
		To:          workflow.ShipmentLabelCreated.State(),
		Actor:       domain.Actor{Type: domain.ActorUser, ID: "u-7"},
		NotifyActor: true,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OutboxEventTransitionCommitted, res.Outbox.EventType)
	assert.Equal(t, shipment.ID, res.Outbox.AggregateID)
	assert.Equal(t, string(domain.DomainShipment), res.Outbox.AggregateType)

	var payload domain.TransitionCommitted
	require.NoError(t, json.Unmarshal(res.Outbox.Payload, &payload))
	assert.Equal(t, res.Event.ID, payload.EventID)
	assert.Equal(t, workflow.ShipmentPending.State(), payload.PreviousState)
	assert.Equal(t, workflow.ShipmentLabelCreated.State(), payload.NewState)
	assert.Equal(t, domain.ActorUser, payload.ActorType)
	assert.True(t, payload.NotifyActor)
}

func TestAddNote(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ret := f.create(t, domain.DomainReturnRequest)

	ev, err := f.engine.AddNote(ctx, NoteRequest{EntityID: ret.ID, Notes: "  customer sent photos  ", Actor: domain.Actor{Type: domain.ActorUser, ID: "c-1"}})
	require.NoError(t, err)
	assert.Equal(t, domain.EventNoteAdded, ev.Type)
	assert.Equal(t, "customer sent photos", ev.Notes)
	assert.Equal(t, int64(2), ev.Sequence)

	stored, err := f.store.Entities().Get(ctx, ret.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ReturnRequested.State(), stored.State)
	assert.Equal(t, int64(0), stored.Version)

	states, err := domain.ReplayStates(f.events(t, ret.ID))
	require.NoError(t, err)
	assert.Equal(t, []domain.State{workflow.ReturnRequested.State()}, states)

	_, err = f.engine.AddNote(ctx, NoteRequest{EntityID: ret.ID, Notes: "   "})
	assert.ErrorIs(t, err, domain.ErrNoteRequired)
	_, err = f.engine.AddNote(ctx, NoteRequest{EntityID: "missing", Notes: "x"})
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
}

// conflictingTxManager возвращает конфликт версий на первых remaining сохранениях.
type conflictingTxManager struct {
	inner     domain.TxManager
	remaining int
	calls     int
}

func (m *conflictingTxManager) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	m.calls++
	return m.inner.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return fn(ctx, &conflictingTx{Tx: tx, m: m})
	})
}

type conflictingTx struct {
	domain.Tx
	m *conflictingTxManager
}

func (tx *conflictingTx) SaveEntity(ctx context.Context, entity domain.Entity) error {
	if tx.m.remaining > 0 {
		tx.m.remaining--
		return domain.ErrVersionConflict
	}
	return tx.Tx.SaveEntity(ctx, entity)
}

func shortestPath(def *workflow.Definition, from, to domain.State) []domain.State {
	type node struct {
		state domain.State
		path  []domain.State
	}
	queue := []node{{state: from}}
	seen := map[domain.State]bool{from: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.state == to {
			return cur.path
		}
		for _, next := range def.Allowed(cur.state) {
			if seen[next] {
				continue
			}
			seen[next] = true
			path := append(append([]domain.State(nil), cur.path...), next)
			queue = append(queue, node{state: next, path: path})
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}
