package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/sla"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/transition"
	"github.com/vladislavdragonenkov/lifecycle/internal/workflow"
)

func newPostgresEngine(t *testing.T, store *Store) (*transition.Engine, *sla.Tracker) {
	t.Helper()

	registry := workflow.MustDefault()
	tracker := sla.NewTracker(registry, store.SLA())
	engine := transition.NewEngine(registry, store.TxManager(), tracker, transition.WithRetry(5, 5*time.Millisecond))
	return engine, tracker
}

func TestLifecycle_PostgresTransitionFlow(t *testing.T) {
	store := integrationStore(t)
	engine, tracker := newPostgresEngine(t, store)
	ctx := context.Background()
	actor := domain.Actor{Type: domain.ActorAdmin, ID: "op-1"}

	_, err := engine.Create(ctx, transition.CreateRequest{
		ID: "ord-pg-1", Domain: domain.DomainOrder, Reference: "A-1",
		Attributes: map[string]string{"channel": "web"}, Actor: actor,
	})
	require.NoError(t, err)

	for _, to := range []workflow.OrderState{workflow.OrderConfirmed, workflow.OrderProcessing, workflow.OrderShipped} {
		_, err := engine.AttemptTransition(ctx, transition.Request{
			EntityID: "ord-pg-1", Domain: domain.DomainOrder, To: to.State(), Actor: actor,
		})
		require.NoError(t, err)
	}

	_, err = engine.AttemptTransition(ctx, transition.Request{
		EntityID: "ord-pg-1", Domain: domain.DomainOrder, To: workflow.OrderCancelled.State(), Actor: actor,
	})
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	entity, err := store.Entities().Get(ctx, "ord-pg-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.OrderShipped.State(), entity.State)
	assert.EqualValues(t, 3, entity.Version)
	assert.Equal(t, "web", entity.Attributes["channel"])

	events, err := store.Events().ListByEntity(ctx, "ord-pg-1")
	require.NoError(t, err)
	states, err := domain.ReplayStates(events)
	require.NoError(t, err)
	assert.Equal(t, []domain.State{"pending", "confirmed", "processing", "shipped"}, states)

	record, err := tracker.Lookup(ctx, "ord-pg-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, workflow.OrderShipped.State(), record.State)

	stats, err := store.Outbox().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.PendingCount)
}

func TestLifecycle_PostgresConcurrentTransitions(t *testing.T) {
	store := integrationStore(t)
	engine, _ := newPostgresEngine(t, store)
	ctx := context.Background()

	_, err := engine.Create(ctx, transition.CreateRequest{ID: "shp-pg-1", Domain: domain.DomainShipment})
	require.NoError(t, err)

	const workers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		illegal int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.AttemptTransition(ctx, transition.Request{
				EntityID: "shp-pg-1", Domain: domain.DomainShipment, To: workflow.ShipmentLabelCreated.State(),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case domain.IsRetryable(err):
				t.Errorf("unexpected persistence error: %v", err)
			default:
				illegal++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, illegal)

	events, err := store.Events().ListByEntity(ctx, "shp-pg-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestLifecycle_PostgresSweepAndEventsAreAppendOnly(t *testing.T) {
	store := integrationStore(t)
	engine, tracker := newPostgresEngine(t, store)
	ctx := context.Background()

	_, err := engine.Create(ctx, transition.CreateRequest{ID: "ret-pg-1", Domain: domain.DomainReturnRequest})
	require.NoError(t, err)

	later := time.Now().UTC().Add(25 * time.Hour)
	flagged, err := tracker.SweepBreaches(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	flagged, err = tracker.SweepBreaches(ctx, later)
	require.NoError(t, err)
	assert.Zero(t, flagged, "sweep must be idempotent")

	reports, err := tracker.ListBreached(ctx, domain.DomainReturnRequest, later)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.InDelta(t, 1.0, reports[0].HoursOverdue, 0.1)

	_, err = store.DB().ExecContext(ctx, `DELETE FROM lifecycle_events WHERE entity_id = $1`, "ret-pg-1")
	require.Error(t, err)
}
