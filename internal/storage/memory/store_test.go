package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

func seedEntity(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		if err := tx.CreateEntity(ctx, domain.Entity{
			ID: id, Domain: domain.DomainOrder, State: "pending", CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, domain.Event{
			EntityID: id, Domain: domain.DomainOrder, Type: domain.EventCreated, NewState: "pending",
		})
		return err
	})
	require.NoError(t, err)
}

func TestStore_WithinTxCommitsAllWrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedEntity(t, s, "order-1")

	deadline := time.Now().UTC().Add(4 * time.Hour)
	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		e, err := tx.GetForUpdate(ctx, "order-1")
		if err != nil {
			return err
		}
		e.State = "confirmed"
		if err := tx.SaveEntity(ctx, e); err != nil {
			return err
		}
		ev, err := tx.AppendEvent(ctx, domain.Event{
			EntityID: "order-1", Type: domain.EventStatusChange, PreviousState: "pending", NewState: "confirmed",
		})
		if err != nil {
			return err
		}
		assert.Equal(t, int64(2), ev.Sequence)
		if err := tx.UpsertSLA(ctx, domain.SLARecord{EntityID: "order-1", Domain: domain.DomainOrder, State: "confirmed", Deadline: deadline}); err != nil {
			return err
		}
		_, err = tx.EnqueueOutbox(ctx, domain.OutboxMessage{AggregateID: "order-1"})
		return err
	})
	require.NoError(t, err)

	e, err := s.Entities().Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.State("confirmed"), e.State)
	assert.Equal(t, int64(1), e.Version)

	events, err := s.Events().ListByEntity(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	states, err := domain.ReplayStates(events)
	require.NoError(t, err)
	assert.Equal(t, []domain.State{"pending", "confirmed"}, states)

	rec, err := s.SLA().Get(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, rec.Deadline.Equal(deadline))

	assert.Len(t, s.Outbox().AllPending(), 1)
}

func TestStore_WithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedEntity(t, s, "order-1")

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		e, err := tx.GetForUpdate(ctx, "order-1")
		if err != nil {
			return err
		}
		e.State = "cancelled"
		if err := tx.SaveEntity(ctx, e); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, domain.Event{EntityID: "order-1", Type: domain.EventStatusChange}); err != nil {
			return err
		}
		if _, err := tx.EnqueueOutbox(ctx, domain.OutboxMessage{AggregateID: "order-1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	e, err := s.Entities().Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.State("pending"), e.State)

	events, err := s.Events().ListByEntity(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Empty(t, s.Outbox().AllPending())
}

func TestStore_InjectedCommitFailureDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.InjectCommitFailure(errors.New("disk full"))

	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.CreateEntity(ctx, domain.Entity{ID: "order-1", Domain: domain.DomainOrder, State: "pending"})
	})
	require.ErrorIs(t, err, domain.ErrPersistence)

	_, err = s.Entities().Get(ctx, "order-1")
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)

	// Сбой одноразовый.
	err = s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.CreateEntity(ctx, domain.Entity{ID: "order-1", Domain: domain.DomainOrder, State: "pending"})
	})
	require.NoError(t, err)
}

func TestStore_SaveEntityVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedEntity(t, s, "order-1")

	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		e, err := tx.GetForUpdate(ctx, "order-1")
		if err != nil {
			return err
		}
		e.Version = 7
		return tx.SaveEntity(ctx, e)
	})
	assert.True(t, domain.IsVersionConflict(err))
}

func TestStore_CreateEntityDuplicate(t *testing.T) {
	s := NewStore()
	seedEntity(t, s, "order-1")

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		return tx.CreateEntity(ctx, domain.Entity{ID: "order-1", Domain: domain.DomainOrder, State: "pending"})
	})
	assert.ErrorIs(t, err, domain.ErrEntityAlreadyExists)
}

func TestStore_ListEntitiesByFilter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedEntity(t, s, "order-1")
	seedEntity(t, s, "order-2")

	list, err := s.Entities().List(ctx, domain.EntityFilter{Domain: domain.DomainOrder, State: "pending", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.Entities().List(ctx, domain.EntityFilter{Domain: domain.DomainShipment})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEventStore_AppendOutsideTx(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedEntity(t, s, "order-1")

	id, err := s.Events().Append(ctx, domain.Event{EntityID: "order-1", Type: domain.EventNoteAdded, Notes: "called customer"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.Events().Append(ctx, domain.Event{EntityID: "missing", Type: domain.EventNoteAdded})
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)

	events, err := s.Events().ListByEntity(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[1].Sequence)
}

func TestSLARepository_SweepAndQueries(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		for _, rec := range []domain.SLARecord{
			{EntityID: "late", Domain: domain.DomainOrder, State: "pending", Deadline: now.Add(-time.Hour)},
			{EntityID: "soon", Domain: domain.DomainOrder, State: "confirmed", Deadline: now.Add(time.Hour)},
			{EntityID: "far", Domain: domain.DomainShipment, State: "in_transit", Deadline: now.Add(48 * time.Hour)},
		} {
			if err := tx.UpsertSLA(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	flagged, err := s.SLA().SweepBreaches(ctx, now)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, "late", flagged[0].EntityID)
	require.NotNil(t, flagged[0].BreachedAt)

	again, err := s.SLA().SweepBreaches(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	breached, err := s.SLA().ListBreached(ctx, domain.DomainOrder, 0)
	require.NoError(t, err)
	assert.Len(t, breached, 1)

	due, err := s.SLA().ListDueBetween(ctx, "", now, now.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "soon", due[0].EntityID)

	_, err = s.SLA().Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSLARecordNotFound)
}
