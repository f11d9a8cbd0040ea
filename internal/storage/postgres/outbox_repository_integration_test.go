package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

func outboxMessage(aggregateID string) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: string(domain.DomainOrder),
		AggregateID:   aggregateID,
		EventType:     domain.OutboxEventTransitionCommitted,
		Payload:       []byte(`{"entity_id":"` + aggregateID + `"}`),
	}
}

func TestOutboxTable_PostgresLifecycle(t *testing.T) {
	repo := integrationStore(t).Outbox()
	ctx := context.Background()

	generated, err := repo.Enqueue(ctx, outboxMessage("ord-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	fixed := outboxMessage("ord-2")
	fixed.ID = "0b6f3c1e-2f0e-4c55-9a55-3f1d9c0f8a10"
	stored, err := repo.Enqueue(ctx, fixed)
	require.NoError(t, err)
	assert.Equal(t, fixed.ID, stored.ID)

	pending, err := repo.PullPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "ord-1", pending[0].AggregateID, "oldest first")

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.False(t, stats.OldestPendingAt.IsZero())

	require.NoError(t, repo.MarkSent(ctx, generated.ID))
	require.NoError(t, repo.MarkFailed(ctx, stored.ID))

	pending, err = repo.PullPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats, err = repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStats{}, stats)
}

func TestOutboxTable_PostgresMissingMessage(t *testing.T) {
	repo := integrationStore(t).Outbox()
	ctx := context.Background()

	assert.ErrorIs(t, repo.MarkSent(ctx, "5d1a8b7e-0000-4000-8000-000000000000"), domain.ErrOutboxMessageMiss)
	assert.ErrorIs(t, repo.MarkFailed(ctx, "5d1a8b7e-0000-4000-8000-000000000000"), domain.ErrOutboxMessageMiss)
}
