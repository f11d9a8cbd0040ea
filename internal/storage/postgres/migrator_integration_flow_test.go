package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := rawIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	status := func(wantVersion int64, wantCount int) {
		t.Helper()
		version, count, err := store.MigrationStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, wantVersion, version)
		assert.Equal(t, wantCount, count)
	}

	require.NoError(t, store.MigrateDown(ctx, 100))
	status(0, 0)

	pending, err := store.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_lifecycle_core", "0002_outbox_idempotency"}, pending)

	require.NoError(t, store.MigrateUp(ctx, 1))
	status(1, 1)

	require.NoError(t, store.MigrateUp(ctx, 0))
	status(2, 2)

	// повторный up ничего не меняет
	require.NoError(t, store.MigrateUp(ctx, 0))
	status(2, 2)

	pending, err = store.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, store.MigrateDown(ctx, 1))
	status(1, 1)

	require.NoError(t, store.MigrateDown(ctx, 0))
	status(0, 0)

	require.NoError(t, store.MigrateDown(ctx, 1), "down on empty state is a no-op")

	require.NoError(t, store.MigrateUp(ctx, 0))
	status(2, 2)
}
