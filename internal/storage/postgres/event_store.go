package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

// eventStore: append-only журнал. UPDATE и DELETE по lifecycle_events запрещены триггером.
type eventStore struct {
	db *sql.DB
}

// Append добавляет событие в отдельной транзакции, блокируя строку сущности на время назначения sequence.
func (r *eventStore) Append(ctx context.Context, event domain.Event) (id string, err error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM lifecycle_entities WHERE id = $1 FOR UPDATE`, event.EntityID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrEntityNotFound
		}
		return "", fmt.Errorf("lock entity: %w", err)
	}

	stored, err := appendEvent(ctx, tx, event)
	if err != nil {
		return "", err
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit append event: %w", err)
	}
	return stored.ID, nil
}

func (r *eventStore) ListByEntity(ctx context.Context, entityID string) ([]domain.Event, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entity_id, domain, sequence, type, previous_state, new_state,
		       actor_type, actor_id, actor_name, notes, metadata, created_at
		FROM lifecycle_events
		WHERE entity_id = $1
		ORDER BY sequence ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		var (
			ev                                          domain.Event
			domainRaw, typeRaw, prevRaw, newRaw, actorT string
		)
		if err := rows.Scan(
			&ev.ID, &ev.EntityID, &domainRaw, &ev.Sequence, &typeRaw, &prevRaw, &newRaw,
			&actorT, &ev.Actor.ID, &ev.Actor.Name, &ev.Notes, &ev.Metadata, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Domain = domain.Domain(domainRaw)
		ev.Type = domain.EventType(typeRaw)
		ev.PreviousState = domain.State(prevRaw)
		ev.NewState = domain.State(newRaw)
		ev.Actor.Type = domain.ActorType(actorT)
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

var _ domain.EventStore = (*eventStore)(nil)
