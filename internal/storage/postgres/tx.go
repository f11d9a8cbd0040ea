package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

const entityColumns = `id, domain, state, reference, attributes, version, created_at, updated_at`

type txManager struct {
	db *sql.DB
}

// WithinTx открывает транзакцию; ошибка fn или фиксации откатывает все записи.
func (m *txManager) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistenceError("begin tx", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return domain.PersistenceError("commit", err)
	}
	return nil
}

// pgTx реализует domain.Tx поверх *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetForUpdate(ctx context.Context, id string) (domain.Entity, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM lifecycle_entities
		WHERE id = $1
		FOR UPDATE
	`, id)

	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Entity{}, domain.ErrEntityNotFound
		}
		return domain.Entity{}, fmt.Errorf("select entity for update: %w", err)
	}
	return entity, nil
}

func (t *pgTx) CreateEntity(ctx context.Context, entity domain.Entity) error {
	attrs, err := encodeAttributes(entity.Attributes)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO lifecycle_entities (
			id, domain, state, reference, attributes, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		entity.ID, string(entity.Domain), string(entity.State), entity.Reference,
		attrs, entity.Version, entity.CreatedAt, entity.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEntityAlreadyExists
		}
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

func (t *pgTx) SaveEntity(ctx context.Context, entity domain.Entity) error {
	attrs, err := encodeAttributes(entity.Attributes)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE lifecycle_entities
		SET state = $1,
		    attributes = $2,
		    version = version + 1,
		    updated_at = $3
		WHERE id = $4
		  AND version = $5
	`,
		string(entity.State), attrs, entity.UpdatedAt, entity.ID, entity.Version,
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := t.entityExists(ctx, entity.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrEntityNotFound
		}
		return domain.ErrVersionConflict
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, event domain.Event) (domain.Event, error) {
	return appendEvent(ctx, t.tx, event)
}

func (t *pgTx) UpsertSLA(ctx context.Context, record domain.SLARecord) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO lifecycle_sla (
			entity_id, domain, state, deadline, is_breached, breached_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (entity_id) DO UPDATE
		SET domain = EXCLUDED.domain,
		    state = EXCLUDED.state,
		    deadline = EXCLUDED.deadline,
		    is_breached = EXCLUDED.is_breached,
		    breached_at = EXCLUDED.breached_at,
		    updated_at = EXCLUDED.updated_at
	`,
		record.EntityID, string(record.Domain), string(record.State), record.Deadline,
		record.IsBreached, nullTime(record.BreachedAt), record.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert sla record: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteSLA(ctx context.Context, entityID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM lifecycle_sla WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("delete sla record: %w", err)
	}
	return nil
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return insertOutbox(ctx, t.tx, msg)
}

func (t *pgTx) entityExists(ctx context.Context, id string) (bool, error) {
	var found string
	err := t.tx.QueryRowContext(ctx, `SELECT id FROM lifecycle_entities WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check entity exists: %w", err)
}

// execer: общее подмножество *sql.DB и *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// appendEvent назначает следующий sequence. Строка сущности должна быть заблокирована вызывающим.
func appendEvent(ctx context.Context, q execer, event domain.Event) (domain.Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1
		FROM lifecycle_events
		WHERE entity_id = $1
	`, event.EntityID).Scan(&event.Sequence); err != nil {
		return domain.Event{}, fmt.Errorf("next event sequence: %w", err)
	}

	var metadata []byte
	if len(event.Metadata) > 0 {
		metadata = event.Metadata
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO lifecycle_events (
			id, entity_id, domain, sequence, type, previous_state, new_state,
			actor_type, actor_id, actor_name, notes, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		event.ID, event.EntityID, string(event.Domain), event.Sequence, string(event.Type),
		string(event.PreviousState), string(event.NewState),
		string(event.Actor.Type), event.Actor.ID, event.Actor.Name,
		event.Notes, metadata, event.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Параллельная запись в журнал той же сущности.
			return domain.Event{}, domain.ErrVersionConflict
		}
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

func insertOutbox(ctx context.Context, q execer, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$7)
	`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, msg.CreatedAt, now,
	)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}
	return msg, nil
}

// execOne выполняет запрос, который должен затронуть одну строку;
// если не затронута ни одна, возвращает miss.
func execOne(ctx context.Context, q execer, miss error, op, query string, args ...any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if affected == 0 {
		return miss
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (domain.Entity, error) {
	var (
		entity     domain.Entity
		domainRaw  string
		stateRaw   string
		attributes []byte
	)
	if err := row.Scan(
		&entity.ID, &domainRaw, &stateRaw, &entity.Reference, &attributes,
		&entity.Version, &entity.CreatedAt, &entity.UpdatedAt,
	); err != nil {
		return domain.Entity{}, err
	}
	entity.Domain = domain.Domain(domainRaw)
	entity.State = domain.State(stateRaw)
	entity.CreatedAt = entity.CreatedAt.UTC()
	entity.UpdatedAt = entity.UpdatedAt.UTC()

	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &entity.Attributes); err != nil {
			return domain.Entity{}, fmt.Errorf("decode attributes of %s: %w", entity.ID, err)
		}
		if len(entity.Attributes) == 0 {
			entity.Attributes = nil
		}
	}
	return entity, nil
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(raw), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var (
	_ domain.TxManager = (*txManager)(nil)
	_ domain.Tx        = (*pgTx)(nil)
)
