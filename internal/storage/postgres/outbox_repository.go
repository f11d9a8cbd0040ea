package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

const (
	defaultOutboxBatch = 100

	outboxPending = "pending"
	outboxSent    = "sent"
	outboxFailed  = "failed"
)

// outboxTable читает и помечает сообщения таблицы outbox_messages.
type outboxTable struct {
	db  *sql.DB
	now func() time.Time
}

// Enqueue пишет сообщение вне единицы работы; движок переходов использует Tx.EnqueueOutbox.
func (o *outboxTable) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return insertOutbox(ctx, o.db, msg)
}

// PullPending отдаёт до limit неотправленных сообщений в порядке записи.
func (o *outboxTable) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := o.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`,
		outboxPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	defer rows.Close()

	var batch []domain.OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("pull pending outbox messages: %w", err)
		}
		batch = append(batch, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	return batch, nil
}

func (o *outboxTable) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox_messages WHERE status = $1`, outboxPending,
	).Scan(&stats.PendingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (o *outboxTable) MarkSent(ctx context.Context, id string) error {
	return o.mark(ctx, id, outboxSent)
}

func (o *outboxTable) MarkFailed(ctx context.Context, id string) error {
	return o.mark(ctx, id, outboxFailed)
}

// mark фиксирует итог попытки публикации и увеличивает счётчик попыток.
func (o *outboxTable) mark(ctx context.Context, id, status string) error {
	return execOne(ctx, o.db, domain.ErrOutboxMessageMiss, "mark outbox message "+status, `
		UPDATE outbox_messages
		SET status = $2, attempt_count = attempt_count + 1, updated_at = $3
		WHERE id = $1`,
		id, status, o.now(),
	)
}

func scanOutboxMessage(row rowScanner) (domain.OutboxMessage, error) {
	var msg domain.OutboxMessage
	if err := row.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload, &msg.CreatedAt); err != nil {
		return domain.OutboxMessage{}, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

var _ domain.OutboxRepository = (*outboxTable)(nil)
