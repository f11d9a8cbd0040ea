package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

const idempotencyColumns = `key, request_hash, response_body, http_status, status, ttl_at, created_at, updated_at`

// idempotencyKeys хранит ключи идемпотентности и маркеры хуков в таблице idempotency_keys.
type idempotencyKeys struct {
	db  *sql.DB
	now func() time.Time
}

func utcNow() time.Time { return time.Now().UTC() }

// CreateProcessing занимает ключ. Если ключ уже занят, возвращает существующую
// запись вместе с ошибкой конфликта.
func (k *idempotencyKeys) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	rec, err := domain.NewIdempotencyRecord(key, requestHash, ttlAt, k.now())
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	qctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := k.db.ExecContext(qctx, `
		INSERT INTO idempotency_keys (key, request_hash, status, ttl_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.RequestHash, string(rec.Status), rec.TTLAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: rows affected: %w", err)
	}
	if inserted == 1 {
		return rec, nil
	}

	existing, err := k.Get(ctx, rec.Key)
	if err != nil {
		// Ключ успели освободить между INSERT и SELECT.
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	return existing, existing.ConflictWith(rec.RequestHash)
}

func (k *idempotencyKeys) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := k.db.QueryRowContext(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key)
	rec, err := scanIdempotencyRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record %s: %w", key, err)
	}
	return rec, nil
}

func (k *idempotencyKeys) MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return k.complete(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (k *idempotencyKeys) MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return k.complete(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (k *idempotencyKeys) complete(ctx context.Context, key string, status domain.IdempotencyStatus, body []byte, httpStatus int) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}
	return execOne(ctx, k.db, domain.ErrIdempotencyKeyNotFound, "complete idempotency record", `
		UPDATE idempotency_keys
		SET status = $2, response_body = $3, http_status = $4, updated_at = $5
		WHERE key = $1`,
		key, string(status), body, httpStatus, k.now(),
	)
}

func (k *idempotencyKeys) Release(ctx context.Context, key string) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}
	return execOne(ctx, k.db, domain.ErrIdempotencyKeyNotFound, "release idempotency key", `DELETE FROM idempotency_keys WHERE key = $1`, key)
}

// DeleteExpired удаляет до limit записей с истёкшим сроком, начиная с самых старых.
// LIMIT NULL в PostgreSQL снимает ограничение, поэтому limit <= 0 удаляет все.
func (k *idempotencyKeys) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = k.now()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := k.db.ExecContext(ctx, `
		WITH expired AS (
			SELECT key FROM idempotency_keys
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT NULLIF($2, 0)
		)
		DELETE FROM idempotency_keys k USING expired e
		WHERE k.key = e.key`,
		before, max(limit, 0),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: rows affected: %w", err)
	}
	return int(removed), nil
}

func scanIdempotencyRecord(row rowScanner) (domain.IdempotencyRecord, error) {
	var (
		rec        domain.IdempotencyRecord
		status     string
		httpStatus sql.NullInt64
	)
	err := row.Scan(&rec.Key, &rec.RequestHash, &rec.ResponseBody, &httpStatus, &status, &rec.TTLAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	rec.Status = domain.IdempotencyStatus(status)
	if !rec.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q", status)
	}
	rec.HTTPStatus = int(httpStatus.Int64)
	return rec.Clone(), nil
}

var _ domain.IdempotencyRepository = (*idempotencyKeys)(nil)
