package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

const slaColumns = `entity_id, domain, state, deadline, is_breached, breached_at, updated_at`

type slaRepository struct {
	db *sql.DB
}

func (r *slaRepository) Get(ctx context.Context, entityID string) (domain.SLARecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rec, err := scanSLA(r.db.QueryRowContext(ctx, `
		SELECT `+slaColumns+`
		FROM lifecycle_sla
		WHERE entity_id = $1
	`, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SLARecord{}, domain.ErrSLARecordNotFound
		}
		return domain.SLARecord{}, fmt.Errorf("select sla record: %w", err)
	}
	return rec, nil
}

// SweepBreaches помечает просроченные записи одним UPDATE; повторный запуск не вернёт их снова.
func (r *slaRepository) SweepBreaches(ctx context.Context, now time.Time) ([]domain.SLARecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE lifecycle_sla
		SET is_breached = TRUE,
		    breached_at = $1,
		    updated_at = $1
		WHERE is_breached = FALSE
		  AND deadline < $1
		RETURNING `+slaColumns, now)
	if err != nil {
		return nil, fmt.Errorf("sweep sla breaches: %w", err)
	}
	return collectSLA(rows)
}

func (r *slaRepository) ListBreached(ctx context.Context, d domain.Domain, limit int) ([]domain.SLARecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + slaColumns + `
		FROM lifecycle_sla
		WHERE is_breached = TRUE
		  AND ($1 = '' OR domain = $1)
		ORDER BY deadline ASC, entity_id ASC`
	args := []any{string(d)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list breached sla: %w", err)
	}
	return collectSLA(rows)
}

func (r *slaRepository) ListDueBetween(ctx context.Context, d domain.Domain, from, to time.Time, limit int) ([]domain.SLARecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + slaColumns + `
		FROM lifecycle_sla
		WHERE is_breached = FALSE
		  AND deadline >= $2
		  AND deadline <= $3
		  AND ($1 = '' OR domain = $1)
		ORDER BY deadline ASC, entity_id ASC`
	args := []any{string(d), from, to}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due sla: %w", err)
	}
	return collectSLA(rows)
}

func collectSLA(rows *sql.Rows) ([]domain.SLARecord, error) {
	defer rows.Close()

	result := make([]domain.SLARecord, 0)
	for rows.Next() {
		rec, err := scanSLA(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sla record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sla records: %w", err)
	}
	return result, nil
}

func scanSLA(row rowScanner) (domain.SLARecord, error) {
	var (
		rec        domain.SLARecord
		domainRaw  string
		stateRaw   string
		breachedAt sql.NullTime
	)
	if err := row.Scan(
		&rec.EntityID, &domainRaw, &stateRaw, &rec.Deadline, &rec.IsBreached, &breachedAt, &rec.UpdatedAt,
	); err != nil {
		return domain.SLARecord{}, err
	}
	rec.Domain = domain.Domain(domainRaw)
	rec.State = domain.State(stateRaw)
	rec.Deadline = rec.Deadline.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if breachedAt.Valid {
		t := breachedAt.Time.UTC()
		rec.BreachedAt = &t
	}
	return rec, nil
}

var _ domain.SLARepository = (*slaRepository)(nil)
