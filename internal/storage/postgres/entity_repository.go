package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

type entityRepository struct {
	db *sql.DB
}

func (r *entityRepository) Get(ctx context.Context, id string) (domain.Entity, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	entity, err := scanEntity(r.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM lifecycle_entities
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Entity{}, domain.ErrEntityNotFound
		}
		return domain.Entity{}, fmt.Errorf("select entity: %w", err)
	}
	return entity, nil
}

func (r *entityRepository) List(ctx context.Context, filter domain.EntityFilter) ([]domain.Entity, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.Domain != "" {
		args = append(args, string(filter.Domain))
		where = append(where, fmt.Sprintf("domain = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}

	query := `SELECT ` + entityColumns + ` FROM lifecycle_entities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Entity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		result = append(result, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity rows: %w", err)
	}
	return result, nil
}

var _ domain.EntityRepository = (*entityRepository)(nil)
