package sellers

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository reads the sellers table.
type PostgresRepository struct {
	db querier
}

func NewPostgresRepository(db querier) *PostgresRepository {
	if db == nil {
		panic("sellers: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const sellerColumns = `id, name, phone, COALESCE(gateway_token_ref, ''), specialties, active, current_workload,
	conversion_rate, auto_first_message, COALESCE(first_message_template, ''), created_at, updated_at`

func scanSeller(row pgx.Row) (*Seller, error) {
	var s Seller
	if err := row.Scan(&s.ID, &s.Name, &s.Phone, &s.GatewayTokenRef, &s.Specialties, &s.Active,
		&s.CurrentWorkload, &s.ConversionRate, &s.AutoFirstMessage, &s.FirstMessageTemplate,
		&s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Seller, error) {
	s, err := scanSeller(r.db.QueryRow(ctx, `SELECT `+sellerColumns+` FROM sellers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sellers: get: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) ListAvailable(ctx context.Context) ([]*Seller, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sellerColumns+` FROM sellers WHERE active ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("sellers: list available: %w", err)
	}
	defer rows.Close()
	var out []*Seller
	for rows.Next() {
		s, err := scanSeller(rows)
		if err != nil {
			return nil, fmt.Errorf("sellers: list available: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) AdjustWorkload(ctx context.Context, id uuid.UUID, delta int) error {
	tag, err := r.db.Exec(ctx, `UPDATE sellers SET current_workload = GREATEST(current_workload + $2, 0),
		updated_at = now() WHERE id = $1`, id, delta)
	if err != nil {
		return fmt.Errorf("sellers: adjust workload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
