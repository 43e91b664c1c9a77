package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists the delivery_log table.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	if db == nil {
		panic("delivery: pgx pool required")
	}
	return &PostgresStore{db: db}
}

const entryColumns = `id, direction, transport, identity, from_phone, to_phone, content, message_type,
	media_url, transport_message_id, status, failure_reason, retry_of, retry_count,
	conversation_id, lead_id, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	if err := row.Scan(
		&e.ID, &e.Direction, &e.Transport, &e.Identity, &e.FromPhone, &e.ToPhone, &e.Content, &e.MessageType,
		&e.MediaURL, &e.TransportMessageID, &e.Status, &e.FailureReason, &e.RetryOf, &e.RetryCount,
		&e.ConversationID, &e.LeadID, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	query := `
		INSERT INTO delivery_log (
			id, direction, transport, identity, from_phone, to_phone, content, message_type,
			media_url, transport_message_id, status, failure_reason, retry_of, retry_count,
			conversation_id, lead_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`
	err := s.db.QueryRow(ctx, query,
		e.ID, e.Direction, e.Transport, e.Identity, e.FromPhone, e.ToPhone, e.Content, e.MessageType,
		e.MediaURL, e.TransportMessageID, e.Status, e.FailureReason, e.RetryOf, e.RetryCount,
		e.ConversationID, e.LeadID,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("delivery: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM delivery_log WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delivery: get: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) FindByTransportID(ctx context.Context, transportMessageID string) (*Entry, error) {
	transportMessageID = strings.TrimSpace(transportMessageID)
	if transportMessageID == "" {
		return nil, ErrNotFound
	}
	e, err := scanEntry(s.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM delivery_log WHERE transport_message_id = $1 ORDER BY created_at DESC LIMIT 1`,
		transportMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delivery: find by transport id: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE delivery_log
		SET status = $2, failure_reason = COALESCE(NULLIF($3, ''), failure_reason), updated_at = $4
		WHERE id = $1`, id, status, reason, at)
	if err != nil {
		return fmt.Errorf("delivery: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListAwaiting(ctx context.Context, limit int) ([]*Entry, error) {
	return s.list(ctx, `SELECT `+entryColumns+` FROM delivery_log
		WHERE status IN ('sent', 'pending')
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
}

func (s *PostgresStore) ListRetries(ctx context.Context, originalID uuid.UUID) ([]*Entry, error) {
	return s.list(ctx, `SELECT `+entryColumns+` FROM delivery_log
		WHERE retry_of = $1
		ORDER BY created_at ASC`, originalID)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delivery: list: %w", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("delivery: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
