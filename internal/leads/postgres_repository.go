package leads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores leads in the relational database.
type PostgresRepository struct {
	db querier
}

// NewPostgresRepository initializes a repo backed by pgxpool.
func NewPostgresRepository(db querier) *PostgresRepository {
	if db == nil {
		panic("leads: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const leadColumns = `id, conversation_id, seller_id, customer_name, customer_phone, summary, reason, confidence,
	status, generated_sale, sale_value, created_by, notified_at, notification_attempts,
	COALESCE(last_notification_error, ''), next_notification_at, first_message_sent_at, created_at, updated_at`

func scanLead(row pgx.Row) (*Lead, error) {
	var l Lead
	if err := row.Scan(
		&l.ID,
		&l.ConversationID,
		&l.SellerID,
		&l.CustomerName,
		&l.CustomerPhone,
		&l.Summary,
		&l.Reason,
		&l.Confidence,
		&l.Status,
		&l.GeneratedSale,
		&l.SaleValue,
		&l.CreatedBy,
		&l.NotifiedAt,
		&l.NotificationAttempts,
		&l.LastNotificationError,
		&l.NextNotificationAt,
		&l.FirstMessageSentAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateForConversation inserts a lead unless the conversation already has an
// attending one. A partial unique index on (conversation_id) WHERE
// status = 'attending' settles concurrent inserts.
func (r *PostgresRepository) CreateForConversation(ctx context.Context, req NewLead) (*Lead, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	query := `
		INSERT INTO leads (id, conversation_id, seller_id, customer_name, customer_phone, summary, reason,
			confidence, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'attending', $9)
		ON CONFLICT (conversation_id) WHERE status = 'attending' DO NOTHING
		RETURNING ` + leadColumns
	lead, err := scanLead(r.db.QueryRow(ctx, query,
		uuid.New(),
		req.ConversationID,
		req.SellerID,
		req.CustomerName,
		req.CustomerPhone,
		req.Summary,
		req.Reason,
		req.Confidence,
		req.CreatedBy,
	))
	if err == nil {
		return lead, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("leads: insert failed: %w", err)
	}
	existing, err := r.GetOpenByConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByID fetches a lead.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Lead, error) {
	return r.one(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
}

func (r *PostgresRepository) GetOpenByConversation(ctx context.Context, conversationID uuid.UUID) (*Lead, error) {
	return r.one(ctx, `SELECT `+leadColumns+` FROM leads WHERE conversation_id = $1 AND status = 'attending'
		ORDER BY created_at DESC LIMIT 1`, conversationID)
}

func (r *PostgresRepository) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, "mark notified", `UPDATE leads SET notified_at = $2, notification_attempts = notification_attempts + 1,
		last_notification_error = NULL, next_notification_at = NULL, updated_at = now() WHERE id = $1`, id, at)
}

func (r *PostgresRepository) RecordNotificationFailure(ctx context.Context, id uuid.UUID, reason string, next time.Time) error {
	return r.exec(ctx, "record notification failure", `UPDATE leads SET notification_attempts = notification_attempts + 1,
		last_notification_error = $2, next_notification_at = $3, updated_at = now() WHERE id = $1`, id, reason, next)
}

func (r *PostgresRepository) MarkFirstMessageSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, "mark first message", `UPDATE leads SET first_message_sent_at = $2, updated_at = now() WHERE id = $1`, id, at)
}

func (r *PostgresRepository) ListNotificationRetries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Lead, error) {
	query := `
		SELECT ` + leadColumns + `
		FROM leads
		WHERE notified_at IS NULL
			AND status = 'attending'
			AND notification_attempts < $2
			AND (next_notification_at IS NULL OR next_notification_at <= $1)
		ORDER BY created_at
		LIMIT $3`
	return r.list(ctx, "list notification retries", query, now, maxAttempts, limit)
}

func (r *PostgresRepository) RecordSale(ctx context.Context, id uuid.UUID, value float64) (*Lead, error) {
	if value <= 0 {
		return nil, ErrInvalidSaleValue
	}
	return r.close(ctx, `UPDATE leads SET status = 'sold', generated_sale = true, sale_value = $2, updated_at = now()
		WHERE id = $1 AND status = 'attending' RETURNING `+leadColumns, id, value)
}

func (r *PostgresRepository) MarkLost(ctx context.Context, id uuid.UUID) (*Lead, error) {
	return r.close(ctx, `UPDATE leads SET status = 'lost', updated_at = now()
		WHERE id = $1 AND status = 'attending' RETURNING `+leadColumns, id)
}

func (r *PostgresRepository) ListBySeller(ctx context.Context, sellerID uuid.UUID, limit int) ([]*Lead, error) {
	return r.list(ctx, "list by seller", `SELECT `+leadColumns+` FROM leads WHERE seller_id = $1
		ORDER BY created_at DESC LIMIT $2`, sellerID, limit)
}

func (r *PostgresRepository) close(ctx context.Context, query string, id uuid.UUID, args ...any) (*Lead, error) {
	lead, err := scanLead(r.db.QueryRow(ctx, query, append([]any{id}, args...)...))
	if err == nil {
		return lead, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("leads: close: %w", err)
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrLeadClosed
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*Lead, error) {
	lead, err := scanLead(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("leads: select failed: %w", err)
	}
	return lead, nil
}

func (r *PostgresRepository) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("leads: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}

func (r *PostgresRepository) list(ctx context.Context, op, query string, args ...any) ([]*Lead, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("leads: %s: %w", op, err)
	}
	defer rows.Close()
	var out []*Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("leads: %s: scan: %w", op, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
