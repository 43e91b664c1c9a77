package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool (and pgx.Tx) the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists conversations and messages.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	if db == nil {
		panic("conversation: pgx pool required")
	}
	return &PostgresStore{db: db}
}

const conversationColumns = `id, phone, customer_name, source, status, fallback_mode, fallback_taken_by,
	assigned_seller_id, assigned_operator_id, metadata, finish_reason, last_customer_message_at,
	version, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		c        Conversation
		metadata []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.Phone,
		&c.CustomerName,
		&c.Source,
		&c.Status,
		&c.FallbackMode,
		&c.FallbackTakenBy,
		&c.AssignedSellerID,
		&c.AssignedOperatorID,
		&metadata,
		&c.FinishReason,
		&c.LastCustomerMessageAt,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &c, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) FindByKey(ctx context.Context, phone string, source Source) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE phone = $1 AND source = $2`, phone, source))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: find by key: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Ensure(ctx context.Context, phone string, source Source, name string) (*Conversation, bool, error) {
	query := `
		INSERT INTO conversations (id, phone, customer_name, source, status)
		VALUES ($1, $2, $3, $4, 'bot_attending')
		ON CONFLICT (phone, source) DO UPDATE
			SET customer_name = CASE WHEN conversations.customer_name = '' THEN EXCLUDED.customer_name
				ELSE conversations.customer_name END
		RETURNING ` + conversationColumns + `, (xmax = 0) AS inserted`
	row := s.db.QueryRow(ctx, query, uuid.New(), phone, name, source)
	var (
		c        Conversation
		metadata []byte
		inserted bool
	)
	if err := row.Scan(
		&c.ID, &c.Phone, &c.CustomerName, &c.Source, &c.Status, &c.FallbackMode, &c.FallbackTakenBy,
		&c.AssignedSellerID, &c.AssignedOperatorID, &metadata, &c.FinishReason, &c.LastCustomerMessageAt,
		&c.Version, &c.CreatedAt, &c.UpdatedAt, &inserted,
	); err != nil {
		return nil, false, fmt.Errorf("conversation: ensure: %w", err)
	}
	c.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, false, fmt.Errorf("conversation: ensure: decode metadata: %w", err)
		}
	}
	return &c, inserted, nil
}

func (s *PostgresStore) Update(ctx context.Context, c *Conversation) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("conversation: encode metadata: %w", err)
	}
	query := `
		UPDATE conversations
		SET customer_name = $3, status = $4, fallback_mode = $5, fallback_taken_by = $6,
			assigned_seller_id = $7, assigned_operator_id = $8, metadata = $9, finish_reason = $10,
			last_customer_message_at = $11, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`
	var (
		version   int64
		updatedAt time.Time
	)
	err = s.db.QueryRow(ctx, query,
		c.ID, c.Version, c.CustomerName, c.Status, c.FallbackMode, c.FallbackTakenBy,
		c.AssignedSellerID, c.AssignedOperatorID, metadata, c.FinishReason, c.LastCustomerMessageAt,
	).Scan(&version, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVersionConflict
		}
		return fmt.Errorf("conversation: update: %w", err)
	}
	c.Version = version
	c.UpdatedAt = updatedAt
	return nil
}

// ListIdle excludes conversations that still have an open queue entry.
func (s *PostgresStore) ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.status = 'bot_attending'
			AND NOT c.fallback_mode
			AND COALESCE(c.last_customer_message_at, c.created_at) <= $1
			AND NOT EXISTS (
				SELECT 1 FROM message_queue q
				WHERE q.conversation_id = c.id AND q.status IN ('waiting', 'processing')
			)
		ORDER BY COALESCE(c.last_customer_message_at, c.created_at), c.id
		LIMIT $2`
	return s.list(ctx, "list idle", query, cutoff, limit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE status = $1
		ORDER BY updated_at, id
		LIMIT $2`
	return s.list(ctx, "list by status", query, status, limit)
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: %s: %w", op, err)
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: %s: scan: %w", op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: %s: %w", op, err)
	}
	return out, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.MessageType == "" {
		m.MessageType = MessageText
	}
	query := `
		INSERT INTO messages (id, conversation_id, sender_type, content, message_type, media_url,
			media_ref, message_source, provider_message_id, status)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''), $10)
		RETURNING created_at`
	if err := s.db.QueryRow(ctx, query,
		m.ID, m.ConversationID, m.SenderType, m.Content, m.MessageType, m.MediaURL,
		m.MediaRef, m.Source, m.ProviderMessageID, m.Status,
	).Scan(&m.CreatedAt); err != nil {
		return fmt.Errorf("conversation: append message: %w", err)
	}
	return nil
}

const messageColumns = `id, conversation_id, sender_type, content, message_type, COALESCE(media_url, ''),
	COALESCE(media_ref, ''), message_source, COALESCE(provider_message_id, ''), status, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderType, &m.Content, &m.MessageType, &m.MediaURL,
		&m.MediaRef, &m.Source, &m.ProviderMessageID, &m.Status, &m.CreatedAt)
	return m, err
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: list messages: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindMessageByProviderID(ctx context.Context, providerMessageID string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1 LIMIT 1`, providerMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: find message: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) UpdateMessageMedia(ctx context.Context, id uuid.UUID, mediaURL string) error {
	tag, err := s.db.Exec(ctx, `UPDATE messages SET media_url = $2 WHERE id = $1`, id, mediaURL)
	if err != nil {
		return fmt.Errorf("conversation: update media: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, providerMessageID, status string) error {
	tag, err := s.db.Exec(ctx, `UPDATE messages SET status = $2 WHERE provider_message_id = $1`, providerMessageID, status)
	if err != nil {
		return fmt.Errorf("conversation: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AttachProviderID(ctx context.Context, id uuid.UUID, providerMessageID, status string) error {
	tag, err := s.db.Exec(ctx, `UPDATE messages SET provider_message_id = NULLIF($2, ''), status = $3 WHERE id = $1`,
		id, providerMessageID, status)
	if err != nil {
		return fmt.Errorf("conversation: attach provider id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
