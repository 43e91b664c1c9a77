package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLStore persists conversation_events over database/sql.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	if db == nil {
		panic("events: sql db required")
	}
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) Record(ctx context.Context, conversationID uuid.UUID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_events (id, conversation_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), conversationID, eventType, data, s.now())
	if err != nil {
		return fmt.Errorf("events: insert %s: %w", eventType, err)
	}
	return nil
}

// FetchUnpublished returns the oldest events not yet handed downstream.
func (s *SQLStore) FetchUnpublished(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, type, payload, created_at
		FROM conversation_events
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("events: fetch unpublished: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		e.Payload = append(json.RawMessage(nil), payload...)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkPublished(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_events SET published_at = $2 WHERE id = $1 AND published_at IS NULL`,
		id, s.now())
	if err != nil {
		return false, fmt.Errorf("events: mark published: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("events: mark published: %w", err)
	}
	return n == 1, nil
}

// ListByConversation returns the trail of one conversation, oldest first.
func (s *SQLStore) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, type, payload, created_at
		FROM conversation_events
		WHERE conversation_id = $1
		ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("events: list: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		e.Payload = append(json.RawMessage(nil), payload...)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MemoryRecorder keeps events in process; used by tests and local runs.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryRecorder) Record(_ context.Context, conversationID uuid.UUID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Type:           eventType,
		Payload:        data,
		CreatedAt:      time.Now().UTC(),
	})
	return nil
}

// Types returns the recorded event types for conversationID in order.
func (m *MemoryRecorder) Types(conversationID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.ConversationID == conversationID {
			out = append(out, e.Type)
		}
	}
	return out
}
