package queue

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

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps the queue in the message_queue table. A partial unique
// index on (conversation_id) WHERE status IN ('waiting','processing') backs
// the one-open-entry rule.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	if db == nil {
		panic("queue: pgx pool required")
	}
	return &PostgresStore{db: db}
}

const entryColumns = `id, conversation_id, contents, status, scheduled_for, first_queued_at,
	processed_at, retry_count, COALESCE(last_error, ''), alerted_at, claimed_at, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e        Entry
		contents []byte
	)
	if err := row.Scan(&e.ID, &e.ConversationID, &contents, &e.Status, &e.ScheduledFor, &e.FirstQueuedAt,
		&e.ProcessedAt, &e.RetryCount, &e.LastError, &e.AlertedAt, &e.ClaimedAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	if len(contents) > 0 {
		if err := json.Unmarshal(contents, &e.Contents); err != nil {
			return nil, fmt.Errorf("decode contents: %w", err)
		}
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) Append(ctx context.Context, conversationID uuid.UUID, content Content, policy Policy, now time.Time) (*Entry, bool, error) {
	// A concurrent first message may win the insert; the retry then appends.
	for attempt := 0; ; attempt++ {
		e, created, err := s.appendOnce(ctx, conversationID, content, policy, now)
		if err != nil && isUniqueViolation(err) && attempt == 0 {
			continue
		}
		return e, created, err
	}
}

func (s *PostgresStore) appendOnce(ctx context.Context, conversationID uuid.UUID, content Content, policy Policy, now time.Time) (*Entry, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("queue: append: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	open, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM message_queue
		WHERE conversation_id = $1 AND status IN ('waiting', 'processing')
		FOR UPDATE`, conversationID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("queue: append: select open: %w", err)
	}

	created := false
	if open == nil {
		open = &Entry{
			ID:             uuid.New(),
			ConversationID: conversationID,
			Contents:       []Content{content},
			Status:         StatusWaiting,
			ScheduledFor:   policy.Initial(now),
			FirstQueuedAt:  now,
			CreatedAt:      now,
		}
		payload, _ := json.Marshal(open.Contents)
		if _, err := tx.Exec(ctx, `INSERT INTO message_queue
			(id, conversation_id, contents, status, scheduled_for, first_queued_at, created_at)
			VALUES ($1, $2, $3, 'waiting', $4, $5, $5)`,
			open.ID, conversationID, payload, open.ScheduledFor, now); err != nil {
			return nil, false, fmt.Errorf("queue: append: insert: %w", err)
		}
		created = true
	} else {
		open.Contents = append(open.Contents, content)
		if open.Status == StatusWaiting {
			open.ScheduledFor = policy.Extend(open.ScheduledFor, open.FirstQueuedAt, now)
		}
		payload, _ := json.Marshal(open.Contents)
		if _, err := tx.Exec(ctx, `UPDATE message_queue SET contents = $2, scheduled_for = $3, updated_at = now()
			WHERE id = $1`, open.ID, payload, open.ScheduledFor); err != nil {
			return nil, false, fmt.Errorf("queue: append: update: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("queue: append: commit: %w", err)
	}
	return open, created, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM message_queue WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: get: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	return s.list(ctx, "due", `SELECT `+entryColumns+` FROM message_queue
		WHERE status = 'waiting' AND scheduled_for <= $1
		ORDER BY scheduled_for, created_at
		LIMIT $2`, now, limit)
}

// Claim uses SKIP LOCKED so concurrent ticks never claim the same entry.
func (s *PostgresStore) Claim(ctx context.Context, id uuid.UUID, at time.Time) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `UPDATE message_queue SET status = 'processing', claimed_at = $2, updated_at = now()
		WHERE id = (SELECT id FROM message_queue WHERE id = $1 AND status = 'waiting' FOR UPDATE SKIP LOCKED)
		RETURNING `+entryColumns, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotClaimable
		}
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Release(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `UPDATE message_queue SET status = 'waiting', claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id); err != nil {
		return fmt.Errorf("queue: release: %w", err)
	}
	return nil
}

func (s *PostgresStore) Finalize(ctx context.Context, id uuid.UUID, out Outcome) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: finalize: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM message_queue
		WHERE id = $1 AND status = 'processing' FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("queue: finalize %s: %w", id, ErrNotClaimable)
		}
		return fmt.Errorf("queue: finalize: select: %w", err)
	}
	consumed := out.Consumed
	if consumed < 0 || consumed > len(e.Contents) {
		consumed = len(e.Contents)
	}
	kept, _ := json.Marshal(e.Contents[:consumed])
	if _, err := tx.Exec(ctx, `UPDATE message_queue
		SET status = $2, contents = $3, processed_at = $4, last_error = NULLIF($5, ''), updated_at = now()
		WHERE id = $1`, id, out.Status, kept, out.At, out.LastError); err != nil {
		return fmt.Errorf("queue: finalize: update: %w", err)
	}
	if leftover := e.Contents[consumed:]; len(leftover) > 0 {
		payload, _ := json.Marshal(leftover)
		if _, err := tx.Exec(ctx, `INSERT INTO message_queue
			(id, conversation_id, contents, status, scheduled_for, first_queued_at, created_at)
			VALUES ($1, $2, $3, 'waiting', $4, $5, $6)`,
			uuid.New(), e.ConversationID, payload, out.CarryScheduledFor, leftover[0].ReceivedAt, out.At); err != nil {
			return fmt.Errorf("queue: finalize: carry over: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("queue: finalize: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasOpen(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM message_queue
		WHERE conversation_id = $1 AND status IN ('waiting', 'processing'))`, conversationID).Scan(&exists); err != nil {
		return false, fmt.Errorf("queue: has open: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListErrored(ctx context.Context, limit int) ([]*Entry, error) {
	return s.list(ctx, "list errored", `SELECT `+entryColumns+` FROM message_queue
		WHERE status = 'error' AND alerted_at IS NULL
		ORDER BY processed_at, created_at
		LIMIT $1`, limit)
}

func (s *PostgresStore) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*Entry, error) {
	return s.list(ctx, "list stale", `SELECT `+entryColumns+` FROM message_queue
		WHERE status = 'processing' AND claimed_at < $1
		ORDER BY claimed_at
		LIMIT $2`, claimedBefore, limit)
}

func (s *PostgresStore) Requeue(ctx context.Context, id uuid.UUID, scheduledFor time.Time) (uuid.UUID, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("queue: requeue: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM message_queue
		WHERE id = $1 AND status = 'error' FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("queue: requeue: select: %w", err)
	}
	open, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM message_queue
		WHERE conversation_id = $1 AND status IN ('waiting', 'processing') FOR UPDATE`, e.ConversationID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("queue: requeue: select open: %w", err)
	}

	target := e.ID
	switch {
	case open == nil:
		if _, err := tx.Exec(ctx, `UPDATE message_queue
			SET status = 'waiting', retry_count = retry_count + 1, scheduled_for = $2, processed_at = NULL, updated_at = now()
			WHERE id = $1`, id, scheduledFor); err != nil {
			return uuid.Nil, fmt.Errorf("queue: requeue: update: %w", err)
		}
	case open.Status == StatusWaiting:
		merged, _ := json.Marshal(append(open.Contents, e.Contents...))
		first := open.FirstQueuedAt
		if e.FirstQueuedAt.Before(first) {
			first = e.FirstQueuedAt
		}
		if _, err := tx.Exec(ctx, `UPDATE message_queue SET contents = $2, first_queued_at = $3, updated_at = now()
			WHERE id = $1`, open.ID, merged, first); err != nil {
			return uuid.Nil, fmt.Errorf("queue: requeue: merge: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE message_queue SET status = 'skipped', last_error = $2, updated_at = now()
			WHERE id = $1`, id, mergedNote(open.ID, e.LastError)); err != nil {
			return uuid.Nil, fmt.Errorf("queue: requeue: retire: %w", err)
		}
		target = open.ID
	default:
		return uuid.Nil, ErrNotClaimable
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("queue: requeue: commit: %w", err)
	}
	return target, nil
}

func (s *PostgresStore) MarkAlerted(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := s.db.Exec(ctx, `UPDATE message_queue SET alerted_at = $2, updated_at = now() WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("queue: mark alerted: %w", err)
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM message_queue
		WHERE processed_at < $1
			AND (status IN ('sent', 'skipped') OR (status = 'error' AND alerted_at IS NOT NULL))`, before)
	if err != nil {
		return 0, fmt.Errorf("queue: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: %s: scan: %w", op, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
