package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// Queue coalesces customer texts per conversation behind a debounce window.
type Queue struct {
	store  Store
	policy Policy
	now    func() time.Time
	logger *logging.Logger
}

func New(store Store, policy Policy, logger *logging.Logger) *Queue {
	return &Queue{
		store:  store,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logging.OrDefault(logger).Component("queue"),
	}
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	if now != nil {
		q.now = now
	}
	return q
}

func (q *Queue) Store() Store   { return q.store }
func (q *Queue) Policy() Policy { return q.policy }
func (q *Queue) Now() time.Time { return q.now() }

// Enqueue records text as received now.
func (q *Queue) Enqueue(ctx context.Context, conversationID uuid.UUID, text string) error {
	_, err := q.EnqueueAt(ctx, conversationID, text, q.now())
	return err
}

// EnqueueAt records text with its original arrival time so batches join in
// arrival order even when webhooks are delivered out of order.
func (q *Queue) EnqueueAt(ctx context.Context, conversationID uuid.UUID, text string, receivedAt time.Time) (*Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if receivedAt.IsZero() {
		receivedAt = q.now()
	}
	entry, created, err := q.store.Append(ctx, conversationID, Content{Text: text, ReceivedAt: receivedAt}, q.policy, q.now())
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", conversationID, err)
	}
	q.logger.Debug("enqueued",
		"conversation_id", conversationID,
		"entry_id", entry.ID,
		"created", created,
		"batch_size", len(entry.Contents),
		"scheduled_for", entry.ScheduledFor,
	)
	return entry, nil
}

// DequeueDue returns waiting entries whose window has closed, oldest first.
func (q *Queue) DequeueDue(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	return q.store.Due(ctx, q.now(), limit)
}

// Claim marks an entry as processing.
func (q *Queue) Claim(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return q.store.Claim(ctx, id, q.now())
}

func (q *Queue) Release(ctx context.Context, id uuid.UUID) error {
	return q.store.Release(ctx, id)
}

// Finish retires a claimed entry. consumed is the number of texts the
// caller actually handled; later arrivals open a fresh window.
func (q *Queue) Finish(ctx context.Context, id uuid.UUID, status Status, consumed int, lastError string) error {
	now := q.now()
	return q.store.Finalize(ctx, id, Outcome{
		Status:            status,
		Consumed:          consumed,
		LastError:         lastError,
		At:                now,
		CarryScheduledFor: q.policy.Initial(now),
	})
}

func (q *Queue) HasOpen(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	return q.store.HasOpen(ctx, conversationID)
}

// Purge deletes retired entries older than retention.
func (q *Queue) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	n, err := q.store.Purge(ctx, q.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("purged queue entries", "count", n)
	}
	return n, nil
}
