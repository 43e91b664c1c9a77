package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists the delivery log.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	FindByTransportID(ctx context.Context, transportMessageID string) (*Entry, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason string, at time.Time) error
	// ListAwaiting returns sent/pending entries, least recently checked first.
	ListAwaiting(ctx context.Context, limit int) ([]*Entry, error)
	ListRetries(ctx context.Context, originalID uuid.UUID) ([]*Entry, error)
}
