package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable queue table. At most one entry per conversation is
// open (waiting or processing) at any time.
type Store interface {
	// Append adds content to the open entry or opens a new one.
	Append(ctx context.Context, conversationID uuid.UUID, content Content, policy Policy, now time.Time) (*Entry, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
	// Claim moves a waiting entry to processing, stamps the claim time and
	// returns its contents snapshot.
	Claim(ctx context.Context, id uuid.UUID, at time.Time) (*Entry, error)
	// Release returns a processing entry to waiting without recording an attempt.
	Release(ctx context.Context, id uuid.UUID) error
	Finalize(ctx context.Context, id uuid.UUID, out Outcome) error
	HasOpen(ctx context.Context, conversationID uuid.UUID) (bool, error)
	ListErrored(ctx context.Context, limit int) ([]*Entry, error)
	// ListStale returns processing entries claimed before claimedBefore,
	// left behind by a tick that died before retiring them.
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*Entry, error)
	// Requeue puts an errored entry back in line, merging into an open
	// waiting entry when one exists. It reports the entry that now holds the texts.
	Requeue(ctx context.Context, id uuid.UUID, scheduledFor time.Time) (uuid.UUID, error)
	MarkAlerted(ctx context.Context, id uuid.UUID, at time.Time) error
	Purge(ctx context.Context, before time.Time) (int64, error)
}
