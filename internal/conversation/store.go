package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists conversations with optimistic concurrency on Version.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	FindByKey(ctx context.Context, phone string, source Source) (*Conversation, error)
	// Ensure returns the conversation for (phone, source), creating it on first contact.
	Ensure(ctx context.Context, phone string, source Source, name string) (*Conversation, bool, error)
	// Update writes c if its Version still matches and bumps Version.
	Update(ctx context.Context, c *Conversation) error
	// ListIdle returns bot-attended conversations quiet since before cutoff.
	ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]*Conversation, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Conversation, error)
}

// MessageStore is the append-only transcript.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error)
	FindMessageByProviderID(ctx context.Context, providerMessageID string) (*Message, error)
	UpdateMessageMedia(ctx context.Context, id uuid.UUID, mediaURL string) error
	UpdateMessageStatus(ctx context.Context, providerMessageID, status string) error
	// AttachProviderID links a stored message to the transport's message id once sent.
	AttachProviderID(ctx context.Context, id uuid.UUID, providerMessageID, status string) error
}

const maxMutateAttempts = 3

// Mutate reads the conversation, applies fn and writes it back, retrying
// on version conflicts. fn may return ErrNoChange to skip the write; the
// current conversation is returned with a nil error in that case.
func Mutate(ctx context.Context, s Store, id uuid.UUID, fn func(*Conversation) error) (*Conversation, error) {
	if s == nil {
		return nil, errors.New("conversation: store not configured")
	}
	var lastErr error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		c, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(c); err != nil {
			if errors.Is(err, ErrNoChange) {
				return c, nil
			}
			return c, err
		}
		if err := c.Validate(); err != nil {
			return c, fmt.Errorf("conversation: mutate %s: %w", id, err)
		}
		err = s.Update(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return c, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("conversation: mutate %s after %d attempts: %w", id, maxMutateAttempts, lastErr)
}
