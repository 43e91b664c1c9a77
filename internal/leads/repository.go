package leads

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for lead storage
type Repository interface {
	// CreateForConversation returns the conversation's attending lead when one
	// exists, so repeated transfers never duplicate a lead.
	CreateForConversation(ctx context.Context, req NewLead) (*Lead, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Lead, error)
	GetOpenByConversation(ctx context.Context, conversationID uuid.UUID) (*Lead, error)
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordNotificationFailure(ctx context.Context, id uuid.UUID, reason string, next time.Time) error
	MarkFirstMessageSent(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListNotificationRetries returns unnotified leads due for another attempt.
	ListNotificationRetries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Lead, error)
	RecordSale(ctx context.Context, id uuid.UUID, value float64) (*Lead, error)
	MarkLost(ctx context.Context, id uuid.UUID) (*Lead, error)
	ListBySeller(ctx context.Context, sellerID uuid.UUID, limit int) ([]*Lead, error)
}

// InMemoryRepository is an implementation of Repository using in-memory storage
type InMemoryRepository struct {
	mu    sync.RWMutex
	leads map[uuid.UUID]*Lead
	now   func() time.Time
}

// NewInMemoryRepository creates a new in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		leads: make(map[uuid.UUID]*Lead),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *InMemoryRepository) CreateForConversation(_ context.Context, req NewLead) (*Lead, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leads {
		if l.ConversationID == req.ConversationID && l.Status == StatusAttending {
			return clone(l), false, nil
		}
	}
	now := r.now()
	lead := &Lead{
		ID:             uuid.New(),
		ConversationID: req.ConversationID,
		SellerID:       req.SellerID,
		CustomerName:   req.CustomerName,
		CustomerPhone:  req.CustomerPhone,
		Summary:        req.Summary,
		Reason:         req.Reason,
		Confidence:     req.Confidence,
		Status:         StatusAttending,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.leads[lead.ID] = lead
	return clone(lead), true, nil
}

// GetByID retrieves a lead by ID
func (r *InMemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lead, ok := r.leads[id]
	if !ok {
		return nil, ErrLeadNotFound
	}
	return clone(lead), nil
}

func (r *InMemoryRepository) GetOpenByConversation(_ context.Context, conversationID uuid.UUID) (*Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.leads {
		if l.ConversationID == conversationID && l.Status == StatusAttending {
			return clone(l), nil
		}
	}
	return nil, ErrLeadNotFound
}

func (r *InMemoryRepository) MarkNotified(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.update(id, func(l *Lead) error {
		t := at
		l.NotifiedAt = &t
		l.NotificationAttempts++
		l.LastNotificationError = ""
		l.NextNotificationAt = nil
		return nil
	})
}

func (r *InMemoryRepository) RecordNotificationFailure(_ context.Context, id uuid.UUID, reason string, next time.Time) error {
	return r.update(id, func(l *Lead) error {
		t := next
		l.NotificationAttempts++
		l.LastNotificationError = reason
		l.NextNotificationAt = &t
		return nil
	})
}

func (r *InMemoryRepository) MarkFirstMessageSent(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.update(id, func(l *Lead) error {
		t := at
		l.FirstMessageSentAt = &t
		return nil
	})
}

func (r *InMemoryRepository) ListNotificationRetries(_ context.Context, now time.Time, maxAttempts, limit int) ([]*Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Lead
	for _, l := range r.leads {
		if l.NotifiedAt != nil || l.Status != StatusAttending || l.NotificationAttempts >= maxAttempts {
			continue
		}
		if l.NextNotificationAt != nil && l.NextNotificationAt.After(now) {
			continue
		}
		out = append(out, clone(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) RecordSale(_ context.Context, id uuid.UUID, value float64) (*Lead, error) {
	if value <= 0 {
		return nil, ErrInvalidSaleValue
	}
	var out *Lead
	err := r.update(id, func(l *Lead) error {
		if l.Status != StatusAttending {
			return ErrLeadClosed
		}
		l.Status = StatusSold
		l.GeneratedSale = true
		l.SaleValue = value
		out = clone(l)
		return nil
	})
	return out, err
}

func (r *InMemoryRepository) MarkLost(_ context.Context, id uuid.UUID) (*Lead, error) {
	var out *Lead
	err := r.update(id, func(l *Lead) error {
		if l.Status != StatusAttending {
			return ErrLeadClosed
		}
		l.Status = StatusLost
		out = clone(l)
		return nil
	})
	return out, err
}

func (r *InMemoryRepository) ListBySeller(_ context.Context, sellerID uuid.UUID, limit int) ([]*Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Lead
	for _, l := range r.leads {
		if l.SellerID == sellerID {
			out = append(out, clone(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) update(id uuid.UUID, fn func(*Lead) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok {
		return ErrLeadNotFound
	}
	if err := fn(l); err != nil {
		return err
	}
	l.UpdatedAt = r.now()
	return nil
}
