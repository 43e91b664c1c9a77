package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]*Entry)}
}

func (s *MemoryStore) openFor(conversationID uuid.UUID) *Entry {
	for _, e := range s.entries {
		if e.ConversationID == conversationID && e.Status.Open() {
			return e
		}
	}
	return nil
}

func (s *MemoryStore) Append(_ context.Context, conversationID uuid.UUID, content Content, policy Policy, now time.Time) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open := s.openFor(conversationID); open != nil {
		open.Contents = append(open.Contents, content)
		if open.Status == StatusWaiting {
			open.ScheduledFor = policy.Extend(open.ScheduledFor, open.FirstQueuedAt, now)
		}
		return clone(open), false, nil
	}
	e := &Entry{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Contents:       []Content{content},
		Status:         StatusWaiting,
		ScheduledFor:   policy.Initial(now),
		FirstQueuedAt:  now,
		CreatedAt:      now,
	}
	s.entries[e.ID] = e
	return clone(e), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

// All returns every entry for a conversation, oldest first.
func (s *MemoryStore) All(conversationID uuid.UUID) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.ConversationID == conversationID {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.Status == StatusWaiting && !e.ScheduledFor.After(now) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, id uuid.UUID, at time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != StatusWaiting {
		return nil, ErrNotClaimable
	}
	e.Status = StatusProcessing
	e.ClaimedAt = &at
	return clone(e), nil
}

func (s *MemoryStore) Release(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status == StatusProcessing {
		e.Status = StatusWaiting
		e.ClaimedAt = nil
	}
	return nil
}

func (s *MemoryStore) Finalize(_ context.Context, id uuid.UUID, out Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusProcessing {
		return fmt.Errorf("queue: finalize %s: status is %s", id, e.Status)
	}
	consumed := out.Consumed
	if consumed < 0 || consumed > len(e.Contents) {
		consumed = len(e.Contents)
	}
	leftover := append([]Content(nil), e.Contents[consumed:]...)
	e.Contents = e.Contents[:consumed]
	e.Status = out.Status
	e.LastError = out.LastError
	at := out.At
	e.ProcessedAt = &at
	if len(leftover) > 0 {
		carry := &Entry{
			ID:             uuid.New(),
			ConversationID: e.ConversationID,
			Contents:       leftover,
			Status:         StatusWaiting,
			ScheduledFor:   out.CarryScheduledFor,
			FirstQueuedAt:  leftover[0].ReceivedAt,
			CreatedAt:      out.At,
		}
		s.entries[carry.ID] = carry
	}
	return nil
}

func (s *MemoryStore) HasOpen(_ context.Context, conversationID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openFor(conversationID) != nil, nil
}

func (s *MemoryStore) ListErrored(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.Status == StatusError && e.AlertedAt == nil {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStale(_ context.Context, claimedBefore time.Time, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.Status == StatusProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(claimedBefore) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(*out[j].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Requeue(_ context.Context, id uuid.UUID, scheduledFor time.Time) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	if e.Status != StatusError {
		return uuid.Nil, fmt.Errorf("queue: requeue %s: status is %s", id, e.Status)
	}
	if open := s.openFor(e.ConversationID); open != nil {
		if open.Status != StatusWaiting {
			return uuid.Nil, ErrNotClaimable
		}
		open.Contents = append(open.Contents, e.Contents...)
		if e.FirstQueuedAt.Before(open.FirstQueuedAt) {
			open.FirstQueuedAt = e.FirstQueuedAt
		}
		e.Status = StatusSkipped
		e.LastError = mergedNote(open.ID, e.LastError)
		return open.ID, nil
	}
	e.Status = StatusWaiting
	e.RetryCount++
	e.ScheduledFor = scheduledFor
	e.ProcessedAt = nil
	return e.ID, nil
}

func (s *MemoryStore) MarkAlerted(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.AlertedAt = &at
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.entries {
		if purgeable(e) && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func purgeable(e *Entry) bool {
	switch e.Status {
	case StatusSent, StatusSkipped:
		return true
	case StatusError:
		return e.AlertedAt != nil
	}
	return false
}

func mergedNote(into uuid.UUID, prev string) string {
	if prev == "" {
		return "merged into " + into.String()
	}
	return "merged into " + into.String() + ": " + prev
}
