package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps conversations and messages in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*Conversation
	byKey    map[string]uuid.UUID
	messages map[uuid.UUID][]Message
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[uuid.UUID]*Conversation),
		byKey:    make(map[string]uuid.UUID),
		messages: make(map[uuid.UUID][]Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	if now != nil {
		s.now = now
	}
	return s
}

func key(phone string, source Source) string {
	return string(source) + ":" + phone
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) FindByKey(_ context.Context, phone string, source Source) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key(phone, source)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) Ensure(_ context.Context, phone string, source Source, name string) (*Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[key(phone, source)]; ok {
		c := s.byID[id]
		if c.CustomerName == "" && name != "" {
			c.CustomerName = name
		}
		return c.Clone(), false, nil
	}
	c := New(phone, source, name, s.now())
	s.byID[c.ID] = c
	s.byKey[key(phone, source)] = c.ID
	return c.Clone(), true, nil
}

// Put inserts or replaces a conversation as-is. Useful for seeding tests.
func (s *MemoryStore) Put(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c.Clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.byID[cp.ID] = cp
	s.byKey[key(cp.Phone, cp.Source)] = cp.ID
}

func (s *MemoryStore) Update(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.Version {
		return ErrVersionConflict
	}
	c.Version++
	c.UpdatedAt = s.now()
	s.byID[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) ListIdle(_ context.Context, cutoff time.Time, limit int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conversation
	for _, c := range s.byID {
		if c.IsBotAuthoritative() && c.IdleSince(cutoff) {
			out = append(out, c.Clone())
		}
	}
	sortByActivity(out)
	return capList(out, limit), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conversation
	for _, c := range s.byID {
		if c.Status == status {
			out = append(out, c.Clone())
		}
	}
	sortByActivity(out)
	return capList(out, limit), nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ConversationID]; !ok {
		return ErrNotFound
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], *m)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID uuid.UUID) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Message(nil), s.messages[conversationID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) FindMessageByProviderID(_ context.Context, providerMessageID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if providerMessageID == "" {
		return nil, ErrNotFound
	}
	for _, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ProviderMessageID == providerMessageID {
				m := msgs[i]
				return &m, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateMessageMedia(_ context.Context, id uuid.UUID, mediaURL string) error {
	return s.updateMessage(func(m *Message) bool { return m.ID == id }, func(m *Message) { m.MediaURL = mediaURL })
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, providerMessageID, status string) error {
	return s.updateMessage(func(m *Message) bool { return m.ProviderMessageID == providerMessageID }, func(m *Message) { m.Status = status })
}

func (s *MemoryStore) AttachProviderID(_ context.Context, id uuid.UUID, providerMessageID, status string) error {
	return s.updateMessage(func(m *Message) bool { return m.ID == id }, func(m *Message) {
		m.ProviderMessageID = providerMessageID
		m.Status = status
	})
}

func (s *MemoryStore) updateMessage(match func(*Message) bool, apply func(*Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cid, msgs := range s.messages {
		for i := range msgs {
			if match(&msgs[i]) {
				apply(&msgs[i])
				s.messages[cid] = msgs
				return nil
			}
		}
	}
	return ErrNotFound
}

func sortByActivity(list []*Conversation) {
	sort.Slice(list, func(i, j int) bool {
		ai, aj := activity(list[i]), activity(list[j])
		if ai.Equal(aj) {
			return list[i].ID.String() < list[j].ID.String()
		}
		return ai.Before(aj)
	})
}

func activity(c *Conversation) time.Time {
	if c.LastCustomerMessageAt != nil {
		return *c.LastCustomerMessageAt
	}
	return c.CreatedAt
}

func capList(list []*Conversation, limit int) []*Conversation {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
