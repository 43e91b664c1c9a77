package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreEnsureIsPerPhoneAndSource(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a, created, err := s.Ensure(ctx, "5551997519607", SourceGateway, "")
	require.NoError(t, err)
	assert.True(t, created)

	b, created, err := s.Ensure(ctx, "5551997519607", SourceGateway, "Ana")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "Ana", b.CustomerName)

	c, created, err := s.Ensure(ctx, "5551997519607", SourceOfficial, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c, _, _ := s.Ensure(ctx, "5551997519607", SourceGateway, "")

	first, _ := s.Get(ctx, c.ID)
	second, _ := s.Get(ctx, c.ID)

	require.NoError(t, first.AssumeControl("op-1"))
	require.NoError(t, s.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	require.NoError(t, second.MarkWaitingEvaluation())
	assert.ErrorIs(t, s.Update(ctx, second), ErrVersionConflict)
}

func TestMutateRetriesAndRevalidates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c, _, _ := s.Ensure(ctx, "5551997519607", SourceGateway, "")

	calls := 0
	got, err := Mutate(ctx, s, c.ID, func(cur *Conversation) error {
		calls++
		if calls == 1 {
			// A concurrent operator takes over between our read and write.
			other, _ := s.Get(ctx, c.ID)
			require.NoError(t, other.AssumeControl("op-9"))
			require.NoError(t, s.Update(ctx, other))
		}
		return cur.MarkWaitingEvaluation()
	})
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.True(t, got.FallbackMode)

	stored, _ := s.Get(ctx, c.ID)
	assert.Equal(t, StatusBotAttending, stored.Status)
}

func TestMutateNoChange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c, _, _ := s.Ensure(ctx, "5551997519607", SourceGateway, "")
	got, err := Mutate(ctx, s, c.ID, func(*Conversation) error { return ErrNoChange })
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	_, err = Mutate(ctx, s, uuid.New(), func(*Conversation) error { return nil })
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreListIdle(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewMemoryStore()

	idle := New("5551997519607", SourceGateway, "", now.Add(-time.Hour))
	idle.TouchCustomer(now.Add(-10 * time.Minute))
	fresh := New("5551997519608", SourceGateway, "", now.Add(-time.Hour))
	fresh.TouchCustomer(now.Add(-time.Minute))
	taken := New("5551997519609", SourceGateway, "", now.Add(-time.Hour))
	taken.TouchCustomer(now.Add(-30 * time.Minute))
	require.NoError(t, taken.AssumeControl("op"))
	for _, c := range []*Conversation{idle, fresh, taken} {
		s.Put(c)
	}

	list, err := s.ListIdle(ctx, now.Add(-5*time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, idle.ID, list[0].ID)
}

func TestMemoryMessagesOrderedAndUpdatable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c, _, _ := s.Ensure(ctx, "5551997519607", SourceGateway, "")
	base := time.Now()

	second := &Message{ConversationID: c.ID, SenderType: SenderBot, Content: "b", CreatedAt: base.Add(time.Second), ProviderMessageID: "wamid.2"}
	first := &Message{ConversationID: c.ID, SenderType: SenderCustomer, Content: "a", CreatedAt: base, MediaRef: "media-1"}
	require.NoError(t, s.AppendMessage(ctx, second))
	require.NoError(t, s.AppendMessage(ctx, first))

	msgs, err := s.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Content)

	require.NoError(t, s.UpdateMessageMedia(ctx, first.ID, "https://cdn/x.jpg"))
	require.NoError(t, s.UpdateMessageStatus(ctx, "wamid.2", "read"))
	found, err := s.FindMessageByProviderID(ctx, "wamid.2")
	require.NoError(t, err)
	assert.Equal(t, "read", found.Status)

	msgs, _ = s.ListMessages(ctx, c.ID)
	assert.Equal(t, "https://cdn/x.jpg", msgs[0].MediaURL)

	assert.ErrorIs(t, s.AppendMessage(ctx, &Message{ConversationID: uuid.New()}), ErrNotFound)
}
