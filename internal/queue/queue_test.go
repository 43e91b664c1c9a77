package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(policy Policy) (*Queue, *MemoryStore, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	return New(store, policy, logging.Discard()).WithClock(clk.now), store, clk
}

func TestDebounceCoalescesIntoOneEntry(t *testing.T) {
	ctx := context.Background()
	q, store, clk := newTestQueue(DefaultPolicy())
	conv := uuid.New()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, conv, fmt.Sprintf("msg %d", i)))
		clk.advance(5 * time.Second)
	}

	entries := store.All(conv)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Contents, 5)
	for i, c := range entries[0].Contents {
		assert.Equal(t, fmt.Sprintf("msg %d", i), c.Text)
	}
	assert.Equal(t, "msg 0\nmsg 1\nmsg 2\nmsg 3\nmsg 4", JoinedText(entries[0].Contents))
}

func TestSlidingWindowExtendsUntilCap(t *testing.T) {
	ctx := context.Background()
	q, _, clk := newTestQueue(Policy{Window: time.Minute, ExtendOnAppend: true, MaxDebounce: 90 * time.Second})
	conv := uuid.New()
	start := clk.now()

	e, err := q.EnqueueAt(ctx, conv, "oi", clk.now())
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Minute), e.ScheduledFor)

	clk.advance(20 * time.Second)
	e, _ = q.EnqueueAt(ctx, conv, "tudo bem?", clk.now())
	assert.Equal(t, start.Add(80*time.Second), e.ScheduledFor)

	clk.advance(50 * time.Second)
	e, _ = q.EnqueueAt(ctx, conv, "quanto custa?", clk.now())
	assert.Equal(t, start.Add(90*time.Second), e.ScheduledFor, "capped at max debounce")
}

func TestFixedWindowKeepsDeadline(t *testing.T) {
	ctx := context.Background()
	q, _, clk := newTestQueue(Policy{Window: time.Minute})
	conv := uuid.New()
	start := clk.now()
	_, _ = q.EnqueueAt(ctx, conv, "a", clk.now())
	clk.advance(30 * time.Second)
	e, _ := q.EnqueueAt(ctx, conv, "b", clk.now())
	assert.Equal(t, start.Add(time.Minute), e.ScheduledFor)
}

func TestDequeueDueOldestFirstAndCapped(t *testing.T) {
	ctx := context.Background()
	q, _, clk := newTestQueue(DefaultPolicy())
	var convs []uuid.UUID
	for i := 0; i < 12; i++ {
		c := uuid.New()
		convs = append(convs, c)
		require.NoError(t, q.Enqueue(ctx, c, "hi"))
		clk.advance(time.Second)
	}
	due, err := q.DequeueDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "window still open")

	clk.advance(2 * time.Minute)
	due, err = q.DequeueDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 10)
	assert.Equal(t, convs[0], due[0].ConversationID)
	assert.Equal(t, convs[9], due[9].ConversationID)
}

func TestEnqueueRejectsBlank(t *testing.T) {
	q, _, _ := newTestQueue(DefaultPolicy())
	assert.ErrorIs(t, q.Enqueue(context.Background(), uuid.New(), "   "), ErrEmptyText)
}

func TestMessagesDuringProcessingAreCarriedOver(t *testing.T) {
	ctx := context.Background()
	q, store, clk := newTestQueue(DefaultPolicy())
	conv := uuid.New()

	require.NoError(t, q.Enqueue(ctx, conv, "first"))
	clk.advance(2 * time.Minute)
	due, _ := q.DequeueDue(ctx, 10)
	require.Len(t, due, 1)
	claimed, err := q.Claim(ctx, due[0].ID)
	require.NoError(t, err)

	_, err = q.Claim(ctx, due[0].ID)
	assert.ErrorIs(t, err, ErrNotClaimable)

	require.NoError(t, q.Enqueue(ctx, conv, "second"))
	entries := store.All(conv)
	require.Len(t, entries, 1, "still one open entry")

	require.NoError(t, q.Finish(ctx, claimed.ID, StatusSent, len(claimed.Contents), ""))
	entries = store.All(conv)
	require.Len(t, entries, 2)
	assert.Equal(t, StatusSent, entries[0].Status)
	assert.Equal(t, []string{"first"}, texts(entries[0].Contents))
	assert.Equal(t, StatusWaiting, entries[1].Status)
	assert.Equal(t, []string{"second"}, texts(entries[1].Contents))
	assert.Equal(t, clk.now().Add(time.Minute), entries[1].ScheduledFor)
}

func TestJoinedTextSortsByArrival(t *testing.T) {
	base := time.Now()
	got := JoinedText([]Content{
		{Text: "second", ReceivedAt: base.Add(time.Second)},
		{Text: " ", ReceivedAt: base.Add(2 * time.Second)},
		{Text: "first", ReceivedAt: base},
	})
	assert.Equal(t, "first\nsecond", got)
}

func TestPurgeRemovesOldTerminalEntries(t *testing.T) {
	ctx := context.Background()
	q, store, clk := newTestQueue(DefaultPolicy())
	done, open := uuid.New(), uuid.New()
	require.NoError(t, q.Enqueue(ctx, done, "x"))
	clk.advance(2 * time.Minute)
	due, _ := q.DequeueDue(ctx, 10)
	claimed, _ := q.Claim(ctx, due[0].ID)
	require.NoError(t, q.Finish(ctx, claimed.ID, StatusSkipped, 1, ""))
	require.NoError(t, q.Enqueue(ctx, open, "y"))

	clk.advance(8 * 24 * time.Hour)
	n, err := q.Purge(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, store.All(done))
	assert.Len(t, store.All(open), 1)
}

func texts(cs []Content) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Text
	}
	return out
}
