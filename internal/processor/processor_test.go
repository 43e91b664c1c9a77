package processor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/wa-lead-router/internal/chatflow"
	"github.com/wolfman30/wa-lead-router/internal/conversation"
	"github.com/wolfman30/wa-lead-router/internal/delivery"
	"github.com/wolfman30/wa-lead-router/internal/events"
	"github.com/wolfman30/wa-lead-router/internal/messaging"
	"github.com/wolfman30/wa-lead-router/internal/queue"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

type fakeEngine struct {
	turns  []chatflow.Turn
	reply  chatflow.Reply
	err    error
	during func()
}

func (f *fakeEngine) SendTurn(_ context.Context, turn chatflow.Turn) (chatflow.Reply, error) {
	f.turns = append(f.turns, turn)
	if f.during != nil {
		f.during()
	}
	return f.reply, f.err
}

type fakeSender struct {
	sent []messaging.Outbound
	err  error
}

func (f *fakeSender) Send(_ context.Context, out messaging.Outbound) (*delivery.Entry, error) {
	f.sent = append(f.sent, out)
	if f.err != nil {
		return &delivery.Entry{ID: uuid.New(), Status: delivery.StatusFailed}, f.err
	}
	return &delivery.Entry{ID: uuid.New(), Status: delivery.StatusSent, TransportMessageID: "wamid.1"}, nil
}

type fixture struct {
	now    time.Time
	store  *queue.MemoryStore
	queue  *queue.Queue
	convs  *conversation.MemoryStore
	engine *fakeEngine
	sender *fakeSender
	events *events.MemoryRecorder
	proc   *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:    time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		store:  queue.NewMemoryStore(),
		convs:  conversation.NewMemoryStore(),
		engine: &fakeEngine{reply: chatflow.Reply{Handle: "sess-1", Text: "Temos sim! Qual potência?"}},
		sender: &fakeSender{},
		events: &events.MemoryRecorder{},
	}
	clock := func() time.Time { return f.now }
	f.queue = queue.New(f.store, queue.DefaultPolicy(), logging.Discard()).WithClock(clock)
	f.proc = New(Config{
		Queue:         f.queue,
		Engine:        f.engine,
		Conversations: f.convs,
		Messages:      f.convs,
		Sender:        f.sender,
		Events:        f.events,
		Logger:        logging.Discard(),
	}).WithClock(clock)
	return f
}

func (f *fixture) conversation(t *testing.T, source conversation.Source) *conversation.Conversation {
	t.Helper()
	c, _, err := f.convs.Ensure(context.Background(), "5551997519607", source, "Carla")
	require.NoError(t, err)
	return c
}

func (f *fixture) enqueue(t *testing.T, id uuid.UUID, texts ...string) {
	t.Helper()
	for _, text := range texts {
		_, err := f.queue.EnqueueAt(context.Background(), id, text, f.now)
		require.NoError(t, err)
		f.now = f.now.Add(10 * time.Second)
	}
}

func TestTickCoalescesBatchIntoOneReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.conversation(t, conversation.SourceGateway)
	f.enqueue(t, c.ID, "oi", "vocês vendem placa solar?", "pra casa")

	res, err := f.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "window still open")

	f.now = f.now.Add(2 * time.Minute)
	res, err = f.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)

	require.Len(t, f.engine.turns, 1)
	assert.Equal(t, "oi\nvocês vendem placa solar?\npra casa", f.engine.turns[0].Text)
	assert.Empty(t, f.engine.turns[0].Handle)

	require.Len(t, f.sender.sent, 1)
	out := f.sender.sent[0]
	assert.Equal(t, delivery.TransportGateway, out.Transport)
	assert.Equal(t, "5551997519607", out.To)
	assert.Equal(t, "Temos sim! Qual potência?", out.Text)

	stored, _ := f.convs.Get(ctx, c.ID)
	assert.Equal(t, "sess-1", stored.EngineHandle())

	msgs, _ := f.convs.ListMessages(ctx, c.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.SenderBot, msgs[0].SenderType)
	assert.Equal(t, "wamid.1", msgs[0].ProviderMessageID)

	entries := f.store.All(c.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.StatusSent, entries[0].Status)
	assert.NotNil(t, entries[0].ProcessedAt)
}

func TestTickReusesEngineHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.conversation(t, conversation.SourceOfficial)
	_, err := conversation.Mutate(ctx, f.convs, c.ID, func(c *conversation.Conversation) error {
		c.SetEngineHandle("sess-1")
		return nil
	})
	require.NoError(t, err)

	f.enqueue(t, c.ID, "e o preço?")
	f.now = f.now.Add(2 * time.Minute)
	_, err = f.proc.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, "sess-1", f.engine.turns[0].Handle)
	assert.Equal(t, delivery.TransportOfficial, f.sender.sent[0].Transport)
}

func TestTickSkipsWhenOperatorHasControl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.conversation(t, conversation.SourceGateway)
	f.enqueue(t, c.ID, "oi")
	_, err := conversation.Mutate(ctx, f.convs, c.ID, func(c *conversation.Conversation) error {
		return c.AssumeControl("op-7")
	})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	res, err := f.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Empty(t, f.engine.turns)
	assert.Empty(t, f.sender.sent)

	entry := f.store.All(c.ID)[0]
	assert.Equal(t, queue.StatusSkipped, entry.Status)
	assert.Equal(t, SkipFallback, entry.LastError)
	assert.Equal(t, []string{events.TypeQueueSkipped}, f.events.Types(c.ID))
}

func TestTickDiscardsReplyWhenSupersededDuringEngineCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.conversation(t, conversation.SourceGateway)
	f.enqueue(t, c.ID, "oi")
	f.engine.during = func() {
		_, err := conversation.Mutate(ctx, f.convs, c.ID, func(c *conversation.Conversation) error {
			return c.AssumeControl("op-7")
		})
		require.NoError(t, err)
	}

	f.now = f.now.Add(2 * time.Minute)
	res, err := f.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Empty(t, f.sender.sent)

	msgs, _ := f.convs.ListMessages(ctx, c.ID)
	assert.Empty(t, msgs)
	assert.Equal(t, SkipSuperseded, f.store.All(c.ID)[0].LastError)
}

func TestTickRecordsEngineAndDispatchFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.conversation(t, conversation.SourceGateway)
	f.enqueue(t, c.ID, "oi")
	f.engine.err = errors.New("engine 502")

	f.now = f.now.Add(2 * time.Minute)
	res, err := f.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, res)
	entry := f.store.All(c.ID)[0]
	assert.Equal(t, queue.StatusError, entry.Status)
	assert.Contains(t, entry.LastError, "engine: engine 502")
	assert.Len(t, f.engine.turns, 1, "no inline retry")

	f.engine.err = nil
	f.sender.err = errors.Join(messaging.ErrSendFailed, errors.New("gateway down"))
	f.enqueue(t, c.ID, "alô?")
	f.now = f.now.Add(2 * time.Minute)
	res, err = f.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, res)

	msgs, _ := f.convs.ListMessages(ctx, c.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(delivery.StatusFailed), msgs[0].Status)
	assert.Contains(t, f.store.All(c.ID)[1].LastError, "dispatch:")
}

func TestTickCarriesOverTextsArrivingDuringProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.conversation(t, conversation.SourceGateway)
	f.enqueue(t, c.ID, "oi")
	f.engine.during = func() {
		_, err := f.queue.EnqueueAt(ctx, c.ID, "ainda aí?", f.now)
		require.NoError(t, err)
	}

	f.now = f.now.Add(2 * time.Minute)
	res, err := f.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	entries := f.store.All(c.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, queue.StatusSent, entries[0].Status)
	assert.Len(t, entries[0].Contents, 1)
	assert.Equal(t, queue.StatusWaiting, entries[1].Status)
	assert.Equal(t, "ainda aí?", entries[1].Contents[0].Text)
}

func TestTickAbortsWhenEngineNotConfigured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.conversation(t, conversation.SourceGateway)
	f.enqueue(t, a.ID, "oi")
	f.engine.err = chatflow.ErrNotConfigured

	f.now = f.now.Add(2 * time.Minute)
	_, err := f.proc.Tick(ctx)
	require.ErrorIs(t, err, chatflow.ErrNotConfigured)

	entry := f.store.All(a.ID)[0]
	assert.Equal(t, queue.StatusWaiting, entry.Status, "claim released")
	assert.Empty(t, entry.LastError)
}

// ctxBoundStore refuses to finalize once the caller's context is done, the
// way a pgx call does.
type ctxBoundStore struct {
	*queue.MemoryStore
	finalizeErr error
}

func (s *ctxBoundStore) Finalize(ctx context.Context, id uuid.UUID, out queue.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	return s.MemoryStore.Finalize(ctx, id, out)
}

// stallingEngine holds the turn until the caller gives up.
type stallingEngine struct{}

func (stallingEngine) SendTurn(ctx context.Context, _ chatflow.Turn) (chatflow.Reply, error) {
	<-ctx.Done()
	return chatflow.Reply{}, ctx.Err()
}

func (f *fixture) processorOver(store queue.Store, engine chatflow.Engine) *Processor {
	clock := func() time.Time { return f.now }
	q := queue.New(store, queue.DefaultPolicy(), logging.Discard()).WithClock(clock)
	return New(Config{
		Queue:         q,
		Engine:        engine,
		Conversations: f.convs,
		Messages:      f.convs,
		Sender:        f.sender,
		Events:        f.events,
		Logger:        logging.Discard(),
	}).WithClock(clock)
}

func TestTickRetiresEntryWhenBudgetExpires(t *testing.T) {
	f := newFixture(t)
	c := f.conversation(t, conversation.SourceGateway)
	f.enqueue(t, c.ID, "oi")
	f.now = f.now.Add(2 * time.Minute)
	proc := f.processorOver(&ctxBoundStore{MemoryStore: f.store}, stallingEngine{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, res)

	entries := f.store.All(c.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.StatusError, entries[0].Status, "not left in processing")
	assert.Contains(t, entries[0].LastError, "engine")
	assert.Contains(t, entries[0].LastError, context.DeadlineExceeded.Error())

	open, err := f.queue.HasOpen(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, open)

	// The conversation keeps flowing: the next text opens a fresh entry.
	f.enqueue(t, c.ID, "alô?")
	f.now = f.now.Add(2 * time.Minute)
	due, err := f.queue.DequeueDue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "alô?", queue.JoinedText(due[0].Contents))
}

func TestTickStopsClaimingOnceBudgetIsSpent(t *testing.T) {
	f := newFixture(t)
	a := f.conversation(t, conversation.SourceGateway)
	f.enqueue(t, a.ID, "oi")
	f.now = f.now.Add(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.proc.Tick(ctx)
	require.ErrorIs(t, err, context.Canceled)

	entry := f.store.All(a.ID)[0]
	assert.Equal(t, queue.StatusWaiting, entry.Status, "nothing claimed")
	assert.Empty(t, f.engine.turns)
}

func TestFinalizeFailureIsRecoveredByReaper(t *testing.T) {
	f := newFixture(t)
	c := f.conversation(t, conversation.SourceGateway)
	f.enqueue(t, c.ID, "oi")
	f.now = f.now.Add(2 * time.Minute)
	proc := f.processorOver(&ctxBoundStore{MemoryStore: f.store, finalizeErr: errors.New("connection reset")}, f.engine)

	res, err := proc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, res)
	require.Len(t, f.sender.sent, 1)

	entry := f.store.All(c.ID)[0]
	require.Equal(t, queue.StatusProcessing, entry.Status)
	require.NotNil(t, entry.ClaimedAt)

	reaper := queue.NewReaper(f.store, nil, logging.Discard()).
		WithStaleAfter(10 * time.Minute).
		WithClock(func() time.Time { return f.now })
	f.now = f.now.Add(11 * time.Minute)
	reaped, err := reaper.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reaped.Recovered)
	assert.Equal(t, 1, reaped.Requeued)

	entry = f.store.All(c.ID)[0]
	assert.Equal(t, queue.StatusWaiting, entry.Status)
	assert.Equal(t, queue.StaleClaimReason, entry.LastError)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("ção", 200)
	for _, n := range []int{0, 1, 2, 3, 499, 500, 501} {
		got := truncate(s, n)
		assert.LessOrEqual(t, len(got), n)
		assert.True(t, utf8.ValidString(got), "n=%d", n)
	}
	assert.Equal(t, "oi", truncate("oi", 500))
}
