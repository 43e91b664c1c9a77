package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/wa-lead-router/internal/conversation"
	"github.com/wolfman30/wa-lead-router/internal/delivery"
	"github.com/wolfman30/wa-lead-router/internal/events"
	"github.com/wolfman30/wa-lead-router/internal/notify"
	"github.com/wolfman30/wa-lead-router/internal/queue"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

type flakyMessages struct {
	*conversation.MemoryStore
	failAppend int
}

func (f *flakyMessages) AppendMessage(ctx context.Context, m *conversation.Message) error {
	if f.failAppend > 0 {
		f.failAppend--
		return errors.New("db unavailable")
	}
	return f.MemoryStore.AppendMessage(ctx, m)
}

type fakeMedia struct {
	url string
	err error
}

func (f *fakeMedia) Resolve(_ context.Context, _ conversation.Source, ref, _ string, _ uuid.UUID) (string, error) {
	return f.url + ref, f.err
}

type recordingAlerter struct{ alerts []notify.Alert }

func (r *recordingAlerter) Alert(_ context.Context, a notify.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

type ingestFixture struct {
	now      time.Time
	convs    *conversation.MemoryStore
	messages *flakyMessages
	queue    *queue.MemoryStore
	sent     *delivery.MemoryStore
	events   *events.MemoryRecorder
	media    *fakeMedia
	alerts   *recordingAlerter
	svc      *Service
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	f := &ingestFixture{
		now:    time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC),
		convs:  conversation.NewMemoryStore(),
		queue:  queue.NewMemoryStore(),
		sent:   delivery.NewMemoryStore(),
		events: &events.MemoryRecorder{},
		media:  &fakeMedia{url: "https://media.example/"},
		alerts: &recordingAlerter{},
	}
	f.messages = &flakyMessages{MemoryStore: f.convs}
	clock := func() time.Time { return f.now }
	mr := miniredis.RunT(t)
	f.svc = NewService(ServiceConfig{
		Conversations: f.convs,
		Messages:      f.messages,
		Queue:         queue.New(f.queue, queue.DefaultPolicy(), logging.Discard()).WithClock(clock),
		Deduper:       NewRedisDeduper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour),
		Statuses:      delivery.NewMonitor(delivery.MonitorConfig{Store: f.sent, Logger: logging.Discard()}).WithClock(clock),
		Sent:          f.sent,
		Media:         f.media,
		Alerter:       f.alerts,
		Events:        f.events,
		Logger:        logging.Discard(),
	}).WithClock(clock)
	return f
}

func customerText(id, text string) InboundEvent {
	return InboundEvent{
		Source:            conversation.SourceOfficial,
		ProviderMessageID: id,
		Phone:             "+55 51 99751-9607",
		CustomerName:      "Carla",
		MessageType:       conversation.MessageText,
		Text:              text,
	}
}

func (f *ingestFixture) conversation(t *testing.T, source conversation.Source) *conversation.Conversation {
	t.Helper()
	c, err := f.convs.FindByKey(context.Background(), "5551997519607", source)
	require.NoError(t, err)
	return c
}

func TestHandleQueuesCustomerTextOnce(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	sum, err := f.svc.Handle(ctx, Batch{Messages: []InboundEvent{
		customerText("wamid.A", "oi"),
		customerText("wamid.A", "oi"),
		customerText("wamid.B", "qual o preço?"),
	}})
	require.NoError(t, err)
	assert.Equal(t, Summary{Queued: 2, Duplicates: 1}, sum)

	c := f.conversation(t, conversation.SourceOfficial)
	assert.Equal(t, "Carla", c.CustomerName)
	require.NotNil(t, c.LastCustomerMessageAt)
	assert.Equal(t, f.now, *c.LastCustomerMessageAt)

	msgs, _ := f.convs.ListMessages(ctx, c.ID)
	assert.Len(t, msgs, 2)

	entries := f.queue.All(c.ID)
	require.Len(t, entries, 1, "one open entry per conversation")
	assert.Equal(t, "oi\nqual o preço?", queue.JoinedText(entries[0].Contents))
}

func TestHandleRestoresGatewayMobilePrefix(t *testing.T) {
	f := newIngestFixture(t)
	evt := customerText("3EB0A1", "oi")
	evt.Source = conversation.SourceGateway
	evt.Phone = "555197519607"

	out, err := f.svc.HandleMessage(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	assert.NotNil(t, f.conversation(t, conversation.SourceGateway))
}

func TestHandleRejectsInvalidPhone(t *testing.T) {
	f := newIngestFixture(t)
	evt := customerText("wamid.X", "oi")
	evt.Phone = "12345"

	out, err := f.svc.HandleMessage(context.Background(), evt)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, OutcomeRejected, out)

	sum, err := f.svc.Handle(context.Background(), Batch{Messages: []InboundEvent{evt}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Rejected)
}

func TestHandleResumesFinishedConversation(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	_, err := f.svc.HandleMessage(ctx, customerText("wamid.A", "oi"))
	require.NoError(t, err)
	c := f.conversation(t, conversation.SourceOfficial)
	_, err = conversation.Mutate(ctx, f.convs, c.ID, func(c *conversation.Conversation) error {
		if err := c.MarkWaitingEvaluation(); err != nil {
			return err
		}
		return c.ApplyEvaluation(false, "no_purchase_intent")
	})
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	out, err := f.svc.HandleMessage(ctx, customerText("wamid.B", "voltei, quero orçamento"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)

	c = f.conversation(t, conversation.SourceOfficial)
	assert.Equal(t, conversation.StatusBotAttending, c.Status)
	assert.Contains(t, f.events.Types(c.ID), events.TypeConversationResumed)
}

func TestHandleQueuesUnderManualControl(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	_, err := f.svc.HandleMessage(ctx, customerText("wamid.A", "oi"))
	require.NoError(t, err)
	c := f.conversation(t, conversation.SourceOfficial)
	_, err = conversation.Mutate(ctx, f.convs, c.ID, func(c *conversation.Conversation) error {
		return c.AssumeControl("op-1")
	})
	require.NoError(t, err)

	out, err := f.svc.HandleMessage(ctx, customerText("wamid.B", "alô"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out, "processor decides to skip")
	entries := f.queue.All(c.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, "oi\nalô", queue.JoinedText(entries[0].Contents))

	msgs, _ := f.convs.ListMessages(ctx, c.ID)
	assert.Len(t, msgs, 2)
}

func TestHandleStoresReactionUnqueued(t *testing.T) {
	f := newIngestFixture(t)
	evt := customerText("wamid.R", "👍")
	evt.MessageType = conversation.MessageReaction

	out, err := f.svc.HandleMessage(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out)
	c := f.conversation(t, conversation.SourceOfficial)
	assert.Empty(t, f.queue.All(c.ID))
}

func TestHandleBusinessEchoAndTakeover(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	_, err := f.svc.HandleMessage(ctx, customerText("wamid.A", "oi"))
	require.NoError(t, err)
	require.NoError(t, f.sent.Insert(ctx, &delivery.Entry{
		Transport:          delivery.TransportOfficial,
		Direction:          delivery.DirectionCustomer,
		ToPhone:            "5551997519607",
		TransportMessageID: "wamid.BOT",
		Status:             delivery.StatusSent,
	}))

	echo := customerText("wamid.BOT", "Olá! Como posso ajudar?")
	echo.FromBusiness = true
	out, err := f.svc.HandleMessage(ctx, echo)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEcho, out)

	f.now = f.now.Add(time.Minute)
	human := customerText("wamid.HUMAN", "Oi Carla, aqui é o Pedro")
	human.FromBusiness = true
	out, err = f.svc.HandleMessage(ctx, human)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTakeover, out)

	c := f.conversation(t, conversation.SourceOfficial)
	assert.True(t, c.FallbackMode)
	require.NotNil(t, c.FallbackTakenBy)
	assert.Equal(t, OperatorPhoneID, *c.FallbackTakenBy)
	assert.Contains(t, f.events.Types(c.ID), events.TypeAuthorityAssumed)

	msgs, _ := f.convs.ListMessages(ctx, c.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.SenderSeller, msgs[1].SenderType)

	again := customerText("wamid.HUMAN2", "tudo bem?")
	again.FromBusiness = true
	out, err = f.svc.HandleMessage(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out)
}

func TestHandleReleasesClaimOnFailure(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	f.messages.failAppend = 1

	_, err := f.svc.Handle(ctx, Batch{Messages: []InboundEvent{customerText("wamid.A", "oi")}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidEvent)

	out, err := f.svc.HandleMessage(ctx, customerText("wamid.A", "oi"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out, "redelivery is handled")
}

func TestHandleResolvesMedia(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	evt := customerText("wamid.IMG", "")
	evt.MessageType = conversation.MessageImage
	evt.MediaRef = "media-9"

	out, err := f.svc.HandleMessage(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	c := f.conversation(t, conversation.SourceOfficial)
	msgs, _ := f.convs.ListMessages(ctx, c.ID)
	assert.Equal(t, "https://media.example/media-9", msgs[0].MediaURL)
	assert.Equal(t, "[imagem]", f.queue.All(c.ID)[0].Contents[0].Text)

	f.media.err = errors.New("download 404")
	evt.ProviderMessageID = "wamid.IMG2"
	_, err = f.svc.HandleMessage(ctx, evt)
	require.NoError(t, err, "media failures do not fail the message")
	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, notify.StageMediaFailed, f.alerts.alerts[0].Stage)
}

func TestHandleStatusAdvancesDeliveryLog(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	_, err := f.svc.HandleMessage(ctx, customerText("wamid.A", "oi"))
	require.NoError(t, err)
	c := f.conversation(t, conversation.SourceOfficial)

	f.now = f.now.Add(time.Minute)
	entry := &delivery.Entry{
		Transport:          delivery.TransportOfficial,
		Direction:          delivery.DirectionCustomer,
		ToPhone:            c.Phone,
		TransportMessageID: "wamid.OUT",
		Status:             delivery.StatusSent,
		CreatedAt:          f.now,
	}
	require.NoError(t, f.sent.Insert(ctx, entry))
	require.NoError(t, f.convs.AppendMessage(ctx, &conversation.Message{
		ID: uuid.New(), ConversationID: c.ID, SenderType: conversation.SenderBot,
		Content: "Olá", MessageType: conversation.MessageText, ProviderMessageID: "wamid.OUT", Status: "sent",
		CreatedAt: f.now,
	}))

	sum, err := f.svc.Handle(ctx, Batch{Statuses: []StatusEvent{
		{Source: conversation.SourceOfficial, ProviderMessageID: "wamid.OUT", Status: "delivered"},
		{Source: conversation.SourceOfficial, ProviderMessageID: "wamid.UNKNOWN", Status: "read"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Statuses)

	stored, _ := f.sent.Get(ctx, entry.ID)
	assert.Equal(t, delivery.StatusDelivered, stored.Status)
	msgs, _ := f.convs.ListMessages(ctx, c.ID)
	assert.Equal(t, "delivered", msgs[1].Status)
}
