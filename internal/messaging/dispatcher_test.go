package messaging

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

	"github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/delivery"
	"github.com/wolfman30/wa-lead-router/internal/messaging/gatewayclient"
	"github.com/wolfman30/wa-lead-router/internal/messaging/metaclient"
	"github.com/wolfman30/wa-lead-router/internal/phone"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

type gatewayCall struct {
	token, phone, body string
	media              *gatewayclient.Media
}

type fakeGateway struct {
	calls []gatewayCall
	err   error
}

func (f *fakeGateway) SendText(_ context.Context, token, phone, body string) (*gatewayclient.SendResult, error) {
	f.calls = append(f.calls, gatewayCall{token: token, phone: phone, body: body})
	if f.err != nil {
		return nil, f.err
	}
	return &gatewayclient.SendResult{ID: "gw-1"}, nil
}

func (f *fakeGateway) SendMedia(_ context.Context, token, phone string, media gatewayclient.Media) (*gatewayclient.SendResult, error) {
	f.calls = append(f.calls, gatewayCall{token: token, phone: phone, media: &media})
	if f.err != nil {
		return nil, f.err
	}
	return &gatewayclient.SendResult{ID: "gw-media"}, nil
}

type fakeOfficial struct {
	to   []string
	body []string
}

func (f *fakeOfficial) SendText(_ context.Context, to, body string) (*metaclient.SendResponse, error) {
	f.to = append(f.to, to)
	f.body = append(f.body, body)
	return &metaclient.SendResponse{Messages: []metaclient.SentMessage{{ID: "wamid.1"}}}, nil
}

func (f *fakeOfficial) SendMedia(_ context.Context, to string, _ metaclient.MediaMessage) (*metaclient.SendResponse, error) {
	f.to = append(f.to, to)
	return &metaclient.SendResponse{Messages: []metaclient.SentMessage{{ID: "wamid.media"}}}, nil
}

func newTestDispatcher(t *testing.T, gw *fakeGateway, official *fakeOfficial) (*Dispatcher, *delivery.MemoryStore) {
	t.Helper()
	store := delivery.NewMemoryStore()
	settings := config.NewMapProvider(map[string]string{
		IdentityCustomer: "customer-token",
		IdentityRelay:    "relay-token",
	})
	d := NewDispatcher(DispatcherConfig{
		Official:   official,
		Gateway:    gw,
		Log:        store,
		Settings:   settings,
		Normalizer: phone.New("55"),
		Logger:     logging.Discard(),
	})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.WithClock(func() time.Time { return fixed })
	return d, store
}

func TestDispatcherGatewayUsesLegacyAddress(t *testing.T) {
	gw := &fakeGateway{}
	d, store := newTestDispatcher(t, gw, &fakeOfficial{})
	convID := uuid.New()

	entry, err := d.Send(context.Background(), Outbound{
		Transport:      delivery.TransportGateway,
		To:             "5551997519607",
		Text:           "Oi!",
		ConversationID: &convID,
	})
	require.NoError(t, err)
	require.Len(t, gw.calls, 1)
	assert.Equal(t, "customer-token", gw.calls[0].token)
	assert.Equal(t, "555197519607", gw.calls[0].phone)

	stored, err := store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, stored.Status)
	assert.Equal(t, "gw-1", stored.TransportMessageID)
	assert.Equal(t, "5551997519607", stored.ToPhone)
	assert.Equal(t, IdentityCustomer, stored.Identity)
}

func TestDispatcherOfficialUsesCanonicalNumber(t *testing.T) {
	official := &fakeOfficial{}
	d, _ := newTestDispatcher(t, &fakeGateway{}, official)

	entry, err := d.Send(context.Background(), Outbound{
		Transport: delivery.TransportOfficial,
		To:        "5551997519607",
		Text:      "Olá",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"5551997519607"}, official.to)
	assert.Equal(t, "wamid.1", entry.TransportMessageID)
}

func TestDispatcherRecordsFailedAttempt(t *testing.T) {
	gw := &fakeGateway{err: errors.New("gateway down")}
	d, store := newTestDispatcher(t, gw, nil)

	entry, err := d.Send(context.Background(), Outbound{
		Transport: delivery.TransportGateway,
		To:        "5551997519607",
		Text:      "Oi",
	})
	require.ErrorIs(t, err, ErrSendFailed)
	require.NotNil(t, entry)

	stored, getErr := store.Get(context.Background(), entry.ID)
	require.NoError(t, getErr)
	assert.Equal(t, delivery.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "gateway down")
}

func TestDispatcherShortRawNumberAndLongReason(t *testing.T) {
	gw := &fakeGateway{err: errors.New(strings.Repeat("não entregue ", 60))}
	d, store := newTestDispatcher(t, gw, nil)

	var (
		entry *delivery.Entry
		err   error
	)
	require.NotPanics(t, func() {
		entry, err = d.Send(context.Background(), Outbound{
			Transport: delivery.TransportGateway,
			Direction: delivery.DirectionSeller,
			Identity:  IdentityRelay,
			To:        "1234567",
			Text:      "Novo lead",
		})
	})
	require.ErrorIs(t, err, ErrSendFailed)
	require.NotNil(t, entry)

	stored, getErr := store.Get(context.Background(), entry.ID)
	require.NoError(t, getErr)
	assert.Equal(t, delivery.StatusFailed, stored.Status)
	assert.LessOrEqual(t, len(stored.FailureReason), 500)
	assert.True(t, utf8.ValidString(stored.FailureReason))
}

func TestDispatcherMissingTokenIsRecorded(t *testing.T) {
	gw := &fakeGateway{}
	d, store := newTestDispatcher(t, gw, nil)

	entry, err := d.Send(context.Background(), Outbound{
		Transport: delivery.TransportGateway,
		Identity:  "SELLER_ANA_TOKEN",
		To:        "5551997519607",
		Text:      "Oi",
	})
	require.ErrorIs(t, err, config.ErrMissingSetting)
	assert.Empty(t, gw.calls)
	stored, _ := store.Get(context.Background(), entry.ID)
	assert.Equal(t, delivery.StatusFailed, stored.Status)
}

func TestDispatcherMediaKindValidated(t *testing.T) {
	gw := &fakeGateway{}
	d, _ := newTestDispatcher(t, gw, nil)

	_, err := d.Send(context.Background(), Outbound{
		Transport:   delivery.TransportGateway,
		To:          "5551997519607",
		MessageType: "sticker",
		MediaURL:    "https://cdn.example.com/a.webp",
	})
	require.ErrorIs(t, err, ErrUnsupportedContent)

	_, err = d.Send(context.Background(), Outbound{
		Transport:   delivery.TransportGateway,
		To:          "5551997519607",
		MessageType: "image",
		MediaURL:    "https://cdn.example.com/a.jpg",
		Text:        "catálogo",
	})
	require.NoError(t, err)
	require.NotNil(t, gw.calls[len(gw.calls)-1].media)
	assert.Equal(t, gatewayclient.MediaImage, gw.calls[len(gw.calls)-1].media.Kind)
}

func TestResendLinksToOriginal(t *testing.T) {
	gw := &fakeGateway{}
	d, store := newTestDispatcher(t, gw, nil)
	ctx := context.Background()

	gw.err = errors.New("timeout")
	first, err := d.Send(ctx, Outbound{Transport: delivery.TransportGateway, To: "5551997519607", Text: "Proposta"})
	require.Error(t, err)

	gw.err = nil
	second, err := d.Resend(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, second.RetryOf)
	assert.Equal(t, first.ID, *second.RetryOf)
	assert.Equal(t, 1, second.RetryCount)
	assert.Equal(t, "[reenvio] Proposta", second.Content)

	third, err := d.Resend(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, *third.RetryOf)
	assert.Equal(t, 2, third.RetryCount)
	assert.Equal(t, "[reenvio] Proposta", third.Content)

	orig, _ := store.Get(ctx, first.ID)
	assert.Equal(t, delivery.StatusFailed, orig.Status)
}

func TestRelayUsesRelayIdentity(t *testing.T) {
	gw := &fakeGateway{}
	d, _ := newTestDispatcher(t, gw, nil)
	relay := NewRelay(d, "")

	entry, err := relay.NotifySeller(context.Background(), SellerNotice{
		SellerPhone:    "5551988887777",
		Text:           "Novo lead",
		ConversationID: uuid.New(),
		LeadID:         uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, "relay-token", gw.calls[0].token)
	assert.Equal(t, delivery.DirectionSeller, entry.Direction)
	require.NotNil(t, entry.LeadID)
}
