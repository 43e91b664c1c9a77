// Package messaging sends outbound WhatsApp messages over the official channel
// or the gateway and records every attempt in the delivery log.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/delivery"
	"github.com/wolfman30/wa-lead-router/internal/messaging/gatewayclient"
	"github.com/wolfman30/wa-lead-router/internal/messaging/metaclient"
	"github.com/wolfman30/wa-lead-router/internal/observability/metrics"
	"github.com/wolfman30/wa-lead-router/internal/phone"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

var dispatchTracer = otel.Tracer("waleads.internal.messaging.dispatch")

// Settings keys naming the gateway sender identities.
const (
	IdentityCustomer = "GATEWAY_TOKEN"
	IdentityRelay    = "RELAY_GATEWAY_TOKEN"
)

var (
	// ErrSendFailed wraps transport errors; the failed attempt is still logged.
	ErrSendFailed         = errors.New("messaging: send failed")
	ErrTransportMissing   = errors.New("messaging: transport not configured")
	ErrUnsupportedContent = errors.New("messaging: unsupported content")
)

// OfficialSender is the Cloud API surface the dispatcher uses.
type OfficialSender interface {
	SendText(ctx context.Context, to, body string) (*metaclient.SendResponse, error)
	SendMedia(ctx context.Context, to string, media metaclient.MediaMessage) (*metaclient.SendResponse, error)
}

// GatewaySender is the gateway surface the dispatcher uses.
type GatewaySender interface {
	SendText(ctx context.Context, token, phone, body string) (*gatewayclient.SendResult, error)
	SendMedia(ctx context.Context, token, phone string, media gatewayclient.Media) (*gatewayclient.SendResult, error)
}

// Outbound is one message to send.
type Outbound struct {
	Transport delivery.Transport
	Direction delivery.Direction
	// Identity is the settings key of the gateway token to send with.
	// Defaults to IdentityCustomer. Ignored by the official channel.
	Identity       string
	To             string // canonical digits
	Text           string
	MessageType    string
	MediaURL       string
	FileName       string
	ConversationID *uuid.UUID
	LeadID         *uuid.UUID
	RetryOf        *uuid.UUID
	RetryCount     int
}

// Dispatcher routes outbound messages to the right transport.
type Dispatcher struct {
	official   OfficialSender
	gateway    GatewaySender
	log        delivery.Store
	settings   config.Provider
	normalizer phone.Normalizer
	metrics    *metrics.RouterMetrics
	logger     *logging.Logger
	now        func() time.Time
}

// DispatcherConfig wires the dispatcher.
type DispatcherConfig struct {
	Official   OfficialSender
	Gateway    GatewaySender
	Log        delivery.Store
	Settings   config.Provider
	Normalizer phone.Normalizer
	Metrics    *metrics.RouterMetrics
	Logger     *logging.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Log == nil {
		panic("messaging: delivery log required")
	}
	return &Dispatcher{
		official:   cfg.Official,
		gateway:    cfg.Gateway,
		log:        cfg.Log,
		settings:   cfg.Settings,
		normalizer: cfg.Normalizer,
		metrics:    cfg.Metrics,
		logger:     logging.OrDefault(cfg.Logger).Component("dispatcher"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// Send delivers out and records the attempt. A failed attempt is recorded
// as a failed entry and returned together with an error wrapping ErrSendFailed.
func (d *Dispatcher) Send(ctx context.Context, out Outbound) (*delivery.Entry, error) {
	if strings.TrimSpace(out.To) == "" {
		return nil, errors.New("messaging: recipient required")
	}
	if out.Direction == "" {
		out.Direction = delivery.DirectionCustomer
	}
	if out.MessageType == "" {
		out.MessageType = "text"
	}
	if out.Transport == delivery.TransportGateway && out.Identity == "" {
		out.Identity = IdentityCustomer
	}

	ctx, span := dispatchTracer.Start(ctx, "messaging.dispatch.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("waleads.transport", string(out.Transport)),
		attribute.String("waleads.direction", string(out.Direction)),
	)

	now := d.now()
	entry := &delivery.Entry{
		ID:             uuid.New(),
		Direction:      out.Direction,
		Transport:      out.Transport,
		Identity:       out.Identity,
		ToPhone:        out.To,
		Content:        out.Text,
		MessageType:    out.MessageType,
		MediaURL:       out.MediaURL,
		RetryOf:        out.RetryOf,
		RetryCount:     out.RetryCount,
		ConversationID: out.ConversationID,
		LeadID:         out.LeadID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	messageID, sendErr := d.deliver(ctx, out)
	if sendErr != nil {
		entry.Status = delivery.StatusFailed
		entry.FailureReason = truncate(sendErr.Error(), 500)
	} else {
		entry.Status = delivery.StatusSent
		entry.TransportMessageID = messageID
	}
	if err := d.log.Insert(ctx, entry); err != nil {
		// The message may already be out; losing the log row must not hide that.
		d.logger.Error("delivery log insert failed", "to", phone.Mask(out.To), "transport_message_id", messageID, "error", err)
	}
	d.metrics.ObserveOutbound(string(out.Transport), string(out.Direction), string(entry.Status))

	if sendErr != nil {
		span.RecordError(sendErr)
		d.logger.Warn("outbound send failed",
			"transport", out.Transport,
			"direction", out.Direction,
			"to", phone.Mask(out.To),
			"conversation_id", uuidString(out.ConversationID),
			"lead_id", uuidString(out.LeadID),
			"delivery_id", entry.ID,
			"error", sendErr,
		)
		return entry, fmt.Errorf("%w: %w", ErrSendFailed, sendErr)
	}
	d.logger.Info("outbound sent",
		"transport", out.Transport,
		"direction", out.Direction,
		"to", phone.Mask(out.To),
		"conversation_id", uuidString(out.ConversationID),
		"delivery_id", entry.ID,
		"transport_message_id", messageID,
	)
	return entry, nil
}

// Resend sends a failed entry's content again as a new, linked entry.
func (d *Dispatcher) Resend(ctx context.Context, original *delivery.Entry) (*delivery.Entry, error) {
	if original == nil {
		return nil, delivery.ErrNotFound
	}
	root := original.ID
	if original.RetryOf != nil {
		root = *original.RetryOf
	}
	return d.Send(ctx, Outbound{
		Transport:      original.Transport,
		Direction:      original.Direction,
		Identity:       original.Identity,
		To:             original.ToPhone,
		Text:           delivery.RetryContent(original.Content),
		MessageType:    original.MessageType,
		MediaURL:       original.MediaURL,
		ConversationID: original.ConversationID,
		LeadID:         original.LeadID,
		RetryOf:        &root,
		RetryCount:     original.RetryCount + 1,
	})
}

func (d *Dispatcher) deliver(ctx context.Context, out Outbound) (string, error) {
	switch out.Transport {
	case delivery.TransportOfficial:
		return d.deliverOfficial(ctx, out)
	case delivery.TransportGateway:
		return d.deliverGateway(ctx, out)
	default:
		return "", fmt.Errorf("%w: %q", ErrTransportMissing, out.Transport)
	}
}

func (d *Dispatcher) deliverOfficial(ctx context.Context, out Outbound) (string, error) {
	if d.official == nil {
		return "", fmt.Errorf("%w: official", ErrTransportMissing)
	}
	to := strings.TrimPrefix(phone.E164(out.To), "+")
	var (
		resp *metaclient.SendResponse
		err  error
	)
	if out.MediaURL == "" {
		resp, err = d.official.SendText(ctx, to, out.Text)
	} else {
		kind, ok := officialMediaKind(out.MessageType)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, out.MessageType)
		}
		resp, err = d.official.SendMedia(ctx, to, metaclient.MediaMessage{
			Kind: kind, Link: out.MediaURL, Caption: out.Text, Filename: out.FileName,
		})
	}
	if err != nil {
		return "", err
	}
	return resp.MessageID(), nil
}

func (d *Dispatcher) deliverGateway(ctx context.Context, out Outbound) (string, error) {
	if d.gateway == nil {
		return "", fmt.Errorf("%w: gateway", ErrTransportMissing)
	}
	token, err := config.Require(d.settings, out.Identity)
	if err != nil {
		return "", err
	}
	// The gateway still addresses mobiles in the legacy 8-digit form.
	to := d.normalizer.ToGatewayAddress(out.To)
	var res *gatewayclient.SendResult
	if out.MediaURL == "" {
		res, err = d.gateway.SendText(ctx, token, to, out.Text)
	} else {
		kind, ok := gatewayMediaKind(out.MessageType)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, out.MessageType)
		}
		res, err = d.gateway.SendMedia(ctx, token, to, gatewayclient.Media{
			Kind: kind, URL: out.MediaURL, Caption: out.Text, FileName: out.FileName,
		})
	}
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

func officialMediaKind(t string) (metaclient.MediaKind, bool) {
	switch t {
	case "image":
		return metaclient.MediaImage, true
	case "audio":
		return metaclient.MediaAudio, true
	case "video":
		return metaclient.MediaVideo, true
	case "document":
		return metaclient.MediaDocument, true
	}
	return "", false
}

func gatewayMediaKind(t string) (gatewayclient.MediaKind, bool) {
	switch t {
	case "image":
		return gatewayclient.MediaImage, true
	case "audio":
		return gatewayclient.MediaAudio, true
	case "video":
		return gatewayclient.MediaVideo, true
	case "document":
		return gatewayclient.MediaDocument, true
	}
	return "", false
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
