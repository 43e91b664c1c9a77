// Package transfer hands qualified conversations to human sellers.
package transfer

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

	"github.com/wolfman30/wa-lead-router/internal/conversation"
	"github.com/wolfman30/wa-lead-router/internal/delivery"
	"github.com/wolfman30/wa-lead-router/internal/events"
	"github.com/wolfman30/wa-lead-router/internal/leads"
	"github.com/wolfman30/wa-lead-router/internal/messaging"
	"github.com/wolfman30/wa-lead-router/internal/notify"
	"github.com/wolfman30/wa-lead-router/internal/observability/metrics"
	"github.com/wolfman30/wa-lead-router/internal/phone"
	"github.com/wolfman30/wa-lead-router/internal/sellers"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

var tracer = otel.Tracer("waleads.internal.transfer")

// MetadataSpecialties optionally lists product interests used for matching.
const MetadataSpecialties = "interests"

// Relay notifies sellers.
type Relay interface {
	NotifySeller(ctx context.Context, n messaging.SellerNotice) (*delivery.Entry, error)
}

// Sender dispatches customer-facing messages.
type Sender interface {
	Send(ctx context.Context, out messaging.Outbound) (*delivery.Entry, error)
}

// Request describes one transfer. A nil SellerID asks the matcher to pick
// one and marks the transfer automatic.
type Request struct {
	ConversationID uuid.UUID
	Summary        string
	Reason         string
	Confidence     leads.Confidence
	SellerID       *uuid.UUID
	OperatorID     string
}

func (r Request) manual() bool { return r.SellerID != nil }

// Policy bounds notification retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BatchSize   int
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Minute, MaxDelay: time.Hour, BatchSize: 20}
}

// Config wires the orchestrator.
type Config struct {
	Conversations conversation.Store
	Messages      conversation.MessageStore
	Leads         leads.Repository
	Sellers       sellers.Repository
	Matcher       Matcher
	Relay         Relay
	Sender        Sender
	Alerter       notify.Alerter
	Events        events.Recorder
	Metrics       *metrics.RouterMetrics
	Logger        *logging.Logger
	Policy        Policy
}

// Orchestrator runs the five transfer steps. Steps are individually
// idempotent and are not rolled back when a later step fails.
type Orchestrator struct {
	conversations conversation.Store
	messages      conversation.MessageStore
	leads         leads.Repository
	sellers       sellers.Repository
	matcher       Matcher
	relay         Relay
	sender        Sender
	alerter       notify.Alerter
	events        events.Recorder
	metrics       *metrics.RouterMetrics
	logger        *logging.Logger
	policy        Policy
	now           func() time.Time
}

func NewOrchestrator(cfg Config) *Orchestrator {
	def := DefaultPolicy()
	p := cfg.Policy
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.BatchSize <= 0 {
		p.BatchSize = def.BatchSize
	}
	if cfg.Matcher == nil && cfg.Sellers != nil {
		cfg.Matcher = NewLeastWorkloadMatcher(cfg.Sellers)
	}
	if cfg.Alerter == nil {
		cfg.Alerter = notify.NopAlerter{}
	}
	if cfg.Events == nil {
		cfg.Events = events.NopRecorder{}
	}
	return &Orchestrator{
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		leads:         cfg.Leads,
		sellers:       cfg.Sellers,
		matcher:       cfg.Matcher,
		relay:         cfg.Relay,
		sender:        cfg.Sender,
		alerter:       cfg.Alerter,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		logger:        logging.OrDefault(cfg.Logger).Component("transfer"),
		policy:        p,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

// Transfer hands the conversation to a seller. When the seller cannot be
// notified the lead is still returned, together with an error wrapping
// ErrNotificationFailed; the notification is retried later.
func (o *Orchestrator) Transfer(ctx context.Context, req Request) (*leads.Lead, error) {
	trigger := "automatic"
	if req.manual() {
		trigger = "manual"
	}
	ctx, span := tracer.Start(ctx, "transfer.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("waleads.conversation_id", req.ConversationID.String()),
		attribute.String("waleads.trigger", trigger),
	)

	lead, err := o.transfer(ctx, req)
	outcome := "notified"
	switch {
	case errors.Is(err, ErrNotificationFailed):
		outcome = "notification_failed"
	case errors.Is(err, conversation.ErrSuperseded):
		outcome = "superseded"
	case err != nil:
		outcome = "failed"
	}
	o.metrics.ObserveTransfer(trigger, outcome)
	if err != nil && !errors.Is(err, ErrNotificationFailed) {
		span.RecordError(err)
	}
	return lead, err
}

func (o *Orchestrator) transfer(ctx context.Context, req Request) (*leads.Lead, error) {
	conv, err := o.conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !req.manual() {
		if conv.FallbackMode {
			return nil, conversation.ErrSuperseded
		}
		if conv.Status != conversation.StatusQualifiedForTransfer && conv.Status != conversation.StatusSentToSeller {
			return nil, fmt.Errorf("%w: status %s", ErrNotQualified, conv.Status)
		}
	}

	// Step 1: seller.
	existing, err := o.leads.GetOpenByConversation(ctx, conv.ID)
	if err != nil && !errors.Is(err, leads.ErrLeadNotFound) {
		return nil, fmt.Errorf("transfer: open lead: %w", err)
	}
	seller, err := o.pickSeller(ctx, req, conv, existing)
	if err != nil {
		return nil, err
	}

	// Step 2: lead.
	lead, created, err := o.leads.CreateForConversation(ctx, leads.NewLead{
		ConversationID: conv.ID,
		SellerID:       seller.ID,
		CustomerName:   conv.CustomerName,
		CustomerPhone:  conv.Phone,
		Summary:        req.Summary,
		Reason:         req.Reason,
		Confidence:     confidenceFor(req),
		CreatedBy:      createdBy(req),
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: create lead: %w", err)
	}
	if created {
		if err := o.sellers.AdjustWorkload(ctx, seller.ID, 1); err != nil {
			o.logger.Warn("seller workload not adjusted", "seller_id", seller.ID, "lead_id", lead.ID, "error", err)
		}
		o.record(ctx, conv.ID, events.TypeLeadCreated, map[string]any{
			"lead_id": lead.ID, "seller_id": seller.ID, "reason": lead.Reason, "confidence": lead.Confidence,
		})
	}

	// Step 3: ownership.
	if _, err := conversation.Mutate(ctx, o.conversations, conv.ID, func(c *conversation.Conversation) error {
		return c.MarkSentToSeller(seller.ID, req.manual())
	}); err != nil {
		o.logger.Error("conversation not flipped to seller",
			"conversation_id", conv.ID, "phone", phone.Mask(conv.Phone), "lead_id", lead.ID, "stage", "mark_sent_to_seller", "error", err)
		return lead, fmt.Errorf("transfer: mark sent to seller: %w", err)
	}

	// Steps 4 and 5.
	return o.notify(ctx, lead, seller, conv)
}

func (o *Orchestrator) pickSeller(ctx context.Context, req Request, conv *conversation.Conversation, existing *leads.Lead) (*sellers.Seller, error) {
	if req.manual() {
		if existing != nil && existing.SellerID != *req.SellerID {
			return nil, ErrLeadAssigned
		}
		s, err := o.sellers.Get(ctx, *req.SellerID)
		if err != nil {
			return nil, err
		}
		if !s.Active {
			return nil, sellers.ErrInactive
		}
		return s, nil
	}
	if existing != nil {
		return o.sellers.Get(ctx, existing.SellerID)
	}
	if o.matcher == nil {
		return nil, ErrNoSellerAvailable
	}
	return o.matcher.Match(ctx, Criteria{Specialties: interests(conv)})
}

// notify relays the summary unless the seller already has it, then sends
// the seller's first message when enabled.
func (o *Orchestrator) notify(ctx context.Context, lead *leads.Lead, seller *sellers.Seller, conv *conversation.Conversation) (*leads.Lead, error) {
	if !lead.Notified() {
		entry, err := o.relay.NotifySeller(ctx, messaging.SellerNotice{
			SellerPhone:    seller.Phone,
			Text:           SellerNoticeText(seller, lead, conv),
			ConversationID: conv.ID,
			LeadID:         lead.ID,
		})
		if err != nil {
			return o.notificationFailed(ctx, lead, conv, err)
		}
		now := o.now()
		if err := o.leads.MarkNotified(ctx, lead.ID, now); err != nil {
			return lead, fmt.Errorf("transfer: mark notified: %w", err)
		}
		lead.NotifiedAt = &now
		o.record(ctx, conv.ID, events.TypeLeadNotified, map[string]any{"lead_id": lead.ID, "delivery_id": entry.ID})
		o.logger.Info("seller notified", "conversation_id", conv.ID, "lead_id", lead.ID, "seller_id", seller.ID, "delivery_id", entry.ID)
	}

	if seller.AutoFirstMessage && lead.FirstMessageSentAt == nil {
		if err := o.sendFirstMessage(ctx, lead, seller, conv); err != nil {
			// The seller was told; the greeting is optional.
			o.logger.Warn("seller first message failed",
				"conversation_id", conv.ID, "phone", phone.Mask(conv.Phone), "lead_id", lead.ID, "stage", "first_message", "error", err)
		}
	}
	return lead, nil
}

func (o *Orchestrator) notificationFailed(ctx context.Context, lead *leads.Lead, conv *conversation.Conversation, cause error) (*leads.Lead, error) {
	attempts := lead.NotificationAttempts + 1
	next := o.now().Add(o.backoff(attempts))
	if err := o.leads.RecordNotificationFailure(ctx, lead.ID, truncate(cause.Error(), 500), next); err != nil {
		o.logger.Error("notification failure not recorded", "lead_id", lead.ID, "error", err)
	}
	lead.NotificationAttempts = attempts
	lead.LastNotificationError = cause.Error()
	lead.NextNotificationAt = &next

	o.logger.Error("seller notification failed",
		"conversation_id", conv.ID,
		"phone", phone.Mask(conv.Phone),
		"lead_id", lead.ID,
		"stage", "notify_seller",
		"attempt", attempts,
		"error", cause,
	)
	o.record(ctx, conv.ID, events.TypeLeadNotificationFailed, map[string]any{"lead_id": lead.ID, "attempt": attempts, "error": cause.Error()})
	if attempts == 1 || attempts >= o.policy.MaxAttempts {
		if err := o.alerter.Alert(ctx, notify.Alert{
			Stage:          notify.StageNotificationFailed,
			ConversationID: conv.ID.String(),
			Phone:          conv.Phone,
			LeadID:         lead.ID.String(),
			Detail:         fmt.Sprintf("attempt %d/%d: %v", attempts, o.policy.MaxAttempts, cause),
		}); err != nil {
			o.logger.Error("notification alert failed", "lead_id", lead.ID, "error", err)
		}
	}
	return lead, fmt.Errorf("%w: %w", ErrNotificationFailed, cause)
}

func (o *Orchestrator) sendFirstMessage(ctx context.Context, lead *leads.Lead, seller *sellers.Seller, conv *conversation.Conversation) error {
	if o.sender == nil {
		return nil
	}
	text := seller.FirstMessage(conv.CustomerName)
	out := messaging.Outbound{
		Transport:      delivery.Transport(conv.Source),
		Direction:      delivery.DirectionCustomer,
		To:             conv.Phone,
		Text:           text,
		ConversationID: &conv.ID,
		LeadID:         &lead.ID,
	}
	if seller.GatewayTokenRef != "" {
		out.Transport = delivery.TransportGateway
		out.Identity = seller.GatewayTokenRef
	}
	msg := &conversation.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderType:     conversation.SenderSeller,
		Content:        text,
		MessageType:    conversation.MessageText,
		Source:         conversation.Source(out.Transport),
		Status:         "pending",
		CreatedAt:      o.now(),
	}
	if err := o.messages.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist first message: %w", err)
	}
	entry, err := o.sender.Send(ctx, out)
	if err != nil {
		if attachErr := o.messages.AttachProviderID(ctx, msg.ID, "", string(delivery.StatusFailed)); attachErr != nil {
			o.logger.Warn("first message status not saved", "message_id", msg.ID, "error", attachErr)
		}
		return err
	}
	if err := o.messages.AttachProviderID(ctx, msg.ID, entry.TransportMessageID, string(entry.Status)); err != nil {
		o.logger.Warn("first message provider id not saved", "message_id", msg.ID, "error", err)
	}
	now := o.now()
	lead.FirstMessageSentAt = &now
	return o.leads.MarkFirstMessageSent(ctx, lead.ID, now)
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.policy.MaxDelay {
			return o.policy.MaxDelay
		}
	}
	return d
}

func (o *Orchestrator) record(ctx context.Context, conversationID uuid.UUID, eventType string, payload any) {
	if err := o.events.Record(ctx, conversationID, eventType, payload); err != nil {
		o.logger.Warn("event not recorded", "conversation_id", conversationID, "type", eventType, "error", err)
	}
}

// SellerNoticeText is the relay message a seller receives for a new lead.
func SellerNoticeText(seller *sellers.Seller, lead *leads.Lead, conv *conversation.Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Novo lead para você, %s!\n\n", seller.Name)
	if s := strings.TrimSpace(lead.Summary); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Contato: %s\nLead: %s", phone.E164(conv.Phone), lead.ID)
	return b.String()
}

func interests(c *conversation.Conversation) []string {
	switch v := c.Metadata[MetadataSpecialties].(type) {
	case string:
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []string:
		return v
	case []any:
		var out []string
		for _, p := range v {
			if s, ok := p.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func confidenceFor(req Request) leads.Confidence {
	if req.manual() {
		return leads.ConfidenceManual
	}
	if req.Confidence == "" {
		return leads.ConfidenceHigh
	}
	return req.Confidence
}

func createdBy(req Request) string {
	if req.manual() && req.OperatorID != "" {
		return req.OperatorID
	}
	return "system"
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
