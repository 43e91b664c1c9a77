package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/wa-lead-router/internal/conversation"
	"github.com/wolfman30/wa-lead-router/internal/delivery"
	"github.com/wolfman30/wa-lead-router/internal/events"
	"github.com/wolfman30/wa-lead-router/internal/notify"
	"github.com/wolfman30/wa-lead-router/internal/observability/metrics"
	"github.com/wolfman30/wa-lead-router/internal/phone"
	"github.com/wolfman30/wa-lead-router/internal/queue"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// OperatorPhoneID is recorded as the fallback holder when someone answers
// from the business phone itself.
const OperatorPhoneID = "business_phone"

// Outcome is what happened to one inbound message.
type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeEcho      Outcome = "echo"
	OutcomeTakeover  Outcome = "takeover"
	OutcomeRejected  Outcome = "rejected"
)

// Enqueuer is the debounced queue.
type Enqueuer interface {
	EnqueueAt(ctx context.Context, conversationID uuid.UUID, text string, receivedAt time.Time) (*queue.Entry, error)
}

// StatusApplier advances the delivery log from a receipt.
type StatusApplier interface {
	ApplyCallback(ctx context.Context, transport delivery.Transport, transportMessageID, raw string) (*delivery.Entry, error)
}

// SentLookup finds messages this system sent.
type SentLookup interface {
	FindByTransportID(ctx context.Context, transportMessageID string) (*delivery.Entry, error)
}

// MediaResolver stores channel media and returns a durable URL.
type MediaResolver interface {
	Resolve(ctx context.Context, source conversation.Source, ref, mime string, messageID uuid.UUID) (string, error)
}

// Summary counts what one webhook call produced.
type Summary struct {
	Queued     int `json:"queued"`
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Echoes     int `json:"echoes"`
	Takeovers  int `json:"takeovers"`
	Rejected   int `json:"rejected"`
	Statuses   int `json:"statuses"`
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeQueued:
		s.Queued++
	case OutcomeStored:
		s.Stored++
	case OutcomeDuplicate:
		s.Duplicates++
	case OutcomeEcho:
		s.Echoes++
	case OutcomeTakeover:
		s.Takeovers++
	case OutcomeRejected:
		s.Rejected++
	}
}

// ServiceConfig wires the ingest service.
type ServiceConfig struct {
	Conversations conversation.Store
	Messages      conversation.MessageStore
	Queue         Enqueuer
	Deduper       Deduper
	Statuses      StatusApplier
	Sent          SentLookup
	Media         MediaResolver
	Alerter       notify.Alerter
	Normalizer    phone.Normalizer
	Events        events.Recorder
	Metrics       *metrics.RouterMetrics
	Logger        *logging.Logger
}

// Service applies inbound webhooks.
type Service struct {
	conversations conversation.Store
	messages      conversation.MessageStore
	queue         Enqueuer
	deduper       Deduper
	statuses      StatusApplier
	sent          SentLookup
	media         MediaResolver
	alerter       notify.Alerter
	normalizer    phone.Normalizer
	events        events.Recorder
	metrics       *metrics.RouterMetrics
	logger        *logging.Logger
	now           func() time.Time
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Events == nil {
		cfg.Events = events.NopRecorder{}
	}
	if cfg.Normalizer.CountryCode == "" {
		cfg.Normalizer = phone.New("")
	}
	if cfg.Alerter == nil {
		cfg.Alerter = notify.NopAlerter{}
	}
	return &Service{
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		queue:         cfg.Queue,
		deduper:       cfg.Deduper,
		statuses:      cfg.Statuses,
		sent:          cfg.Sent,
		media:         cfg.Media,
		alerter:       cfg.Alerter,
		normalizer:    cfg.Normalizer,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		logger:        logging.OrDefault(cfg.Logger).Component("ingest"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Handle applies every message and receipt in batch. Invalid messages are
// counted and skipped; the first storage failure is returned after the rest
// of the batch was attempted so the provider redelivers.
func (s *Service) Handle(ctx context.Context, batch Batch) (Summary, error) {
	var sum Summary
	var firstErr error
	for _, evt := range batch.Messages {
		out, err := s.HandleMessage(ctx, evt)
		sum.add(out)
		if err != nil && !errors.Is(err, ErrInvalidEvent) && firstErr == nil {
			firstErr = err
		}
	}
	for _, st := range batch.Statuses {
		if err := s.HandleStatus(ctx, st); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sum.Statuses++
	}
	return sum, firstErr
}

// HandleMessage applies one inbound message.
func (s *Service) HandleMessage(ctx context.Context, evt InboundEvent) (out Outcome, err error) {
	source := string(evt.Source)
	defer func() {
		result := string(out)
		if err != nil && out == "" {
			result = "error"
		}
		s.metrics.ObserveInbound(source, string(evt.MessageType), result)
	}()

	if !evt.Source.Valid() || !evt.MessageType.Valid() {
		return OutcomeRejected, fmt.Errorf("%w: source %q type %q", ErrInvalidEvent, evt.Source, evt.MessageType)
	}
	canonical, err := s.canonical(evt)
	if err != nil {
		s.logger.Warn("inbound rejected", "source", source, "provider_message_id", evt.ProviderMessageID, "stage", "normalize", "error", err)
		return OutcomeRejected, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if evt.At.IsZero() {
		evt.At = s.now()
	}

	claimed := false
	if s.deduper != nil && evt.ProviderMessageID != "" {
		ok, err := s.deduper.Claim(ctx, source, evt.ProviderMessageID)
		if err != nil {
			return "", err
		}
		if !ok {
			return OutcomeDuplicate, nil
		}
		claimed = true
	}
	defer func() {
		if err != nil && claimed {
			if relErr := s.deduper.Release(ctx, source, evt.ProviderMessageID); relErr != nil {
				s.logger.Warn("dedupe release failed", "provider_message_id", evt.ProviderMessageID, "error", relErr)
			}
		}
	}()

	if evt.FromBusiness {
		return s.handleBusiness(ctx, evt, canonical)
	}
	return s.handleCustomer(ctx, evt, canonical)
}

func (s *Service) canonical(evt InboundEvent) (string, error) {
	if evt.Source == conversation.SourceGateway {
		return s.normalizer.FromGatewayAddress(evt.Phone)
	}
	return s.normalizer.Normalize(evt.Phone)
}

func (s *Service) handleCustomer(ctx context.Context, evt InboundEvent, canonical string) (Outcome, error) {
	conv, created, err := s.conversations.Ensure(ctx, canonical, evt.Source, evt.CustomerName)
	if err != nil {
		return "", s.fail(evt, canonical, uuid.Nil, "ensure_conversation", err)
	}
	msg, err := s.store(ctx, conv.ID, evt, conversation.SenderCustomer)
	if err != nil {
		return "", s.fail(evt, canonical, conv.ID, "append_message", err)
	}

	resumed := false
	conv, err = conversation.Mutate(ctx, s.conversations, conv.ID, func(c *conversation.Conversation) error {
		resumed = c.ResumeByCustomer()
		c.TouchCustomer(evt.At)
		if c.CustomerName == "" && evt.CustomerName != "" {
			c.CustomerName = evt.CustomerName
		}
		return nil
	})
	if err != nil {
		return "", s.fail(evt, canonical, msg.ConversationID, "touch_conversation", err)
	}
	if resumed {
		s.record(ctx, conv.ID, events.TypeConversationResumed, map[string]any{"message_id": msg.ID})
	}

	s.resolveMedia(ctx, conv, msg, evt)

	// Texts are queued whoever holds the conversation; the processor
	// re-checks authority when the window closes and retires them as skipped.
	text := evt.QueueText()
	if text == "" {
		s.logger.Debug("customer message stored", "conversation_id", conv.ID, "created", created, "status", conv.Status)
		return OutcomeStored, nil
	}
	if _, err := s.queue.EnqueueAt(ctx, conv.ID, text, evt.At); err != nil {
		return "", s.fail(evt, canonical, conv.ID, "enqueue", err)
	}
	return OutcomeQueued, nil
}

// handleBusiness separates echoes of our own sends from a person replying
// on the business phone, which takes authority away from the bot.
func (s *Service) handleBusiness(ctx context.Context, evt InboundEvent, canonical string) (Outcome, error) {
	if s.sent != nil && evt.ProviderMessageID != "" {
		_, err := s.sent.FindByTransportID(ctx, evt.ProviderMessageID)
		if err == nil {
			return OutcomeEcho, nil
		}
		if !errors.Is(err, delivery.ErrNotFound) {
			return "", s.fail(evt, canonical, uuid.Nil, "echo_lookup", err)
		}
	}
	if evt.ProviderMessageID != "" {
		if _, err := s.messages.FindMessageByProviderID(ctx, evt.ProviderMessageID); err == nil {
			return OutcomeEcho, nil
		}
	}

	conv, _, err := s.conversations.Ensure(ctx, canonical, evt.Source, "")
	if err != nil {
		return "", s.fail(evt, canonical, uuid.Nil, "ensure_conversation", err)
	}
	if _, err := s.store(ctx, conv.ID, evt, conversation.SenderSeller); err != nil {
		return "", s.fail(evt, canonical, conv.ID, "append_message", err)
	}
	assumed := false
	conv, err = conversation.Mutate(ctx, s.conversations, conv.ID, func(c *conversation.Conversation) error {
		if c.FallbackMode || c.Status == conversation.StatusSentToSeller {
			// a human already owns it
			return conversation.ErrNoChange
		}
		assumed = true
		return c.AssumeControl(OperatorPhoneID)
	})
	if err != nil {
		return "", s.fail(evt, canonical, conv.ID, "assume_control", err)
	}
	if !assumed {
		return OutcomeStored, nil
	}
	s.record(ctx, conv.ID, events.TypeAuthorityAssumed, map[string]any{"operator_id": OperatorPhoneID, "via": "business_phone"})
	s.logger.Info("operator took over from the business phone", "conversation_id", conv.ID, "phone", phone.Mask(canonical))
	return OutcomeTakeover, nil
}

func (s *Service) store(ctx context.Context, conversationID uuid.UUID, evt InboundEvent, sender conversation.SenderType) (*conversation.Message, error) {
	msg := &conversation.Message{
		ID:                uuid.New(),
		ConversationID:    conversationID,
		SenderType:        sender,
		Content:           evt.Text,
		MessageType:       evt.MessageType,
		MediaRef:          evt.MediaRef,
		Source:            evt.Source,
		ProviderMessageID: evt.ProviderMessageID,
		Status:            "received",
		CreatedAt:         evt.At,
	}
	if err := s.messages.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// resolveMedia stores attachments. Failures only cost the media URL; the
// message itself is already in the transcript.
func (s *Service) resolveMedia(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, evt InboundEvent) {
	if s.media == nil || evt.MediaRef == "" || evt.MessageType == conversation.MessageLocation {
		return
	}
	url, err := s.media.Resolve(ctx, evt.Source, evt.MediaRef, evt.MediaMime, msg.ID)
	if err == nil {
		err = s.messages.UpdateMessageMedia(ctx, msg.ID, url)
	}
	if err == nil {
		return
	}
	s.logger.Warn("media not resolved", "conversation_id", conv.ID, "message_id", msg.ID, "stage", "media", "error", err)
	if alertErr := s.alerter.Alert(ctx, notify.Alert{
		Stage:          notify.StageMediaFailed,
		ConversationID: conv.ID.String(),
		Phone:          conv.Phone,
		Detail:         err.Error(),
	}); alertErr != nil {
		s.logger.Warn("media alert failed", "error", alertErr)
	}
}

// HandleStatus applies a delivery receipt. Receipts for messages this
// system did not send are ignored.
func (s *Service) HandleStatus(ctx context.Context, st StatusEvent) error {
	if strings.TrimSpace(st.ProviderMessageID) == "" {
		return nil
	}
	if s.statuses != nil {
		entry, err := s.statuses.ApplyCallback(ctx, delivery.Transport(st.Source), st.ProviderMessageID, st.Status)
		switch {
		case errors.Is(err, delivery.ErrNotFound):
		case err != nil:
			s.logger.Error("delivery receipt not applied", "provider_message_id", st.ProviderMessageID, "stage", "delivery_status", "error", err)
			return err
		default:
			st.Status = string(entry.Status)
		}
	}
	if err := s.messages.UpdateMessageStatus(ctx, st.ProviderMessageID, strings.ToLower(st.Status)); err != nil && !errors.Is(err, conversation.ErrNotFound) {
		s.logger.Warn("message status not updated", "provider_message_id", st.ProviderMessageID, "error", err)
	}
	return nil
}

func (s *Service) fail(evt InboundEvent, canonical string, conversationID uuid.UUID, stage string, err error) error {
	attrs := []any{
		"source", evt.Source,
		"provider_message_id", evt.ProviderMessageID,
		"phone", phone.Mask(canonical),
		"stage", stage,
		"error", err,
	}
	if conversationID != uuid.Nil {
		attrs = append(attrs, "conversation_id", conversationID)
	}
	s.logger.Error("inbound message failed", attrs...)
	return fmt.Errorf("ingest: %s: %w", stage, err)
}

func (s *Service) record(ctx context.Context, id uuid.UUID, eventType string, payload any) {
	if err := s.events.Record(ctx, id, eventType, payload); err != nil {
		s.logger.Warn("event not recorded", "conversation_id", id, "type", eventType, "error", err)
	}
}
