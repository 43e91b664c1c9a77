// Package processor answers debounced customer batches through the chatflow
// engine and sends the reply back over the conversation's channel.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/wa-lead-router/internal/chatflow"
	"github.com/wolfman30/wa-lead-router/internal/conversation"
	"github.com/wolfman30/wa-lead-router/internal/delivery"
	"github.com/wolfman30/wa-lead-router/internal/events"
	"github.com/wolfman30/wa-lead-router/internal/messaging"
	"github.com/wolfman30/wa-lead-router/internal/observability/metrics"
	"github.com/wolfman30/wa-lead-router/internal/phone"
	"github.com/wolfman30/wa-lead-router/internal/queue"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

var tracer = otel.Tracer("waleads.internal.processor")

// Skip reasons stored in last_error for skipped entries.
const (
	SkipFallback     = "fallback_active"
	SkipNotAttending = "not_bot_attending"
	SkipSuperseded   = "superseded_during_engine_call"
)

// retireTimeout bounds the bookkeeping that closes a claimed entry. It runs
// outside the tick deadline so an exhausted budget never strands a claim.
const retireTimeout = 5 * time.Second

func retireContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), retireTimeout)
}

// Sender dispatches outbound messages.
type Sender interface {
	Send(ctx context.Context, out messaging.Outbound) (*delivery.Entry, error)
}

// Result counts what one tick did.
type Result struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Config wires the processor.
type Config struct {
	Queue         *queue.Queue
	Engine        chatflow.Engine
	Conversations conversation.Store
	Messages      conversation.MessageStore
	Sender        Sender
	Events        events.Recorder
	Metrics       *metrics.RouterMetrics
	Logger        *logging.Logger
	BatchSize     int
}

// Processor runs queue ticks. It holds no state between ticks.
type Processor struct {
	queue         *queue.Queue
	engine        chatflow.Engine
	conversations conversation.Store
	messages      conversation.MessageStore
	sender        Sender
	events        events.Recorder
	metrics       *metrics.RouterMetrics
	logger        *logging.Logger
	batchSize     int
	now           func() time.Time
}

func New(cfg Config) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Events == nil {
		cfg.Events = events.NopRecorder{}
	}
	return &Processor{
		queue:         cfg.Queue,
		engine:        cfg.Engine,
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		sender:        cfg.Sender,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		logger:        logging.OrDefault(cfg.Logger).Component("processor"),
		batchSize:     cfg.BatchSize,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	if now != nil {
		p.now = now
	}
	return p
}

// stepError tags a failure with the stage it happened in.
type stepError struct {
	stage string
	err   error
}

func (e *stepError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func fail(stage string, err error) error { return &stepError{stage: stage, err: err} }

// Tick processes up to BatchSize due entries, oldest first. Entry failures
// are recorded on the entry and counted; an unconfigured engine releases
// the claim and aborts the tick with the error.
func (p *Processor) Tick(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "processor.tick")
	defer span.End()

	var res Result
	due, err := p.queue.DequeueDue(ctx, p.batchSize)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("processor: dequeue: %w", err)
	}
	span.SetAttributes(attribute.Int("waleads.queue.due", len(due)))

	for _, candidate := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entry, err := p.queue.Claim(ctx, candidate.ID)
		if errors.Is(err, queue.ErrNotClaimable) || errors.Is(err, queue.ErrNotFound) {
			// another tick got it first
			continue
		}
		if err != nil {
			res.Errors++
			p.logger.Error("queue claim failed", "entry_id", candidate.ID, "conversation_id", candidate.ConversationID, "stage", "claim", "error", err)
			continue
		}

		status, err := p.process(ctx, entry)
		if errors.Is(err, chatflow.ErrNotConfigured) {
			relCtx, cancel := retireContext(ctx)
			relErr := p.queue.Release(relCtx, entry.ID)
			cancel()
			if relErr != nil {
				p.logger.Error("queue release failed", "entry_id", entry.ID, "error", relErr)
			}
			span.SetStatus(codes.Error, "engine not configured")
			p.logger.Error("tick aborted", "entry_id", entry.ID, "conversation_id", entry.ConversationID, "stage", "engine", "error", err)
			return res, err
		}
		switch status {
		case queue.StatusSent:
			res.Processed++
		case queue.StatusSkipped:
			res.Skipped++
		default:
			res.Errors++
		}
	}
	span.SetAttributes(
		attribute.Int("waleads.queue.processed", res.Processed),
		attribute.Int("waleads.queue.skipped", res.Skipped),
		attribute.Int("waleads.queue.errors", res.Errors),
	)
	return res, nil
}

// process answers one claimed entry and retires it. The returned error is
// only non-nil for the fatal engine configuration case, where the entry is
// left claimed for the caller to release.
func (p *Processor) process(ctx context.Context, entry *queue.Entry) (queue.Status, error) {
	consumed := len(entry.Contents)

	conv, err := p.conversations.Get(ctx, entry.ConversationID)
	if err != nil {
		return p.finishError(ctx, entry, nil, consumed, fail("load_conversation", err)), nil
	}
	if reason := skipReason(conv); reason != "" {
		return p.finishSkipped(ctx, entry, conv, consumed, reason), nil
	}

	text := queue.JoinedText(entry.Contents)
	if text == "" {
		return p.finishError(ctx, entry, conv, consumed, fail("join", queue.ErrEmptyText)), nil
	}

	started := time.Now()
	reply, err := p.engine.SendTurn(ctx, chatflow.Turn{
		Handle: conv.EngineHandle(),
		Text:   text,
		UserID: conv.ID.String(),
	})
	p.metrics.ObserveEngineLatency(time.Since(started))
	if errors.Is(err, chatflow.ErrNotConfigured) {
		return "", err
	}
	if err != nil {
		return p.finishError(ctx, entry, conv, consumed, fail("engine", err)), nil
	}

	// Persist the handle and re-check authority in one read-modify-write.
	var superseded string
	conv, err = conversation.Mutate(ctx, p.conversations, conv.ID, func(c *conversation.Conversation) error {
		if reason := skipReason(c); reason != "" {
			superseded = reason
		}
		if !c.SetEngineHandle(reply.Handle) {
			return conversation.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return p.finishError(ctx, entry, nil, consumed, fail("persist_handle", err)), nil
	}
	if superseded != "" {
		p.logger.Info("reply discarded, authority changed during engine call",
			"conversation_id", conv.ID, "entry_id", entry.ID, "reason", superseded)
		return p.finishSkipped(ctx, entry, conv, consumed, SkipSuperseded), nil
	}

	transport := delivery.Transport(conv.Source)
	msg := &conversation.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderType:     conversation.SenderBot,
		Content:        reply.Text,
		MessageType:    conversation.MessageText,
		Source:         conv.Source,
		Status:         string(delivery.StatusPending),
		CreatedAt:      p.now(),
	}
	if err := p.messages.AppendMessage(ctx, msg); err != nil {
		return p.finishError(ctx, entry, conv, consumed, fail("persist_reply", err)), nil
	}

	sent, err := p.sender.Send(ctx, messaging.Outbound{
		Transport:      transport,
		Direction:      delivery.DirectionCustomer,
		To:             conv.Phone,
		Text:           reply.Text,
		ConversationID: &conv.ID,
	})
	if err != nil {
		if attachErr := p.messages.AttachProviderID(ctx, msg.ID, "", string(delivery.StatusFailed)); attachErr != nil {
			p.logger.Warn("reply status not saved", "message_id", msg.ID, "error", attachErr)
		}
		return p.finishError(ctx, entry, conv, consumed, fail("dispatch", err)), nil
	}
	if err := p.messages.AttachProviderID(ctx, msg.ID, sent.TransportMessageID, string(sent.Status)); err != nil {
		p.logger.Warn("reply provider id not saved", "message_id", msg.ID, "error", err)
	}

	if err := p.finish(ctx, entry.ID, queue.StatusSent, consumed, ""); err != nil {
		p.logger.Error("queue finalize failed", "entry_id", entry.ID, "conversation_id", conv.ID, "stage", "finalize", "error", err)
		return queue.StatusError, nil
	}
	p.metrics.ObserveQueueEntry(string(queue.StatusSent))
	p.logger.Info("batch answered",
		"conversation_id", conv.ID,
		"entry_id", entry.ID,
		"texts", consumed,
		"transport", transport,
	)
	return queue.StatusSent, nil
}

func (p *Processor) finish(ctx context.Context, id uuid.UUID, status queue.Status, consumed int, lastError string) error {
	ctx, cancel := retireContext(ctx)
	defer cancel()
	return p.queue.Finish(ctx, id, status, consumed, lastError)
}

func skipReason(c *conversation.Conversation) string {
	switch {
	case c.FallbackMode:
		return SkipFallback
	case c.Status != conversation.StatusBotAttending:
		return SkipNotAttending
	}
	return ""
}

func (p *Processor) finishSkipped(ctx context.Context, entry *queue.Entry, conv *conversation.Conversation, consumed int, reason string) queue.Status {
	if err := p.finish(ctx, entry.ID, queue.StatusSkipped, consumed, reason); err != nil {
		p.logger.Error("queue finalize failed", "entry_id", entry.ID, "conversation_id", conv.ID, "stage", "finalize", "error", err)
		return queue.StatusError
	}
	p.metrics.ObserveQueueEntry(string(queue.StatusSkipped))
	evCtx, cancel := retireContext(ctx)
	defer cancel()
	if err := p.events.Record(evCtx, conv.ID, events.TypeQueueSkipped, map[string]any{
		"entry_id": entry.ID,
		"reason":   reason,
		"status":   conv.Status,
	}); err != nil {
		p.logger.Warn("event not recorded", "conversation_id", conv.ID, "type", events.TypeQueueSkipped, "error", err)
	}
	p.logger.Info("queue entry skipped", "conversation_id", conv.ID, "entry_id", entry.ID, "reason", reason)
	return queue.StatusSkipped
}

func (p *Processor) finishError(ctx context.Context, entry *queue.Entry, conv *conversation.Conversation, consumed int, cause error) queue.Status {
	stage := "unknown"
	var se *stepError
	if errors.As(cause, &se) {
		stage = se.stage
	}
	attrs := []any{
		"conversation_id", entry.ConversationID,
		"entry_id", entry.ID,
		"stage", stage,
		"error", cause,
	}
	if conv != nil {
		attrs = append(attrs, "phone", phone.Mask(conv.Phone))
	}
	p.logger.Error("queue entry failed", attrs...)

	if err := p.finish(ctx, entry.ID, queue.StatusError, consumed, truncate(cause.Error(), 500)); err != nil {
		p.logger.Error("queue finalize failed", "entry_id", entry.ID, "stage", "finalize", "error", err)
	}
	p.metrics.ObserveQueueEntry(string(queue.StatusError))
	return queue.StatusError
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
