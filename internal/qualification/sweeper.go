package qualification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/wolfman30/wa-lead-router/internal/conversation"
	"github.com/wolfman30/wa-lead-router/internal/events"
	"github.com/wolfman30/wa-lead-router/internal/leads"
	"github.com/wolfman30/wa-lead-router/internal/observability/metrics"
	"github.com/wolfman30/wa-lead-router/internal/phone"
	"github.com/wolfman30/wa-lead-router/internal/transfer"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

var tracer = otel.Tracer("waleads.internal.qualification")

var errNotIdle = errors.New("qualification: conversation no longer idle")

// OpenQueue reports pending customer text for a conversation.
type OpenQueue interface {
	HasOpen(ctx context.Context, conversationID uuid.UUID) (bool, error)
}

// Transferrer hands qualified conversations to a seller.
type Transferrer interface {
	Transfer(ctx context.Context, req transfer.Request) (*leads.Lead, error)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Candidates  int `json:"candidates"`
	MarkedIdle  int `json:"marked_idle"`
	Evaluated   int `json:"evaluated"`
	Transferred int `json:"transferred"`
	Finished    int `json:"finished"`
	Skipped     int `json:"skipped"`
	Errors      int `json:"errors"`
}

// SweeperConfig wires the sweeper.
type SweeperConfig struct {
	Conversations conversation.Store
	Messages      conversation.MessageStore
	Queue         OpenQueue
	Evaluator     Evaluator
	Transfers     Transferrer
	Events        events.Recorder
	Metrics       *metrics.RouterMetrics
	Logger        *logging.Logger
	IdleAfter     time.Duration
	BatchSize     int
}

// Sweeper moves idle bot conversations into evaluation, applies the
// verdict and hands qualified ones to the transfer orchestrator.
type Sweeper struct {
	conversations conversation.Store
	messages      conversation.MessageStore
	queue         OpenQueue
	evaluator     Evaluator
	transfers     Transferrer
	events        events.Recorder
	metrics       *metrics.RouterMetrics
	logger        *logging.Logger
	idleAfter     time.Duration
	batchSize     int
	now           func() time.Time
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = NewHeuristicEvaluator(DefaultVocabulary())
	}
	if cfg.Events == nil {
		cfg.Events = events.NopRecorder{}
	}
	return &Sweeper{
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		queue:         cfg.Queue,
		evaluator:     cfg.Evaluator,
		transfers:     cfg.Transfers,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		logger:        logging.OrDefault(cfg.Logger).Component("sweeper"),
		idleAfter:     cfg.IdleAfter,
		batchSize:     cfg.BatchSize,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// Sweep runs one bounded pass. Per-conversation failures are counted and
// logged; only listing failures abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "qualification.sweep")
	defer span.End()

	var res SweepResult
	cutoff := s.now().Add(-s.idleAfter)

	idle, err := s.conversations.ListIdle(ctx, cutoff, s.batchSize)
	if err != nil {
		return res, fmt.Errorf("qualification: list idle: %w", err)
	}
	res.Candidates = len(idle)
	for _, c := range idle {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch err := s.markIdle(ctx, c.ID, cutoff); {
		case err == nil:
			res.MarkedIdle++
		case errors.Is(err, errNotIdle), errors.Is(err, conversation.ErrSuperseded), errors.Is(err, conversation.ErrInvalidTransition):
			res.Skipped++
		default:
			res.Errors++
			s.logFailure(c, "mark_idle", err)
		}
	}

	// Everything waiting for a verdict, including conversations an earlier
	// pass left behind.
	waiting, err := s.conversations.ListByStatus(ctx, conversation.StatusWaitingEvaluation, s.batchSize)
	if err != nil {
		return res, fmt.Errorf("qualification: list waiting: %w", err)
	}
	handed := make(map[uuid.UUID]bool)
	for _, c := range waiting {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if next := s.evaluate(ctx, c, &res); next != nil {
			handed[c.ID] = true
			s.handOff(ctx, next, &res)
		}
	}

	qualified, err := s.conversations.ListByStatus(ctx, conversation.StatusQualifiedForTransfer, s.batchSize)
	if err != nil {
		return res, fmt.Errorf("qualification: list qualified: %w", err)
	}
	for _, c := range qualified {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if handed[c.ID] {
			continue
		}
		s.handOff(ctx, c, &res)
	}
	return res, nil
}

func (s *Sweeper) markIdle(ctx context.Context, id uuid.UUID, cutoff time.Time) error {
	if s.queue != nil {
		open, err := s.queue.HasOpen(ctx, id)
		if err != nil {
			return fmt.Errorf("queue check: %w", err)
		}
		if open {
			return errNotIdle
		}
	}
	_, err := conversation.Mutate(ctx, s.conversations, id, func(c *conversation.Conversation) error {
		if !c.IdleSince(cutoff) {
			return errNotIdle
		}
		return c.MarkWaitingEvaluation()
	})
	if err != nil {
		return err
	}
	s.record(ctx, id, events.TypeConversationIdle, map[string]any{"cutoff": cutoff})
	return nil
}

// evaluate applies a verdict and returns the conversation when it should
// be handed to a seller.
func (s *Sweeper) evaluate(ctx context.Context, c *conversation.Conversation, res *SweepResult) *conversation.Conversation {
	if c.FallbackMode {
		res.Skipped++
		return nil
	}
	msgs, err := s.messages.ListMessages(ctx, c.ID)
	if err != nil {
		res.Errors++
		s.logFailure(c, "load_transcript", err)
		return nil
	}
	verdict, err := s.evaluator.Evaluate(ctx, Transcript{
		ConversationID: c.ID,
		CustomerName:   c.CustomerName,
		Phone:          c.Phone,
		Messages:       msgs,
	})
	if err != nil {
		res.Errors++
		s.logFailure(c, "evaluate", err)
		return nil
	}
	res.Evaluated++
	s.metrics.ObserveEvaluation(verdict.Reason, verdict.ShouldTransfer)

	updated, err := conversation.Mutate(ctx, s.conversations, c.ID, func(cur *conversation.Conversation) error {
		if err := cur.ApplyEvaluation(verdict.ShouldTransfer, verdict.Reason); err != nil {
			return err
		}
		if cur.Metadata == nil {
			cur.Metadata = map[string]any{}
		}
		cur.Metadata[MetadataSummary] = verdict.Summary
		cur.Metadata[MetadataReason] = verdict.Reason
		cur.Metadata[MetadataConfidence] = string(verdict.Confidence)
		return nil
	})
	switch {
	case errors.Is(err, conversation.ErrSuperseded), errors.Is(err, conversation.ErrInvalidTransition):
		res.Skipped++
		return nil
	case err != nil:
		res.Errors++
		s.logFailure(c, "apply_evaluation", err)
		return nil
	}
	s.record(ctx, c.ID, events.TypeEvaluationCompleted, verdict)
	s.logger.Info("conversation evaluated",
		"conversation_id", c.ID,
		"reason", verdict.Reason,
		"transfer", verdict.ShouldTransfer,
		"customer_messages", verdict.CustomerCount,
	)
	if !verdict.ShouldTransfer {
		res.Finished++
		return nil
	}
	return updated
}

func (s *Sweeper) handOff(ctx context.Context, c *conversation.Conversation, res *SweepResult) {
	if s.transfers == nil {
		return
	}
	if c.FallbackMode {
		res.Skipped++
		return
	}
	summary, _ := c.Metadata[MetadataSummary].(string)
	reason, _ := c.Metadata[MetadataReason].(string)
	confidence, _ := c.Metadata[MetadataConfidence].(string)
	_, err := s.transfers.Transfer(ctx, transfer.Request{
		ConversationID: c.ID,
		Summary:        summary,
		Reason:         reason,
		Confidence:     leads.Confidence(confidence),
	})
	switch {
	case err == nil, errors.Is(err, transfer.ErrNotificationFailed):
		// a failed notification is retried by its own task
		res.Transferred++
	case errors.Is(err, conversation.ErrSuperseded):
		res.Skipped++
	default:
		res.Errors++
		s.logFailure(c, "transfer", err)
	}
}

func (s *Sweeper) record(ctx context.Context, id uuid.UUID, eventType string, payload any) {
	if err := s.events.Record(ctx, id, eventType, payload); err != nil {
		s.logger.Warn("event not recorded", "conversation_id", id, "type", eventType, "error", err)
	}
}

func (s *Sweeper) logFailure(c *conversation.Conversation, stage string, err error) {
	s.logger.Error("sweep step failed",
		"conversation_id", c.ID,
		"phone", phone.Mask(c.Phone),
		"stage", stage,
		"error", err,
	)
}
