package events

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// Outbox is the unpublished side of the audit trail.
type Outbox interface {
	FetchUnpublished(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID) (bool, error)
}

// Handler emits one event downstream.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSHandler forwards events to an SQS queue, grouped by conversation when
// the queue is FIFO.
type SQSHandler struct {
	client   sqsAPI
	queueURL string
	fifo     bool
}

func NewSQSHandler(client sqsAPI, queueURL string) *SQSHandler {
	return &SQSHandler{client: client, queueURL: queueURL, fifo: len(queueURL) > 5 && queueURL[len(queueURL)-5:] == ".fifo"}
}

func (h *SQSHandler) Handle(ctx context.Context, e Event) error {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(h.queueURL),
		MessageBody: aws.String(string(e.Payload)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type":      {DataType: aws.String("String"), StringValue: aws.String(e.Type)},
			"event_id":        {DataType: aws.String("String"), StringValue: aws.String(e.ID.String())},
			"conversation_id": {DataType: aws.String("String"), StringValue: aws.String(e.ConversationID.String())},
		},
	}
	if h.fifo {
		in.MessageGroupId = aws.String(e.ConversationID.String())
		in.MessageDeduplicationId = aws.String(e.ID.String())
	}
	if _, err := h.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("events: sqs send %s: %w", e.ID, err)
	}
	return nil
}

// Publisher drains the outbox into a Handler.
type Publisher struct {
	store     Outbox
	handler   Handler
	logger    *logging.Logger
	batchSize int
	interval  time.Duration
}

func NewPublisher(store Outbox, handler Handler, logger *logging.Logger) *Publisher {
	return &Publisher{
		store:     store,
		handler:   handler,
		logger:    logging.OrDefault(logger).Component("events_publisher"),
		batchSize: 25,
		interval:  2 * time.Second,
	}
}

func (p *Publisher) WithBatchSize(size int) *Publisher {
	if size > 0 {
		p.batchSize = size
	}
	return p
}

func (p *Publisher) WithInterval(interval time.Duration) *Publisher {
	if interval > 0 {
		p.interval = interval
	}
	return p
}

// Start drains on a ticker until ctx ends.
func (p *Publisher) Start(ctx context.Context) {
	if p.store == nil || p.handler == nil {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Drain(ctx); err != nil {
				p.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// Drain publishes one batch and reports how many events went out. Handler
// failures are logged and retried on the next drain.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	if p.store == nil || p.handler == nil {
		return 0, nil
	}
	entries, err := p.store.FetchUnpublished(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, e := range entries {
		if err := p.handler.Handle(ctx, e); err != nil {
			p.logger.Error("event publish failed", "error", err, "event_id", e.ID, "type", e.Type)
			continue
		}
		ok, err := p.store.MarkPublished(ctx, e.ID)
		if err != nil {
			p.logger.Error("failed to mark event published", "error", err, "event_id", e.ID)
			continue
		}
		if ok {
			published++
		}
	}
	return published, nil
}
