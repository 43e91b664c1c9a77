// Package events keeps the conversation audit trail and drains it to
// downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types written by the core.
const (
	TypeAuthorityAssumed       = "authority.assumed"
	TypeAuthorityReturned      = "authority.returned"
	TypeOperatorAssigned       = "operator.assigned"
	TypeConversationIdle       = "conversation.idle"
	TypeConversationResumed    = "conversation.resumed"
	TypeConversationClosed     = "conversation.closed"
	TypeEvaluationCompleted    = "evaluation.completed"
	TypeLeadCreated            = "lead.created"
	TypeLeadNotified           = "lead.notified"
	TypeLeadNotificationFailed = "lead.notification_failed"
	TypeQueueSkipped           = "queue.skipped"
)

// Event is one row of the audit trail.
type Event struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	PublishedAt    *time.Time      `json:"published_at,omitempty"`
}

// Recorder appends to the audit trail. Recording is best effort: callers
// log failures and carry on.
type Recorder interface {
	Record(ctx context.Context, conversationID uuid.UUID, eventType string, payload any) error
}

// NopRecorder drops everything.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, uuid.UUID, string, any) error { return nil }
