package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// Alert stages.
const (
	StageQueueExhausted     = "queue_exhausted"
	StageNotificationFailed = "seller_notification_failed"
	StageDeliveryFailed     = "delivery_failed"
	StageMediaFailed        = "media_resolution_failed"
)

// Alert is a failure a human should look at.
type Alert struct {
	Stage          string
	ConversationID string
	Phone          string
	LeadID         string
	EntryID        string
	Detail         string
}

// Alerter surfaces failures to operators.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// EmailAlerter logs every alert and mails it when recipients are configured.
type EmailAlerter struct {
	sender EmailSender
	to     []string
	logger *logging.Logger
}

func NewEmailAlerter(sender EmailSender, to []string, logger *logging.Logger) *EmailAlerter {
	msg := EmailMessage{To: to}
	return &EmailAlerter{sender: sender, to: msg.recipients(), logger: logging.OrDefault(logger).Component("alerts")}
}

func (a *EmailAlerter) Alert(ctx context.Context, alert Alert) error {
	if a == nil {
		return nil
	}
	a.logger.Warn("operator alert",
		"stage", alert.Stage,
		"conversation_id", alert.ConversationID,
		"phone", alert.Phone,
		"lead_id", alert.LeadID,
		"entry_id", alert.EntryID,
		"detail", alert.Detail,
	)
	if a.sender == nil || len(a.to) == 0 {
		return nil
	}
	if err := a.sender.Send(ctx, EmailMessage{
		To:       a.to,
		Subject:  fmt.Sprintf("[lead-router] %s", alert.Stage),
		Body:     alertBody(alert),
		Category: alert.Stage,
	}); err != nil {
		return fmt.Errorf("notify: alert %s: %w", alert.Stage, err)
	}
	return nil
}

func alertBody(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\n", a.Stage)
	if a.ConversationID != "" {
		fmt.Fprintf(&b, "Conversation: %s\n", a.ConversationID)
	}
	if a.Phone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", a.Phone)
	}
	if a.LeadID != "" {
		fmt.Fprintf(&b, "Lead: %s\n", a.LeadID)
	}
	if a.EntryID != "" {
		fmt.Fprintf(&b, "Queue entry: %s\n", a.EntryID)
	}
	if a.Detail != "" {
		fmt.Fprintf(&b, "\n%s\n", a.Detail)
	}
	return b.String()
}

// NopAlerter drops alerts.
type NopAlerter struct{}

func (NopAlerter) Alert(context.Context, Alert) error { return nil }
