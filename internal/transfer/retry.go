package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wolfman30/wa-lead-router/internal/leads"
)

// RetryResult summarises a RetryDueNotifications pass.
type RetryResult struct {
	Attempted int
	Notified  int
	Failed    int
}

// RetryNotification resends only the seller notification of an attending
// lead. Already notified leads are returned unchanged.
func (o *Orchestrator) RetryNotification(ctx context.Context, leadID uuid.UUID) (*leads.Lead, error) {
	lead, err := o.leads.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead.Status != leads.StatusAttending {
		return lead, leads.ErrLeadClosed
	}
	if lead.Notified() {
		return lead, nil
	}
	seller, err := o.sellers.Get(ctx, lead.SellerID)
	if err != nil {
		return lead, fmt.Errorf("transfer: seller for lead %s: %w", lead.ID, err)
	}
	conv, err := o.conversations.Get(ctx, lead.ConversationID)
	if err != nil {
		return lead, fmt.Errorf("transfer: conversation for lead %s: %w", lead.ID, err)
	}
	out, err := o.notify(ctx, lead, seller, conv)
	outcome := "notified"
	if err != nil {
		outcome = "notification_failed"
	}
	o.metrics.ObserveTransfer("retry", outcome)
	return out, err
}

// RetryDueNotifications retries leads whose backoff has elapsed.
func (o *Orchestrator) RetryDueNotifications(ctx context.Context) (RetryResult, error) {
	var res RetryResult
	due, err := o.leads.ListNotificationRetries(ctx, o.now(), o.policy.MaxAttempts, o.policy.BatchSize)
	if err != nil {
		return res, fmt.Errorf("transfer: list retries: %w", err)
	}
	for _, l := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++
		_, err := o.RetryNotification(ctx, l.ID)
		switch {
		case err == nil:
			res.Notified++
		case errors.Is(err, ErrNotificationFailed):
			res.Failed++
		default:
			res.Failed++
			o.logger.Error("notification retry failed", "lead_id", l.ID, "conversation_id", l.ConversationID, "error", err)
		}
	}
	return res, nil
}
