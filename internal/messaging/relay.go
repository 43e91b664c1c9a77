package messaging

import (
	"context"

	"github.com/google/uuid"

	"github.com/wolfman30/wa-lead-router/internal/delivery"
)

// SellerNotice is a relay message addressed to a seller.
type SellerNotice struct {
	SellerPhone    string
	Text           string
	ConversationID uuid.UUID
	LeadID         uuid.UUID
}

// Relay is the single internal sender identity used for seller-facing
// messages. It always goes through the gateway.
type Relay struct {
	dispatcher *Dispatcher
	identity   string
}

// NewRelay sends with the gateway token stored under identity
// (IdentityRelay when empty).
func NewRelay(d *Dispatcher, identity string) *Relay {
	if identity == "" {
		identity = IdentityRelay
	}
	return &Relay{dispatcher: d, identity: identity}
}

// NotifySeller delivers n and returns the logged attempt.
func (r *Relay) NotifySeller(ctx context.Context, n SellerNotice) (*delivery.Entry, error) {
	convID, leadID := n.ConversationID, n.LeadID
	return r.dispatcher.Send(ctx, Outbound{
		Transport:      delivery.TransportGateway,
		Direction:      delivery.DirectionSeller,
		Identity:       r.identity,
		To:             n.SellerPhone,
		Text:           n.Text,
		ConversationID: &convID,
		LeadID:         &leadID,
	})
}
