package leads

import (
	"time"

	"github.com/google/uuid"
)

// Status is where a handed-off lead stands with its seller.
type Status string

const (
	StatusAttending Status = "attending"
	StatusSold      Status = "sold"
	StatusLost      Status = "lost"
)

// Confidence of the qualification that produced the lead.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceLow    Confidence = "low"
	ConfidenceManual Confidence = "manual"
)

// Lead represents a qualified conversation handed to a seller
type Lead struct {
	ID                    uuid.UUID  `json:"id"`
	ConversationID        uuid.UUID  `json:"conversation_id"`
	SellerID              uuid.UUID  `json:"seller_id"`
	CustomerName          string     `json:"customer_name"`
	CustomerPhone         string     `json:"customer_phone"`
	Summary               string     `json:"summary"`
	Reason                string     `json:"reason"`
	Confidence            Confidence `json:"confidence"`
	Status                Status     `json:"status"`
	GeneratedSale         bool       `json:"generated_sale"`
	SaleValue             float64    `json:"sale_value"`
	CreatedBy             string     `json:"created_by,omitempty"`
	NotifiedAt            *time.Time `json:"notified_at,omitempty"`
	NotificationAttempts  int        `json:"notification_attempts"`
	LastNotificationError string     `json:"last_notification_error,omitempty"`
	NextNotificationAt    *time.Time `json:"next_notification_at,omitempty"`
	FirstMessageSentAt    *time.Time `json:"first_message_sent_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Notified reports whether the seller has received the summary.
func (l *Lead) Notified() bool {
	return l != nil && l.NotifiedAt != nil
}

// NewLead is the input for creating a lead.
type NewLead struct {
	ConversationID uuid.UUID
	SellerID       uuid.UUID
	CustomerName   string
	CustomerPhone  string
	Summary        string
	Reason         string
	Confidence     Confidence
	CreatedBy      string
}

// Validate validates the create lead request
func (n *NewLead) Validate() error {
	if n.SellerID == uuid.Nil {
		return ErrMissingSeller
	}
	if n.ConversationID == uuid.Nil {
		return ErrLeadNotFound
	}
	return nil
}

func clone(l *Lead) *Lead {
	cp := *l
	for _, p := range []**time.Time{&cp.NotifiedAt, &cp.NextNotificationAt, &cp.FirstMessageSentAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &cp
}
