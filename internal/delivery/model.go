// Package delivery keeps the outbound delivery log and reconciles it with
// transport-side status.
package delivery

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("delivery: entry not found")
	ErrNotRetryable = errors.New("delivery: only failed entries can be retried")
	ErrLookupFailed = errors.New("delivery: status lookup failed")
)

// Status is the internal delivery vocabulary.
type Status string

const (
	StatusSent      Status = "sent"
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Awaiting reports whether the transport has not confirmed the message yet.
func (s Status) Awaiting() bool {
	return s == StatusSent || s == StatusPending
}

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusPending:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Advances reports whether moving from s to next is forward progress.
// Failure is only accepted before the transport confirmed delivery.
func (s Status) Advances(next Status) bool {
	if next == StatusFailed {
		return s.Awaiting()
	}
	if s == StatusFailed {
		return false
	}
	return next.rank() > s.rank()
}

// Transport is the channel a message left through.
type Transport string

const (
	TransportOfficial Transport = "official"
	TransportGateway  Transport = "gateway"
)

// Direction tells customer-facing sends apart from relay messages to sellers.
type Direction string

const (
	DirectionCustomer Direction = "to_customer"
	DirectionSeller   Direction = "to_seller"
)

// Failure reasons recorded by the monitor.
const (
	ReasonStalePending = "stale_pending"
	ReasonTransport    = "transport_failed"
)

// ResendPrefix annotates content sent again after a failure.
const ResendPrefix = "[reenvio] "

// Entry is one outbound send attempt. Retries never mutate the failed
// entry; they add a new one pointing back through RetryOf.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Direction Direction `json:"direction"`
	Transport Transport `json:"transport"`
	// Identity names the settings key holding the sender's gateway token.
	// It is never the secret itself.
	Identity           string     `json:"identity,omitempty"`
	FromPhone          string     `json:"from_phone,omitempty"`
	ToPhone            string     `json:"to_phone"`
	Content            string     `json:"content"`
	MessageType        string     `json:"message_type"`
	MediaURL           string     `json:"media_url,omitempty"`
	TransportMessageID string     `json:"transport_message_id,omitempty"`
	Status             Status     `json:"status"`
	FailureReason      string     `json:"failure_reason,omitempty"`
	RetryOf            *uuid.UUID `json:"retry_of,omitempty"`
	RetryCount         int        `json:"retry_count"`
	ConversationID     *uuid.UUID `json:"conversation_id,omitempty"`
	LeadID             *uuid.UUID `json:"lead_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Stale reports whether an unconfirmed entry has waited longer than after.
func (e *Entry) Stale(now time.Time, after time.Duration) bool {
	return e.Status.Awaiting() && now.Sub(e.CreatedAt) > after
}

// RetryContent is the text a resend carries.
func RetryContent(content string) string {
	if strings.HasPrefix(content, ResendPrefix) {
		return content
	}
	return ResendPrefix + content
}

// MapGatewayStatus translates the gateway's receipt vocabulary.
func MapGatewayStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DELIVERY_ACK", "DELIVERED", "RECEIVED":
		return StatusDelivered
	case "READ", "READ_SELF", "PLAYED":
		return StatusRead
	case "ERROR", "FAILED":
		return StatusFailed
	default:
		return StatusPending
	}
}

// MapOfficialStatus translates Cloud API status callbacks.
func MapOfficialStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "read":
		return StatusRead
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}
