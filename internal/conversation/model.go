package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the conversation lifecycle state. Manual override is the
// orthogonal FallbackMode flag, not a status.
type Status string

const (
	StatusBotAttending         Status = "bot_attending"
	StatusWaitingEvaluation    Status = "waiting_evaluation"
	StatusQualifiedForTransfer Status = "qualified_for_transfer"
	StatusSentToSeller         Status = "sent_to_seller"
	StatusFinished             Status = "finished"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusBotAttending, StatusWaitingEvaluation, StatusQualifiedForTransfer, StatusSentToSeller, StatusFinished:
		return true
	}
	return false
}

// Source is the channel a conversation (and its messages) belongs to.
type Source string

const (
	SourceOfficial Source = "official"
	SourceGateway  Source = "gateway"
)

func (s Source) Valid() bool {
	return s == SourceOfficial || s == SourceGateway
}

// MetadataEngineHandle stores the chatflow session that threads engine context.
const MetadataEngineHandle = "chatflow_session_id"

// Conversation is one customer phone on one channel.
type Conversation struct {
	ID                    uuid.UUID      `json:"id"`
	Phone                 string         `json:"phone"`
	CustomerName          string         `json:"customer_name,omitempty"`
	Source                Source         `json:"source"`
	Status                Status         `json:"status"`
	FallbackMode          bool           `json:"fallback_mode"`
	FallbackTakenBy       *string        `json:"fallback_taken_by,omitempty"`
	AssignedSellerID      *uuid.UUID     `json:"assigned_seller_id,omitempty"`
	AssignedOperatorID    *string        `json:"assigned_operator_id,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	FinishReason          string         `json:"finish_reason,omitempty"`
	LastCustomerMessageAt *time.Time     `json:"last_customer_message_at,omitempty"`
	Version               int64          `json:"version"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// New builds a fresh bot-attended conversation.
func New(phone string, source Source, name string, now time.Time) *Conversation {
	return &Conversation{
		ID:           uuid.New(),
		Phone:        phone,
		CustomerName: strings.TrimSpace(name),
		Source:       source,
		Status:       StatusBotAttending,
		Metadata:     map[string]any{},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// EngineHandle returns the persisted chatflow session, if any.
func (c *Conversation) EngineHandle() string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	v, _ := c.Metadata[MetadataEngineHandle].(string)
	return v
}

// SetEngineHandle stores the chatflow session. It reports whether it changed.
func (c *Conversation) SetEngineHandle(handle string) bool {
	handle = strings.TrimSpace(handle)
	if handle == "" || handle == c.EngineHandle() {
		return false
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.Metadata[MetadataEngineHandle] = handle
	return true
}

// Clone returns a deep enough copy for callers to mutate safely.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	if c.FallbackTakenBy != nil {
		v := *c.FallbackTakenBy
		cp.FallbackTakenBy = &v
	}
	if c.AssignedSellerID != nil {
		v := *c.AssignedSellerID
		cp.AssignedSellerID = &v
	}
	if c.AssignedOperatorID != nil {
		v := *c.AssignedOperatorID
		cp.AssignedOperatorID = &v
	}
	if c.LastCustomerMessageAt != nil {
		v := *c.LastCustomerMessageAt
		cp.LastCustomerMessageAt = &v
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SenderType identifies who produced a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderBot      SenderType = "bot"
	SenderSeller   SenderType = "seller"
	SenderSystem   SenderType = "system"
)

// MessageType is the content kind.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageLocation MessageType = "location"
	MessageReaction MessageType = "reaction"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageAudio, MessageVideo, MessageDocument, MessageLocation, MessageReaction:
		return true
	}
	return false
}

// Message is one unit of content in the transcript. Only delivery status and
// media fields change after insert.
type Message struct {
	ID                uuid.UUID   `json:"id"`
	ConversationID    uuid.UUID   `json:"conversation_id"`
	SenderType        SenderType  `json:"sender_type"`
	Content           string      `json:"content"`
	MessageType       MessageType `json:"message_type"`
	MediaURL          string      `json:"media_url,omitempty"`
	MediaRef          string      `json:"media_ref,omitempty"`
	Source            Source      `json:"message_source"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	Status            string      `json:"status,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}
