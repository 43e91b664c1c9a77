// Package ingest turns channel webhooks into conversation, transcript and
// queue updates.
package ingest

import (
	"errors"
	"time"

	"github.com/wolfman30/wa-lead-router/internal/conversation"
)

var (
	// ErrInvalidEvent marks payloads that will never be accepted; webhooks
	// answer 400 and providers should not redeliver.
	ErrInvalidEvent = errors.New("ingest: invalid event")
)

// InboundEvent is one message seen on a channel, from either side.
type InboundEvent struct {
	Source            conversation.Source
	ProviderMessageID string
	// Phone is the customer's number as the channel reported it.
	Phone        string
	CustomerName string
	// FromBusiness is set for messages sent from the business number:
	// echoes of our own sends or an operator typing on the phone.
	FromBusiness bool
	MessageType  conversation.MessageType
	Text         string
	// MediaRef is the channel's media handle: a Cloud API media id or a
	// gateway download URL.
	MediaRef  string
	MediaMime string
	At        time.Time
}

// StatusEvent is a delivery receipt for something we sent.
type StatusEvent struct {
	Source            conversation.Source
	ProviderMessageID string
	Status            string
	Error             string
	At                time.Time
}

// Batch is everything one webhook call carried.
type Batch struct {
	Messages []InboundEvent
	Statuses []StatusEvent
}

func (b Batch) Empty() bool {
	return len(b.Messages) == 0 && len(b.Statuses) == 0
}

// placeholders stand in for media without a caption so the engine knows
// something arrived.
var placeholders = map[conversation.MessageType]string{
	conversation.MessageImage:    "[imagem]",
	conversation.MessageAudio:    "[áudio]",
	conversation.MessageVideo:    "[vídeo]",
	conversation.MessageDocument: "[documento]",
	conversation.MessageLocation: "[localização]",
}

// QueueText is what the event contributes to the engine batch. Reactions
// and empty messages contribute nothing.
func (e InboundEvent) QueueText() string {
	if e.MessageType == conversation.MessageReaction {
		return ""
	}
	if e.Text != "" {
		return e.Text
	}
	return placeholders[e.MessageType]
}
