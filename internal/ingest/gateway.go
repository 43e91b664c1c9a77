package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/wa-lead-router/internal/conversation"
)

type gatewayWebhook struct {
	Event      string          `json:"event"`
	Type       string          `json:"type"`
	InstanceID string          `json:"instanceId"`
	Message    *gatewayMessage `json:"message,omitempty"`
	Receipt    *gatewayReceipt `json:"receipt,omitempty"`
}

type gatewayMessage struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	Chat       string `json:"chat"`
	FromMe     bool   `json:"fromMe"`
	IsGroup    bool   `json:"isGroup"`
	SenderName string `json:"senderName"`
	PushName   string `json:"pushName"`
	Type       string `json:"type"`
	Text       string `json:"text"`
	Caption    string `json:"caption"`
	MediaURL   string `json:"mediaUrl"`
	MimeType   string `json:"mimeType"`
	Timestamp  int64  `json:"timestamp"`
}

type gatewayReceipt struct {
	MessageIDs []string `json:"messageIds"`
	State      string   `json:"state"`
	Timestamp  int64    `json:"timestamp"`
	Error      string   `json:"error"`
}

// ParseGateway decodes a gateway webhook. Group chats and unknown events
// yield an empty batch.
func ParseGateway(body []byte) (Batch, error) {
	var hook gatewayWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	event := strings.ToLower(strings.NewReplacer(":", ".", "_", ".").Replace(firstNonEmpty(hook.Event, hook.Type)))

	var batch Batch
	switch event {
	case "message.received", "message.sent", "message":
		m := hook.Message
		if m == nil {
			return batch, fmt.Errorf("%w: message event without message", ErrInvalidEvent)
		}
		if m.IsGroup {
			return batch, nil
		}
		evt, ok := m.toEvent()
		if ok {
			batch.Messages = append(batch.Messages, evt)
		}
	case "message.status", "readreceipt", "receipt":
		r := hook.Receipt
		if r == nil {
			return batch, fmt.Errorf("%w: receipt event without receipt", ErrInvalidEvent)
		}
		for _, id := range r.MessageIDs {
			if strings.TrimSpace(id) == "" {
				continue
			}
			batch.Statuses = append(batch.Statuses, StatusEvent{
				Source:            conversation.SourceGateway,
				ProviderMessageID: id,
				Status:            r.State,
				Error:             r.Error,
				At:                gatewayTime(r.Timestamp),
			})
		}
	}
	return batch, nil
}

func (m *gatewayMessage) toEvent() (InboundEvent, bool) {
	phone := m.From
	if m.FromMe {
		// our own number is the sender; the customer is the chat
		phone = m.Chat
	}
	if i := strings.IndexByte(phone, '@'); i >= 0 {
		phone = phone[:i]
	}
	evt := InboundEvent{
		Source:            conversation.SourceGateway,
		ProviderMessageID: m.ID,
		Phone:             phone,
		CustomerName:      strings.TrimSpace(firstNonEmpty(m.SenderName, m.PushName)),
		FromBusiness:      m.FromMe,
		Text:              strings.TrimSpace(firstNonEmpty(m.Text, m.Caption)),
		MediaRef:          m.MediaURL,
		MediaMime:         m.MimeType,
		At:                gatewayTime(m.Timestamp),
	}
	if m.FromMe {
		evt.CustomerName = ""
	}
	switch strings.ToLower(m.Type) {
	case "text", "chat", "":
		evt.MessageType = conversation.MessageText
		if evt.Text == "" {
			return evt, false
		}
	case "image", "sticker":
		evt.MessageType = conversation.MessageImage
	case "audio", "ptt":
		evt.MessageType = conversation.MessageAudio
	case "video":
		evt.MessageType = conversation.MessageVideo
	case "document":
		evt.MessageType = conversation.MessageDocument
	case "location":
		evt.MessageType = conversation.MessageLocation
	case "reaction":
		evt.MessageType = conversation.MessageReaction
	default:
		return evt, false
	}
	return evt, true
}

// gatewayTime accepts seconds or milliseconds since the epoch.
func gatewayTime(ts int64) time.Time {
	switch {
	case ts <= 0:
		return time.Time{}
	case ts > 1e12:
		return time.UnixMilli(ts).UTC()
	default:
		return time.Unix(ts, 0).UTC()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
