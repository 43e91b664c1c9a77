package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/wa-lead-router/internal/conversation"
)

type metaWebhook struct {
	Object string      `json:"object"`
	Entry  []metaEntry `json:"entry"`
}

type metaEntry struct {
	ID      string       `json:"id"`
	Changes []metaChange `json:"changes"`
}

type metaChange struct {
	Field string    `json:"field"`
	Value metaValue `json:"value"`
}

type metaValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []metaContact `json:"contacts"`
	Messages []metaMessage `json:"messages"`
	Statuses []metaStatus  `json:"statuses"`
}

type metaContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type metaMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *metaMedia `json:"image,omitempty"`
	Audio    *metaMedia `json:"audio,omitempty"`
	Video    *metaMedia `json:"video,omitempty"`
	Document *metaMedia `json:"document,omitempty"`
	Sticker  *metaMedia `json:"sticker,omitempty"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location,omitempty"`
	Reaction *struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	} `json:"reaction,omitempty"`
	Button *struct {
		Text string `json:"text"`
	} `json:"button,omitempty"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
}

type metaMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type metaStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

// ParseMeta decodes a Cloud API webhook. Only the messages field of
// whatsapp_business_account objects is read; anything else yields an
// empty batch.
func ParseMeta(body []byte) (Batch, error) {
	var hook metaWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var batch Batch
	if hook.Object != "" && hook.Object != "whatsapp_business_account" {
		return batch, nil
	}
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = strings.TrimSpace(c.Profile.Name)
			}
			for _, m := range change.Value.Messages {
				evt, ok := m.toEvent()
				if !ok {
					continue
				}
				evt.CustomerName = names[m.From]
				batch.Messages = append(batch.Messages, evt)
			}
			for _, s := range change.Value.Statuses {
				st := StatusEvent{
					Source:            conversation.SourceOfficial,
					ProviderMessageID: s.ID,
					Status:            s.Status,
					At:                unixSeconds(s.Timestamp),
				}
				if len(s.Errors) > 0 {
					st.Error = fmt.Sprintf("%d %s", s.Errors[0].Code, s.Errors[0].Title)
				}
				batch.Statuses = append(batch.Statuses, st)
			}
		}
	}
	return batch, nil
}

func (m metaMessage) toEvent() (InboundEvent, bool) {
	evt := InboundEvent{
		Source:            conversation.SourceOfficial,
		ProviderMessageID: m.ID,
		Phone:             m.From,
		At:                unixSeconds(m.Timestamp),
	}
	media := func(kind conversation.MessageType, md *metaMedia) (InboundEvent, bool) {
		if md == nil {
			return evt, false
		}
		evt.MessageType = kind
		evt.Text = strings.TrimSpace(md.Caption)
		evt.MediaRef = md.ID
		evt.MediaMime = md.MimeType
		return evt, true
	}
	switch m.Type {
	case "text":
		if m.Text == nil {
			return evt, false
		}
		evt.MessageType = conversation.MessageText
		evt.Text = strings.TrimSpace(m.Text.Body)
	case "image":
		return media(conversation.MessageImage, m.Image)
	case "sticker":
		return media(conversation.MessageImage, m.Sticker)
	case "audio":
		return media(conversation.MessageAudio, m.Audio)
	case "video":
		return media(conversation.MessageVideo, m.Video)
	case "document":
		return media(conversation.MessageDocument, m.Document)
	case "location":
		if m.Location == nil {
			return evt, false
		}
		evt.MessageType = conversation.MessageLocation
		evt.Text = strings.TrimSpace(strings.Join([]string{m.Location.Name, m.Location.Address}, " "))
		evt.MediaRef = fmt.Sprintf("geo:%f,%f", m.Location.Latitude, m.Location.Longitude)
	case "reaction":
		if m.Reaction == nil {
			return evt, false
		}
		evt.MessageType = conversation.MessageReaction
		evt.Text = m.Reaction.Emoji
	case "button":
		if m.Button == nil {
			return evt, false
		}
		evt.MessageType = conversation.MessageText
		evt.Text = strings.TrimSpace(m.Button.Text)
	case "interactive":
		if m.Interactive == nil {
			return evt, false
		}
		evt.MessageType = conversation.MessageText
		switch {
		case m.Interactive.ButtonReply != nil:
			evt.Text = m.Interactive.ButtonReply.Title
		case m.Interactive.ListReply != nil:
			evt.Text = m.Interactive.ListReply.Title
		}
	default:
		return evt, false
	}
	return evt, true
}

func unixSeconds(raw string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
