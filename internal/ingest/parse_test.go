package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/wa-lead-router/internal/conversation"
)

const metaPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "555130000000", "phone_number_id": "1098"},
        "contacts": [{"wa_id": "5551997519607", "profile": {"name": "Carla"}}],
        "messages": [
          {"from": "5551997519607", "id": "wamid.A", "timestamp": "1767607200", "type": "text", "text": {"body": " Qual o preço? "}},
          {"from": "5551997519607", "id": "wamid.B", "timestamp": "1767607205", "type": "image", "image": {"id": "media-9", "mime_type": "image/jpeg"}},
          {"from": "5551997519607", "id": "wamid.C", "timestamp": "1767607210", "type": "unsupported"}
        ],
        "statuses": [
          {"id": "wamid.OUT", "status": "delivered", "timestamp": "1767607300", "recipient_id": "5551997519607"},
          {"id": "wamid.OUT2", "status": "failed", "timestamp": "1767607301", "errors": [{"code": 131026, "title": "Message undeliverable"}]}
        ]
      }
    }]
  }]
}`

func TestParseMeta(t *testing.T) {
	batch, err := ParseMeta([]byte(metaPayload))
	require.NoError(t, err)
	require.Len(t, batch.Messages, 2)

	text := batch.Messages[0]
	assert.Equal(t, conversation.SourceOfficial, text.Source)
	assert.Equal(t, "wamid.A", text.ProviderMessageID)
	assert.Equal(t, "5551997519607", text.Phone)
	assert.Equal(t, "Carla", text.CustomerName)
	assert.Equal(t, "Qual o preço?", text.Text)
	assert.Equal(t, time.Unix(1767607200, 0).UTC(), text.At)
	assert.False(t, text.FromBusiness)

	image := batch.Messages[1]
	assert.Equal(t, conversation.MessageImage, image.MessageType)
	assert.Equal(t, "media-9", image.MediaRef)
	assert.Equal(t, "[imagem]", image.QueueText())

	require.Len(t, batch.Statuses, 2)
	assert.Equal(t, "delivered", batch.Statuses[0].Status)
	assert.Equal(t, "131026 Message undeliverable", batch.Statuses[1].Error)
}

func TestParseMetaIgnoresOtherObjectsAndRejectsGarbage(t *testing.T) {
	batch, err := ParseMeta([]byte(`{"object":"page","entry":[]}`))
	require.NoError(t, err)
	assert.True(t, batch.Empty())

	_, err = ParseMeta([]byte(`{"object":`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestParseGatewayMessage(t *testing.T) {
	batch, err := ParseGateway([]byte(`{
		"event": "message:received",
		"instanceId": "inst-1",
		"message": {"id": "3EB0A1", "from": "555197519607@s.whatsapp.net", "pushName": "Carla",
		            "type": "chat", "text": "oi", "timestamp": 1767607200123}
	}`))
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	evt := batch.Messages[0]
	assert.Equal(t, conversation.SourceGateway, evt.Source)
	assert.Equal(t, "555197519607", evt.Phone)
	assert.Equal(t, "Carla", evt.CustomerName)
	assert.Equal(t, conversation.MessageText, evt.MessageType)
	assert.Equal(t, time.UnixMilli(1767607200123).UTC(), evt.At)
}

func TestParseGatewayFromMeUsesChat(t *testing.T) {
	batch, err := ParseGateway([]byte(`{"event":"message.sent","message":{"id":"3EB0B2","from":"555130000000","chat":"555197519607@s.whatsapp.net","fromMe":true,"type":"text","text":"Oi Carla, aqui é a Ana"}}`))
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	assert.True(t, batch.Messages[0].FromBusiness)
	assert.Equal(t, "555197519607", batch.Messages[0].Phone)
}

func TestParseGatewaySkipsGroupsAndReadsReceipts(t *testing.T) {
	batch, err := ParseGateway([]byte(`{"event":"message","message":{"id":"g1","from":"1203630@g.us","isGroup":true,"type":"text","text":"oi"}}`))
	require.NoError(t, err)
	assert.True(t, batch.Empty())

	batch, err = ParseGateway([]byte(`{"type":"ReadReceipt","receipt":{"messageIds":["3EB0C3","", "3EB0C4"],"state":"READ","timestamp":1767607200}}`))
	require.NoError(t, err)
	require.Len(t, batch.Statuses, 2)
	assert.Equal(t, "3EB0C4", batch.Statuses[1].ProviderMessageID)
	assert.Equal(t, "READ", batch.Statuses[1].Status)

	_, err = ParseGateway([]byte(`{"event":"message"}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
