package mobile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"chatrt/internal/domain"
)

func TestMapEnvelope_StatusBroadcastIsFiltered(t *testing.T) {
	_, skip := mapEnvelope(Envelope{ConversationJID: statusBroadcastJID, Text: "hi"}, "me@s")
	assert.True(t, skip)
}

func TestMapEnvelope_HistorySyncIsFiltered(t *testing.T) {
	_, skip := mapEnvelope(Envelope{ConversationJID: "123@s", IsHistorySync: true, Text: "old"}, "me@s")
	assert.True(t, skip)
}

func TestMapEnvelope_GroupJIDDetected(t *testing.T) {
	msg, skip := mapEnvelope(Envelope{ID: "1", ConversationJID: "123-456@g.us", Text: "hi", TimestampUnix: 1000}, "me@s")
	assert.False(t, skip)
	assert.Equal(t, domain.ConversationGroup, msg.Conversation.Type)
}

func TestMapEnvelope_DMJIDDetected(t *testing.T) {
	msg, skip := mapEnvelope(Envelope{ID: "1", ConversationJID: "123@s.whatsapp.net", Text: "hi"}, "me@s")
	assert.False(t, skip)
	assert.Equal(t, domain.ConversationDM, msg.Conversation.Type)
}

func TestMapEnvelope_ContentPrecedence(t *testing.T) {
	voice, _ := mapEnvelope(Envelope{ID: "1", ConversationJID: "c", AudioURL: "a.ogg", IsVoiceNote: true}, "")
	assert.Equal(t, domain.ContentVoice, voice.Content.Type)

	audio, _ := mapEnvelope(Envelope{ID: "1", ConversationJID: "c", AudioURL: "a.mp3"}, "")
	assert.Equal(t, domain.ContentAudio, audio.Content.Type)

	doc, _ := mapEnvelope(Envelope{ID: "1", ConversationJID: "c", DocumentURL: "d.pdf", DocumentName: "doc.pdf"}, "")
	assert.Equal(t, domain.ContentFile, doc.Content.Type)

	img, _ := mapEnvelope(Envelope{ID: "1", ConversationJID: "c", ImageURL: "i.jpg", Caption: "hey"}, "")
	assert.Equal(t, domain.ContentImage, img.Content.Type)
	assert.Equal(t, "hey", img.Content.Caption)

	text, _ := mapEnvelope(Envelope{ID: "1", ConversationJID: "c", Text: "plain"}, "")
	assert.Equal(t, domain.ContentText, text.Content.Type)
}

func TestMapEnvelope_FromMeUsesSelfJID(t *testing.T) {
	msg, _ := mapEnvelope(Envelope{ID: "1", ConversationJID: "c", IsFromMe: true, Text: "hi"}, "self@s")
	assert.Equal(t, "self@s", msg.Sender.ID)
}

func TestMapEnvelope_ReplyStub(t *testing.T) {
	msg, _ := mapEnvelope(Envelope{ID: "2", ConversationJID: "c", Text: "reply", ReplyToID: "1"}, "")
	if assert.NotNil(t, msg.ReplyTo) {
		assert.Equal(t, "1", msg.ReplyTo.ID)
	}
}

func TestUnwrapContainers_ViewOnceImage(t *testing.T) {
	raw := json.RawMessage(`{"viewOnceMessage":{"message":{"imageMessage":{"url":"i.jpg","caption":"once"}}}}`)
	leaf, flags := unwrapContainers(raw)
	assert.True(t, flags.viewOnce)
	assert.False(t, flags.ephemeral)
	content := leafContent(leaf)
	assert.Equal(t, domain.ContentImage, content.Type)
	assert.Equal(t, "i.jpg", content.URL)
}

func TestUnwrapContainers_EphemeralText(t *testing.T) {
	raw := json.RawMessage(`{"ephemeralMessage":{"message":{"conversation":"vanishing"}}}`)
	leaf, flags := unwrapContainers(raw)
	assert.True(t, flags.ephemeral)
	assert.Equal(t, domain.NewTextContent("vanishing"), leafContent(leaf))
}

func TestUnwrapContainers_DocumentWithCaption(t *testing.T) {
	raw := json.RawMessage(`{"documentWithCaptionMessage":{"message":{"documentMessage":{"url":"d.pdf","fileName":"doc.pdf"}}}}`)
	leaf, _ := unwrapContainers(raw)
	content := leafContent(leaf)
	assert.Equal(t, domain.ContentFile, content.Type)
	assert.Equal(t, "doc.pdf", content.Filename)
}

func TestUnwrapContainers_EditedCarriesOriginalID(t *testing.T) {
	raw := json.RawMessage(`{"editedMessage":{"message":{"conversation":"corrected"},"editedMessageId":"orig-1"}}`)
	leaf, flags := unwrapContainers(raw)
	assert.True(t, flags.edited)
	assert.Equal(t, "orig-1", flags.editOfID)
	assert.Equal(t, domain.NewTextContent("corrected"), leafContent(leaf))
}

func TestUnwrapContainers_NestedWrappersUnwrapRecursively(t *testing.T) {
	// ephemeral wrapping a view-once wrapping the real image content —
	// both levels must be peeled off before the leaf is reachable.
	raw := json.RawMessage(`{"ephemeralMessage":{"message":{"viewOnceMessage":{"message":{"imageMessage":{"url":"nested.jpg"}}}}}}`)
	leaf, flags := unwrapContainers(raw)
	assert.True(t, flags.ephemeral)
	assert.True(t, flags.viewOnce)
	content := leafContent(leaf)
	assert.Equal(t, domain.ContentImage, content.Type)
	assert.Equal(t, "nested.jpg", content.URL)
}

func TestMapEnvelope_RawContentEditedReusesOriginalMessageID(t *testing.T) {
	raw := json.RawMessage(`{"editedMessage":{"message":{"conversation":"fixed typo"},"editedMessageId":"orig-42"}}`)
	msg, skip := mapEnvelope(Envelope{ID: "evt-99", ConversationJID: "c", RawContent: raw}, "")
	assert.False(t, skip)
	assert.Equal(t, "orig-42", msg.ID)
	assert.Equal(t, domain.NewTextContent("fixed typo"), msg.Content)
}

func TestMapEnvelope_RawContentViewOnceUnwrapsToImage(t *testing.T) {
	raw := json.RawMessage(`{"viewOnceMessage":{"message":{"imageMessage":{"url":"v.jpg","caption":"look fast"}}}}`)
	msg, _ := mapEnvelope(Envelope{ID: "1", ConversationJID: "c", RawContent: raw}, "")
	assert.Equal(t, domain.ContentImage, msg.Content.Type)
	assert.Equal(t, "look fast", msg.Content.Caption)
}

func TestMapEnvelope_ProtocolMessageIsFiltered(t *testing.T) {
	raw := json.RawMessage(`{"protocolMessage":{"type":"REVOKE","key":{"id":"m1"}}}`)
	_, skip := mapEnvelope(Envelope{ID: "1", ConversationJID: "c", RawContent: raw}, "")
	assert.True(t, skip)
}

func TestMapEnvelope_ReactionOnlyMessageIsFiltered(t *testing.T) {
	raw := json.RawMessage(`{"reactionMessage":{"text":"👍","key":{"id":"m1"}}}`)
	_, skip := mapEnvelope(Envelope{ID: "1", ConversationJID: "c", RawContent: raw}, "")
	assert.True(t, skip)
}

func TestMapReceipt_DeliveryOnlyIsDropped(t *testing.T) {
	_, ok := mapReceipt(receiptEnvelope{MessageID: "m1", ConversationJID: "c", ReaderJID: "r@s"})
	assert.False(t, ok)

	ev, ok := mapReceipt(receiptEnvelope{MessageID: "m1", ConversationJID: "c", ReaderJID: "r@s", ReadTimestampUnix: 1700000000})
	assert.True(t, ok)
	assert.Equal(t, "m1", ev.MessageID)
	assert.Equal(t, domain.PlatformMobile, ev.Reader.Platform)
}

func TestMapPresence_Classification(t *testing.T) {
	typing, presence := mapPresence(presenceEnvelope{ConversationJID: "c", SenderJID: "u@s", State: "recording"})
	if assert.NotNil(t, typing) {
		assert.True(t, typing.Recording)
	}
	assert.Nil(t, presence)

	typing, presence = mapPresence(presenceEnvelope{SenderJID: "u@s", State: "available"})
	assert.Nil(t, typing)
	if assert.NotNil(t, presence) {
		assert.True(t, presence.Online)
	}

	typing, presence = mapPresence(presenceEnvelope{SenderJID: "u@s", State: "gibberish"})
	assert.Nil(t, typing)
	assert.Nil(t, presence)
}

func TestUnwrapContainers_MalformedPayloadReturnsOriginalNode(t *testing.T) {
	raw := json.RawMessage(`not json`)
	leaf, flags := unwrapContainers(raw)
	assert.Equal(t, raw, leaf)
	assert.False(t, flags.viewOnce)
	assert.False(t, flags.ephemeral)
	assert.False(t, flags.edited)
}
