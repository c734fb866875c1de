package mobile

import (
	"encoding/json"
	"time"

	"chatrt/internal/domain"
)

// statusBroadcastJID is the well-known pseudo-JID mobile-protocol backends
// use for "status" updates; these are never real conversations and must
// be filtered rather than surfaced as messages.
const statusBroadcastJID = "status@broadcast"

// Envelope is the decoded wire shape of one incoming chat event.
// Mobile-protocol backends nest the actual content several levels deep
// (view-once wrappers, ephemeral wrappers, edit wrappers); when the wire
// payload carries that raw nested shape it arrives in RawContent and
// mapEnvelope unwraps it via unwrapContainers/leafContent. Simpler
// envelopes (tests, or a bridge that already flattened its payload) skip
// RawContent and populate the flat fields below directly instead.
type Envelope struct {
	ID              string
	ConversationJID string
	SenderJID       string
	SenderName      string
	TimestampUnix   int64
	IsHistorySync   bool
	IsFromMe        bool

	// RawContent, when present, is the wire's nested content node, still
	// possibly wrapped in one or more container variants (viewOnceMessage,
	// ephemeralMessage, documentWithCaptionMessage, editedMessage) that
	// must be unwrapped recursively — see unwrapContainers — before the
	// concrete content type underneath can be read. Envelopes built
	// directly in Go (tests, and any bridge that has already flattened
	// its payload) leave this nil and populate the flat fields below
	// instead; mapEnvelope prefers RawContent when it is set.
	RawContent json.RawMessage

	// Content, in order of precedence: exactly one is populated, either
	// directly by a caller or by unwrapping RawContent.
	Text         string
	ImageURL     string
	Caption      string
	DocumentURL  string
	DocumentName string
	AudioURL     string
	IsVoiceNote  bool
	Lat, Lng     float64

	IsEdit    bool
	EditOfID  string
	ReplyToID string
}

// containerWrapperKeys names the container variants spec.md §4.6 requires
// to be unwrapped recursively, in the order checked at each level.
var containerWrapperKeys = []string{"viewOnceMessage", "ephemeralMessage", "documentWithCaptionMessage", "editedMessage"}

// containerWrapper is the shape of every container variant: the real
// content one level down under "message", plus (for editedMessage only)
// the id of the message being edited.
type containerWrapper struct {
	Message         json.RawMessage `json:"message"`
	EditedMessageID string          `json:"editedMessageId,omitempty"`
}

// unwrapFlags records which container variants were traversed on the way
// to a leaf content node.
type unwrapFlags struct {
	viewOnce  bool
	ephemeral bool
	edited    bool
	editOfID  string
}

// maxUnwrapDepth bounds recursion against a malformed or adversarial
// payload that references itself; no real message nests container
// variants anywhere near this deep.
const maxUnwrapDepth = 8

// unwrapContainers descends through nested viewOnce/ephemeral/
// documentWithCaption/edited wrapper nodes until it reaches a node that
// is not itself one of those wrappers, per spec.md §4.6. It returns the
// innermost node found and the set of wrappers it passed through.
func unwrapContainers(raw json.RawMessage) (json.RawMessage, unwrapFlags) {
	var flags unwrapFlags
	cur := raw
	for depth := 0; depth < maxUnwrapDepth; depth++ {
		var node map[string]json.RawMessage
		if err := json.Unmarshal(cur, &node); err != nil {
			return cur, flags
		}

		key, wrapped := nextContainerKey(node)
		if !wrapped {
			return cur, flags
		}

		var w containerWrapper
		if err := json.Unmarshal(node[key], &w); err != nil || w.Message == nil {
			return cur, flags
		}

		switch key {
		case "viewOnceMessage":
			flags.viewOnce = true
		case "ephemeralMessage":
			flags.ephemeral = true
		case "documentWithCaptionMessage":
			// no flag of its own; it only relocates documentMessage one
			// level down, the leaf type switch below still applies.
		case "editedMessage":
			flags.edited = true
			flags.editOfID = w.EditedMessageID
		}

		cur = w.Message
	}
	return cur, flags
}

func nextContainerKey(node map[string]json.RawMessage) (string, bool) {
	for _, key := range containerWrapperKeys {
		if _, ok := node[key]; ok {
			return key, true
		}
	}
	return "", false
}

// leafContent decodes the concrete content type at the bottom of an
// unwrapped message node into a domain.MessageContent.
func leafContent(raw json.RawMessage) domain.MessageContent {
	var node struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ImageMessage struct {
			URL     string `json:"url"`
			Caption string `json:"caption"`
		} `json:"imageMessage"`
		DocumentMessage struct {
			URL      string `json:"url"`
			FileName string `json:"fileName"`
		} `json:"documentMessage"`
		AudioMessage struct {
			URL string `json:"url"`
			PTT bool   `json:"ptt"`
		} `json:"audioMessage"`
		LocationMessage struct {
			Lat float64 `json:"degreesLatitude"`
			Lng float64 `json:"degreesLongitude"`
		} `json:"locationMessage"`
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		return domain.NewTextContent("")
	}

	switch {
	case node.DocumentMessage.URL != "":
		return domain.NewFileContent(node.DocumentMessage.URL, node.DocumentMessage.FileName, 0)
	case node.AudioMessage.URL != "" && node.AudioMessage.PTT:
		return domain.NewVoiceContent(node.AudioMessage.URL, 0)
	case node.AudioMessage.URL != "":
		return domain.NewAudioContent(node.AudioMessage.URL, 0)
	case node.ImageMessage.URL != "":
		return domain.NewImageContent(node.ImageMessage.URL, node.ImageMessage.Caption)
	case node.LocationMessage.Lat != 0 || node.LocationMessage.Lng != 0:
		return domain.NewLocationContent(node.LocationMessage.Lat, node.LocationMessage.Lng, "")
	case node.ExtendedTextMessage.Text != "":
		return domain.NewTextContent(node.ExtendedTextMessage.Text)
	default:
		return domain.NewTextContent(node.Conversation)
	}
}

// isNonRenderable reports leaf nodes that must never surface as message
// events: protocol bookkeeping and reaction-only messages. Reactions reach
// listeners through the separate reaction event instead.
func isNonRenderable(leaf json.RawMessage) bool {
	var node map[string]json.RawMessage
	if err := json.Unmarshal(leaf, &node); err != nil {
		return false
	}
	if _, ok := node["protocolMessage"]; ok {
		return true
	}
	if _, ok := node["reactionMessage"]; ok {
		return true
	}
	return false
}

// mapEnvelope converts a decoded Envelope to a domain.Message. skip
// reports conversations that must never be surfaced: status broadcasts,
// history-sync backfill batches (the latter would otherwise replay a
// user's entire history through the live message pipeline), and
// protocol/reaction-only leaves.
func mapEnvelope(env Envelope, selfJID string) (domain.Message, bool) {
	if env.ConversationJID == statusBroadcastJID {
		return domain.Message{}, true
	}
	if env.IsHistorySync {
		return domain.Message{}, true
	}

	content := contentFromEnvelope(env)
	isEdit, editOfID := env.IsEdit, env.EditOfID
	if env.RawContent != nil {
		leaf, flags := unwrapContainers(env.RawContent)
		if isNonRenderable(leaf) {
			return domain.Message{}, true
		}
		content = leafContent(leaf)
		if flags.edited {
			isEdit, editOfID = true, flags.editOfID
		}
	}

	id := env.ID
	if isEdit && editOfID != "" {
		// Reuse the edited message's original id so a consumer that keys
		// off message id replaces it in place rather than appending a
		// duplicate, per the "edits reuse the message event" decision.
		id = editOfID
	}

	sender := domain.User{ID: env.SenderJID, Platform: domain.PlatformMobile, DisplayName: env.SenderName}
	if env.IsFromMe {
		sender.ID = selfJID
	}

	convType := domain.ConversationDM
	if isGroupJID(env.ConversationJID) {
		convType = domain.ConversationGroup
	}

	msg := domain.Message{
		ID:           id,
		Conversation: domain.Conversation{ID: env.ConversationJID, Platform: domain.PlatformMobile, Type: convType},
		Sender:       sender,
		Timestamp:    time.Unix(env.TimestampUnix, 0),
		Content:      content,
	}
	if env.ReplyToID != "" {
		msg.ReplyTo = &domain.Message{ID: env.ReplyToID, Conversation: msg.Conversation}
	}
	return msg, false
}

func contentFromEnvelope(env Envelope) domain.MessageContent {
	switch {
	case env.DocumentURL != "":
		return domain.NewFileContent(env.DocumentURL, env.DocumentName, 0)
	case env.AudioURL != "" && env.IsVoiceNote:
		return domain.NewVoiceContent(env.AudioURL, 0)
	case env.AudioURL != "":
		return domain.NewAudioContent(env.AudioURL, 0)
	case env.ImageURL != "":
		return domain.NewImageContent(env.ImageURL, env.Caption)
	case env.Lat != 0 || env.Lng != 0:
		return domain.NewLocationContent(env.Lat, env.Lng, "")
	default:
		return domain.NewTextContent(env.Text)
	}
}

// reactionEnvelope is the wire shape of one reaction update.
type reactionEnvelope struct {
	MessageID       string `json:"messageId"`
	ConversationJID string `json:"conversationJid"`
	TargetSenderJID string `json:"targetSenderJid"`
	ReactorJID      string `json:"reactorJid"`
	ReactorName     string `json:"reactorName"`
	Emoji           string `json:"emoji"`
	TimestampUnix   int64  `json:"timestamp"`
}

// ReactionEvent pairs an inbound reaction with a stub of the message it
// targets: id, conversation, and sender are populated, content is not —
// the backend does not replay the quoted body on reaction updates.
type ReactionEvent struct {
	Reaction domain.Reaction
	Target   domain.Message
}

func mapReaction(env reactionEnvelope) ReactionEvent {
	conv := domain.Conversation{ID: env.ConversationJID, Platform: domain.PlatformMobile, Type: domain.ConversationDM}
	if isGroupJID(env.ConversationJID) {
		conv.Type = domain.ConversationGroup
	}
	return ReactionEvent{
		Reaction: domain.Reaction{
			Emoji:     env.Emoji,
			User:      domain.User{ID: env.ReactorJID, Platform: domain.PlatformMobile, DisplayName: env.ReactorName},
			Timestamp: time.Unix(env.TimestampUnix, 0),
		},
		Target: domain.Message{
			ID:           env.MessageID,
			Conversation: conv,
			Sender:       domain.User{ID: env.TargetSenderJID, Platform: domain.PlatformMobile},
		},
	}
}

// receiptEnvelope is the wire shape of one message-receipt update.
type receiptEnvelope struct {
	MessageID         string `json:"messageId"`
	ConversationJID   string `json:"conversationJid"`
	ReaderJID         string `json:"readerJid"`
	ReadTimestampUnix int64  `json:"readTimestamp"`
}

// ReadEvent reports that Reader read the message at At.
type ReadEvent struct {
	MessageID    string
	Conversation domain.Conversation
	Reader       domain.User
	At           time.Time
}

// mapReceipt converts a receipt update to a ReadEvent. Delivery-only
// receipts (no read timestamp) are dropped: ok is false.
func mapReceipt(env receiptEnvelope) (ReadEvent, bool) {
	if env.ReadTimestampUnix == 0 {
		return ReadEvent{}, false
	}
	return ReadEvent{
		MessageID:    env.MessageID,
		Conversation: domain.Conversation{ID: env.ConversationJID, Platform: domain.PlatformMobile, Type: domain.ConversationDM},
		Reader:       domain.User{ID: env.ReaderJID, Platform: domain.PlatformMobile},
		At:           time.Unix(env.ReadTimestampUnix, 0),
	}, true
}

// presenceEnvelope is the wire shape of one presence update.
type presenceEnvelope struct {
	ConversationJID string `json:"conversationJid"`
	SenderJID       string `json:"senderJid"`
	State           string `json:"state"` // composing, recording, available, unavailable
}

// TypingEvent reports a user composing or recording in a conversation.
type TypingEvent struct {
	Conversation domain.Conversation
	User         domain.User
	Recording    bool
}

// PresenceEvent reports a user's online/offline availability.
type PresenceEvent struct {
	User   domain.User
	Online bool
}

// mapPresence classifies a presence update: composing/recording become a
// typing event, available/unavailable become a presence event, anything
// else is dropped.
func mapPresence(env presenceEnvelope) (typing *TypingEvent, presence *PresenceEvent) {
	user := domain.User{ID: env.SenderJID, Platform: domain.PlatformMobile}
	switch env.State {
	case "composing", "recording":
		return &TypingEvent{
			Conversation: domain.Conversation{ID: env.ConversationJID, Platform: domain.PlatformMobile, Type: domain.ConversationDM},
			User:         user,
			Recording:    env.State == "recording",
		}, nil
	case "available":
		return nil, &PresenceEvent{User: user, Online: true}
	case "unavailable":
		return nil, &PresenceEvent{User: user, Online: false}
	default:
		return nil, nil
	}
}

// isGroupJID reports whether jid addresses a multi-party group rather
// than a single contact, using the mobile-protocol convention of a
// "-timestamp@g.us"-shaped JID for groups.
func isGroupJID(jid string) bool {
	const groupSuffix = "@g.us"
	if len(jid) < len(groupSuffix) {
		return false
	}
	return jid[len(jid)-len(groupSuffix):] == groupSuffix
}
