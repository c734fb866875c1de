package subprocess

import (
	"time"

	"chatrt/internal/domain"
)

// wireUser, wireConversation, wireMessage and wireReaction are the JSON
// shapes exchanged with the subprocess over JSON-RPC params/results. They
// exist so the wire format can evolve independently of the unified domain
// types, the same separation the bot-API and mobile adapters keep in
// their own mapper files.
type wireUser struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

func (w wireUser) toDomain() domain.User {
	return domain.User{
		ID:          w.ID,
		Platform:    domain.PlatformSubprocess,
		Username:    w.Username,
		DisplayName: w.DisplayName,
		Avatar:      w.Avatar,
	}
}

type wireConversation struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Participants []wireUser `json:"participants"`
}

func (w wireConversation) toDomain() domain.Conversation {
	participants := make([]domain.User, len(w.Participants))
	for i, p := range w.Participants {
		participants[i] = p.toDomain()
	}
	return domain.Conversation{
		ID:           w.ID,
		Platform:     domain.PlatformSubprocess,
		Type:         domain.ConversationType(w.Type),
		Participants: participants,
	}
}

type wireContent struct {
	Type         string  `json:"type"`
	Text         string  `json:"text,omitempty"`
	URL          string  `json:"url,omitempty"`
	Caption      string  `json:"caption,omitempty"`
	DurationMs   int64   `json:"durationMs,omitempty"`
	Filename     string  `json:"filename,omitempty"`
	Size         int64   `json:"size,omitempty"`
	StickerID    string  `json:"stickerId,omitempty"`
	Lat          float64 `json:"lat,omitempty"`
	Lng          float64 `json:"lng,omitempty"`
	LocationName string  `json:"locationName,omitempty"`
	ContactName  string  `json:"contactName,omitempty"`
	ContactPhone string  `json:"contactPhone,omitempty"`
}

func (w wireContent) toDomain() domain.MessageContent {
	return domain.MessageContent{
		Type:         domain.ContentType(w.Type),
		Text:         w.Text,
		URL:          w.URL,
		Caption:      w.Caption,
		Duration:     time.Duration(w.DurationMs) * time.Millisecond,
		Filename:     w.Filename,
		Size:         w.Size,
		StickerID:    w.StickerID,
		Lat:          w.Lat,
		Lng:          w.Lng,
		LocationName: w.LocationName,
		ContactName:  w.ContactName,
		ContactPhone: w.ContactPhone,
	}
}

type wireReaction struct {
	Emoji         string   `json:"emoji"`
	User          wireUser `json:"user"`
	MessageID     string   `json:"messageId"`
	TimestampUnix int64    `json:"timestampMs"`
}

func (w wireReaction) toDomain() domain.Reaction {
	return domain.Reaction{
		Emoji:     w.Emoji,
		User:      w.User.toDomain(),
		Timestamp: time.UnixMilli(w.TimestampUnix),
	}
}

type wireMessage struct {
	ID            string       `json:"id"`
	ConversationID string      `json:"conversationId"`
	Sender        wireUser     `json:"sender"`
	TimestampUnix int64        `json:"timestampMs"`
	Content       wireContent  `json:"content"`
	ReplyToID     string       `json:"replyToId,omitempty"`
	Reactions     []wireReaction `json:"reactions,omitempty"`
}

func (w wireMessage) toDomain() domain.Message {
	msg := domain.Message{
		ID: w.ID,
		Conversation: domain.Conversation{
			ID:       w.ConversationID,
			Platform: domain.PlatformSubprocess,
		},
		Sender:    w.Sender.toDomain(),
		Timestamp: time.UnixMilli(w.TimestampUnix),
		Content:   w.Content.toDomain(),
	}
	if w.ReplyToID != "" {
		msg.ReplyTo = &domain.Message{ID: w.ReplyToID, Conversation: msg.Conversation}
	}
	if len(w.Reactions) > 0 {
		msg.Reactions = make([]domain.Reaction, len(w.Reactions))
		for i, r := range w.Reactions {
			msg.Reactions[i] = r.toDomain()
		}
	}
	return msg
}
