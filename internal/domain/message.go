package domain

import "time"

// ContentType discriminates the MessageContent tagged union. Exactly one
// variant is active for a given Message.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentVoice    ContentType = "voice"
	ContentFile     ContentType = "file"
	ContentSticker  ContentType = "sticker"
	ContentLocation ContentType = "location"
	ContentContact  ContentType = "contact"
	ContentLink     ContentType = "link"
)

// MessageContent is the principal sum type of the domain model. Construct
// it only through the New*Content helpers so the "one active variant"
// invariant holds.
type MessageContent struct {
	Type ContentType

	Text string

	URL     string
	Caption string

	Duration time.Duration

	Filename string
	Size     int64

	StickerID string

	Lat, Lng     float64
	LocationName string

	ContactName  string
	ContactPhone string
}

func NewTextContent(text string) MessageContent {
	return MessageContent{Type: ContentText, Text: text}
}

func NewImageContent(url, caption string) MessageContent {
	return MessageContent{Type: ContentImage, URL: url, Caption: caption}
}

func NewVideoContent(url, caption string) MessageContent {
	return MessageContent{Type: ContentVideo, URL: url, Caption: caption}
}

func NewAudioContent(url string, duration time.Duration) MessageContent {
	return MessageContent{Type: ContentAudio, URL: url, Duration: duration}
}

func NewVoiceContent(url string, duration time.Duration) MessageContent {
	return MessageContent{Type: ContentVoice, URL: url, Duration: duration}
}

func NewFileContent(url, filename string, size int64) MessageContent {
	return MessageContent{Type: ContentFile, URL: url, Filename: filename, Size: size}
}

func NewStickerContent(id, url string) MessageContent {
	return MessageContent{Type: ContentSticker, StickerID: id, URL: url}
}

func NewLocationContent(lat, lng float64, name string) MessageContent {
	return MessageContent{Type: ContentLocation, Lat: lat, Lng: lng, LocationName: name}
}

func NewContactContent(name, phone string) MessageContent {
	return MessageContent{Type: ContentContact, ContactName: name, ContactPhone: phone}
}

func NewLinkContent(url string) MessageContent {
	return MessageContent{Type: ContentLink, URL: url}
}

// Message is a platform-scoped unit of conversation. ReplyTo may be a stub
// (ID and Conversation populated, Content left zero-value) when the quoted
// body is unavailable from the backend.
type Message struct {
	ID           string
	Conversation Conversation
	Sender       User
	Timestamp    time.Time
	Content      MessageContent
	ReplyTo      *Message
	Reactions    []Reaction
}

// Reaction is an emoji applied to a Message by a User.
type Reaction struct {
	Emoji     string
	User      User
	Timestamp time.Time
}

// MediaRef supplies outbound media either as a remote URL or raw bytes.
// Exactly one of URL or Data should be set; adapters that only support one
// form may reject the other with ValidationError.
type MediaRef struct {
	URL      string
	Data     []byte
	MIMEType string
}
