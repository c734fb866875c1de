package domain

// Platform identifies a chat backend.
type Platform string

const (
	PlatformBotAPI     Platform = "bot_api"
	PlatformMobile     Platform = "mobile"
	PlatformSubprocess Platform = "subprocess"
	PlatformBrowser    Platform = "browser"
)

// User is a platform-scoped, immutable value describing a chat participant.
type User struct {
	ID          string
	Platform    Platform
	Username    string
	DisplayName string
	Avatar      string
}
