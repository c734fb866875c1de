package botapi

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"

	"chatrt/internal/domain"
)

func TestSnowflakeFromTime_RoundTripsViaSnowflakeTimestamp(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := snowflakeFromTime(at)
	got, err := discordgo.SnowflakeTimestamp(id)
	assert.NoError(t, err)
	assert.WithinDuration(t, at, got, time.Second)
}

func TestDiscordContent_NoAttachmentsIsText(t *testing.T) {
	c := discordContent("hello", nil)
	assert.Equal(t, "hello", c.Text)
}

func TestDiscordContent_ImageAttachment(t *testing.T) {
	c := discordContent("caption", []*discordgo.MessageAttachment{
		{URL: "https://cdn/img.png", ContentType: "image/png"},
	})
	assert.Equal(t, "https://cdn/img.png", c.URL)
	assert.Equal(t, "caption", c.Caption)
}

func TestDiscordContent_FileAttachmentDefault(t *testing.T) {
	c := discordContent("", []*discordgo.MessageAttachment{
		{URL: "https://cdn/doc.pdf", Filename: "doc.pdf", ContentType: "application/pdf", Size: 100},
	})
	assert.Equal(t, "doc.pdf", c.Filename)
	assert.Equal(t, int64(100), c.Size)
}

func TestDiscordAdapter_OnMessageCreate_IgnoresSelf(t *testing.T) {
	a := NewDiscordAdapter(DiscordConfig{}, discardLogger())
	a.botUserID = "BOT"

	var received int
	a.On("message", func(any) { received++ })

	a.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{ID: "BOT"}, ChannelID: "C1", Content: "hi",
	}})
	assert.Equal(t, 0, received)
}

func TestDiscordAdapter_OnMessageCreate_ChannelFilter(t *testing.T) {
	a := NewDiscordAdapter(DiscordConfig{ChannelIDs: []string{"C_ALLOWED"}}, discardLogger())
	a.botUserID = "BOT"

	var received int
	a.On("message", func(any) { received++ })

	a.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{ID: "U1"}, ChannelID: "C_OTHER", Content: "hi",
	}})
	assert.Equal(t, 0, received)
}

func TestDiscordAdapter_OnMessageCreate_MentionOnlyGatesGuildMessages(t *testing.T) {
	a := NewDiscordAdapter(DiscordConfig{MentionOnly: true}, discardLogger())
	a.botUserID = "BOT"

	var received int
	var lastMsg any
	a.On("message", func(p any) { received++; lastMsg = p })

	a.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{ID: "U1"}, GuildID: "G1", ChannelID: "C1", Content: "hello",
	}})
	assert.Equal(t, 0, received)

	a.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		Author:    &discordgo.User{ID: "U1"},
		GuildID:   "G1",
		ChannelID: "C1",
		Content:   "<@BOT> hello",
		Mentions:  []*discordgo.User{{ID: "BOT"}},
	}})
	assert.Equal(t, 1, received)
	assert.Equal(t, "hello", lastMsg.(domain.Message).Content.Text)
}
