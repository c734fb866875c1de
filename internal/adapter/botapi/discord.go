package botapi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"chatrt/internal/domain"
)

// DiscordConfig configures the Discord bot-API adapter — a third
// bot-API backend alongside TelegramAdapter and SlackAdapter: same
// contract, same centralised-gateway shape, a different library client.
type DiscordConfig struct {
	Token       string
	GuildID     string
	ChannelIDs  []string
	MentionOnly bool
}

// DiscordAdapter implements domain.Adapter for Discord via discordgo's
// gateway session, grounded on the teacher's Discord channel.
type DiscordAdapter struct {
	*domain.BaseAdapter
	cfg       DiscordConfig
	logger    *slog.Logger
	session   *discordgo.Session
	channels  map[string]bool
	botUserID string
}

// NewDiscordAdapter constructs a DiscordAdapter.
func NewDiscordAdapter(cfg DiscordConfig, logger *slog.Logger) *DiscordAdapter {
	channels := make(map[string]bool, len(cfg.ChannelIDs))
	for _, id := range cfg.ChannelIDs {
		channels[id] = true
	}
	return &DiscordAdapter{
		BaseAdapter: domain.NewBaseAdapter(domain.PlatformBotAPI),
		cfg:         cfg,
		logger:      logger,
		channels:    channels,
	}
}

// Connect opens the gateway session and registers the message-create
// handler.
func (a *DiscordAdapter) Connect(ctx context.Context) error {
	if a.IsConnected() {
		return domain.NewSubSystemError("bot_api", "Connect", domain.ErrAlreadyConnected, "discord")
	}

	sess, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return domain.NewSubSystemError("bot_api", "Connect", domain.ErrTransport, err.Error())
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	sess.AddHandler(a.onMessageCreate)
	sess.AddHandler(a.onMessageReactionAdd)

	if err := sess.Open(); err != nil {
		return domain.NewSubSystemError("bot_api", "Connect", domain.ErrTransport, err.Error())
	}
	a.session = sess
	a.botUserID = sess.State.User.ID
	a.SetConnected(true)
	a.Emit(domain.EventConnected, nil)
	return nil
}

// Disconnect closes the gateway session. Idempotent.
func (a *DiscordAdapter) Disconnect(ctx context.Context) error {
	if !a.IsConnected() {
		return nil
	}
	a.SetConnected(false)
	err := a.session.Close()
	a.Emit(domain.EventDisconnected, nil)
	return err
}

func (a *DiscordAdapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID {
		return
	}
	if a.cfg.GuildID != "" && m.GuildID != "" && m.GuildID != a.cfg.GuildID {
		return
	}
	if len(a.channels) > 0 && !a.channels[m.ChannelID] {
		return
	}

	isMention := false
	for _, u := range m.Mentions {
		if u.ID == a.botUserID {
			isMention = true
			break
		}
	}
	if a.cfg.MentionOnly && m.GuildID != "" && !isMention {
		return
	}

	content := m.Content
	if isMention {
		content = strings.ReplaceAll(content, "<@"+a.botUserID+">", "")
		content = strings.ReplaceAll(content, "<@!"+a.botUserID+">", "")
		content = strings.TrimSpace(content)
	}

	convType := domain.ConversationGroup
	if m.GuildID == "" {
		convType = domain.ConversationDM
	}
	conv := domain.Conversation{ID: m.ChannelID, Platform: domain.PlatformBotAPI, Type: convType}

	msg := domain.Message{
		ID:           m.ID,
		Conversation: conv,
		Sender: domain.User{
			ID:          m.Author.ID,
			Platform:    domain.PlatformBotAPI,
			Username:    m.Author.Username,
			DisplayName: discordDisplayName(m.Author),
		},
		Timestamp: discordTimestamp(m.ID, m.Timestamp),
		Content:   discordContent(content, m.Attachments),
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		msg.ReplyTo = &domain.Message{ID: m.MessageReference.MessageID, Conversation: conv}
	}
	a.Emit(domain.EventMessage, msg)
}

func (a *DiscordAdapter) onMessageReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.UserID == a.botUserID {
		return
	}
	conv := domain.Conversation{ID: r.ChannelID, Platform: domain.PlatformBotAPI}
	a.Emit(domain.EventReaction, map[string]any{
		"reaction": domain.Reaction{
			Emoji:     r.Emoji.Name,
			User:      domain.User{ID: r.UserID, Platform: domain.PlatformBotAPI},
			Timestamp: time.Now(),
		},
		"targetStub": domain.Message{ID: r.MessageID, Conversation: conv},
	})
}

func discordDisplayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// discordEpochMs is the Discord snowflake epoch (2015-01-01T00:00:00Z),
// in Unix milliseconds.
const discordEpochMs = 1420070400000

// discordTimestamp prefers the message's own Timestamp field, falling
// back to the Discord snowflake epoch embedded in the message ID when
// the library leaves it zero (as happens on some synthesized events).
func discordTimestamp(id string, ts time.Time) time.Time {
	if !ts.IsZero() {
		return ts
	}
	if t, err := discordgo.SnowflakeTimestamp(id); err == nil {
		return t
	}
	return time.Now()
}

// snowflakeFromTime builds a Discord snowflake ID whose embedded
// timestamp is t, for use as the "before" cursor in ChannelMessages —
// the client wired here has no helper for the reverse of
// SnowflakeTimestamp.
func snowflakeFromTime(t time.Time) string {
	ms := t.UnixMilli() - discordEpochMs
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<22, 10)
}

func discordContent(text string, attachments []*discordgo.MessageAttachment) domain.MessageContent {
	if len(attachments) == 0 {
		return domain.NewTextContent(text)
	}
	att := attachments[0]
	switch {
	case strings.HasPrefix(att.ContentType, "image/"):
		return domain.NewImageContent(att.URL, text)
	case strings.HasPrefix(att.ContentType, "video/"):
		return domain.NewVideoContent(att.URL, text)
	case strings.HasPrefix(att.ContentType, "audio/"):
		return domain.NewAudioContent(att.URL, 0)
	default:
		return domain.NewFileContent(att.URL, att.Filename, int64(att.Size))
	}
}

func (a *DiscordAdapter) selfUser() domain.User {
	return domain.User{ID: a.botUserID, Platform: domain.PlatformBotAPI}
}

// SendText implements domain.Adapter.
func (a *DiscordAdapter) SendText(ctx context.Context, conv domain.Conversation, text string) (domain.Message, error) {
	if err := a.AssertConnected("SendText"); err != nil {
		return domain.Message{}, err
	}
	m, err := a.session.ChannelMessageSend(conv.ID, text)
	if err != nil {
		return domain.Message{}, domain.NewSubSystemError("bot_api", "SendText", domain.ErrTransport, err.Error())
	}
	return domain.Message{ID: m.ID, Conversation: conv, Sender: a.selfUser(), Content: domain.NewTextContent(text), Timestamp: time.Now()}, nil
}

// SendImage posts the image URL as message content: the client wired
// here has no distinct upload-by-URL call, so the link is sent as text
// and Discord's own link-unfurl renders the embed.
func (a *DiscordAdapter) SendImage(ctx context.Context, conv domain.Conversation, media domain.MediaRef, caption string) (domain.Message, error) {
	return a.sendAsLink(ctx, conv, domain.NewImageContent(media.URL, caption), media.URL, caption)
}

// SendAudio degrades to a link share.
func (a *DiscordAdapter) SendAudio(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	return a.sendAsLink(ctx, conv, domain.NewAudioContent(media.URL, 0), media.URL, "")
}

// SendVoice degrades to audio.
func (a *DiscordAdapter) SendVoice(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	msg, err := a.SendAudio(ctx, conv, media)
	if err == nil {
		msg.Content.Type = domain.ContentVoice
	}
	return msg, err
}

// SendFile implements domain.Adapter via a link share with filename.
func (a *DiscordAdapter) SendFile(ctx context.Context, conv domain.Conversation, media domain.MediaRef, filename string) (domain.Message, error) {
	return a.sendAsLink(ctx, conv, domain.NewFileContent(media.URL, filename, int64(len(media.Data))), media.URL, filename)
}

// SendLocation degrades to a text message with coordinates: Discord has
// no native location message type.
func (a *DiscordAdapter) SendLocation(ctx context.Context, conv domain.Conversation, lat, lng float64) (domain.Message, error) {
	text := fmt.Sprintf("location: %f,%f", lat, lng)
	msg, err := a.SendText(ctx, conv, text)
	if err == nil {
		msg.Content = domain.NewLocationContent(lat, lng, "")
	}
	return msg, err
}

func (a *DiscordAdapter) sendAsLink(ctx context.Context, conv domain.Conversation, content domain.MessageContent, url, label string) (domain.Message, error) {
	if err := a.AssertConnected("Send"); err != nil {
		return domain.Message{}, err
	}
	text := url
	if label != "" {
		text = label + ": " + url
	}
	m, err := a.session.ChannelMessageSend(conv.ID, text)
	if err != nil {
		return domain.Message{}, domain.NewSubSystemError("bot_api", "Send", domain.ErrTransport, err.Error())
	}
	return domain.Message{ID: m.ID, Conversation: conv, Sender: a.selfUser(), Content: content, Timestamp: time.Now()}, nil
}

// React implements domain.Adapter via emoji reaction add.
func (a *DiscordAdapter) React(ctx context.Context, msg domain.Message, emoji string) error {
	if err := a.AssertConnected("React"); err != nil {
		return err
	}
	return a.session.MessageReactionAdd(msg.Conversation.ID, msg.ID, emoji)
}

// Reply posts a message referencing msg via Discord's native message
// reference (shows as a reply in the client).
func (a *DiscordAdapter) Reply(ctx context.Context, msg domain.Message, content domain.MessageContent) (domain.Message, error) {
	if err := a.AssertConnected("Reply"); err != nil {
		return domain.Message{}, err
	}
	ref := &discordgo.MessageReference{MessageID: msg.ID, ChannelID: msg.Conversation.ID}
	m, err := a.session.ChannelMessageSendReply(msg.Conversation.ID, content.Text, ref)
	if err != nil {
		return domain.Message{}, domain.NewSubSystemError("bot_api", "Reply", domain.ErrTransport, err.Error())
	}
	return domain.Message{ID: m.ID, Conversation: msg.Conversation, Sender: a.selfUser(), Content: content, ReplyTo: &msg, Timestamp: time.Now()}, nil
}

// Forward re-posts the text into target; Discord has no native forward
// in the surface wired here.
func (a *DiscordAdapter) Forward(ctx context.Context, msg domain.Message, target domain.Conversation) (domain.Message, error) {
	return a.SendText(ctx, target, msg.Content.Text)
}

// Delete implements domain.Adapter.
func (a *DiscordAdapter) Delete(ctx context.Context, msg domain.Message) error {
	if err := a.AssertConnected("Delete"); err != nil {
		return err
	}
	return a.session.ChannelMessageDelete(msg.Conversation.ID, msg.ID)
}

// SetTyping triggers Discord's transient typing indicator; durationMs is
// ignored since the gateway call itself only covers a short fixed window
// and the caller is expected to re-trigger it for longer pauses.
func (a *DiscordAdapter) SetTyping(ctx context.Context, conv domain.Conversation, durationMs int) error {
	if err := a.AssertConnected("SetTyping"); err != nil {
		return err
	}
	return a.session.ChannelTyping(conv.ID)
}

// MarkRead is a no-op: the gateway surface wired here has no read-receipt
// concept for bot users.
func (a *DiscordAdapter) MarkRead(ctx context.Context, msg domain.Message) error {
	return nil
}

// GetConversations lists the guild's text channels (or, with no guild
// configured, is unsupported — enumerating every DM channel a bot user
// can see is not exposed by this client).
func (a *DiscordAdapter) GetConversations(ctx context.Context) ([]domain.Conversation, error) {
	if err := a.AssertConnected("GetConversations"); err != nil {
		return nil, err
	}
	if a.cfg.GuildID == "" {
		return nil, a.Unsupported("GetConversations")
	}
	chans, err := a.session.GuildChannels(a.cfg.GuildID)
	if err != nil {
		return nil, domain.NewSubSystemError("bot_api", "GetConversations", domain.ErrTransport, err.Error())
	}
	out := make([]domain.Conversation, 0, len(chans))
	for _, c := range chans {
		if c.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		out = append(out, domain.Conversation{ID: c.ID, Platform: domain.PlatformBotAPI, Type: domain.ConversationChannel})
	}
	return out, nil
}

// GetMessages fetches recent channel history.
func (a *DiscordAdapter) GetMessages(ctx context.Context, conv domain.Conversation, limit int, before *time.Time) ([]domain.Message, error) {
	if err := a.AssertConnected("GetMessages"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	beforeID := ""
	if before != nil {
		beforeID = snowflakeFromTime(*before)
	}
	msgs, err := a.session.ChannelMessages(conv.ID, limit, beforeID, "", "")
	if err != nil {
		return nil, domain.NewSubSystemError("bot_api", "GetMessages", domain.ErrTransport, err.Error())
	}
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		out[i] = domain.Message{
			ID:           m.ID,
			Conversation: conv,
			Sender:       domain.User{ID: m.Author.ID, Platform: domain.PlatformBotAPI, Username: m.Author.Username},
			Timestamp:    discordTimestamp(m.ID, m.Timestamp),
			Content:      discordContent(m.Content, m.Attachments),
		}
	}
	return out, nil
}
