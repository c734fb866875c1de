package botapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"chatrt/internal/domain"
)

// SlackConfig configures the Slack bot-API adapter.
type SlackConfig struct {
	BotToken   string
	AppToken   string
	ChannelIDs []string
}

// SlackAdapter implements domain.Adapter for Slack via Socket Mode,
// a second bot-API backend alongside TelegramAdapter: same contract,
// different library client, grounded on the teacher's Slack channel.
type SlackAdapter struct {
	*domain.BaseAdapter
	cfg       SlackConfig
	logger    *slog.Logger
	api       *slack.Client
	socket    *socketmode.Client
	channels  map[string]bool
	userNames sync.Map
	cancel    context.CancelFunc
	botUserID string
}

// NewSlackAdapter constructs a SlackAdapter.
func NewSlackAdapter(cfg SlackConfig, logger *slog.Logger) *SlackAdapter {
	channels := make(map[string]bool, len(cfg.ChannelIDs))
	for _, id := range cfg.ChannelIDs {
		channels[id] = true
	}
	return &SlackAdapter{
		BaseAdapter: domain.NewBaseAdapter(domain.PlatformBotAPI),
		cfg:         cfg,
		logger:      logger,
		channels:    channels,
	}
}

// Connect authenticates and starts the Socket Mode event loop.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	if a.IsConnected() {
		return domain.NewSubSystemError("bot_api", "Connect", domain.ErrAlreadyConnected, "slack")
	}
	a.api = slack.New(a.cfg.BotToken, slack.OptionAppLevelToken(a.cfg.AppToken))
	a.socket = socketmode.New(a.api)

	authResp, err := a.api.AuthTest()
	if err != nil {
		return domain.NewSubSystemError("bot_api", "Connect", domain.ErrTimeout, err.Error())
	}
	a.botUserID = authResp.UserID

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.SetConnected(true)

	go a.eventLoop(runCtx)
	go func() {
		if err := a.socket.Run(); err != nil && runCtx.Err() == nil {
			a.Emit(domain.EventError, domain.NewSubSystemError("bot_api", "socketmode.Run", domain.ErrTransport, err.Error()))
		}
	}()

	a.Emit(domain.EventConnected, nil)
	return nil
}

// Disconnect tears down the Socket Mode connection. Idempotent.
func (a *SlackAdapter) Disconnect(ctx context.Context) error {
	if !a.IsConnected() {
		return nil
	}
	a.SetConnected(false)
	if a.cancel != nil {
		a.cancel()
	}
	a.Emit(domain.EventDisconnected, nil)
	return nil
}

func (a *SlackAdapter) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			a.socket.Ack(*evt.Request)
			if inner, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				a.handleMessage(inner)
			}
		}
	}
}

func (a *SlackAdapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == "" || ev.User == a.botUserID || ev.BotID != "" {
		return
	}
	if len(a.channels) > 0 && !a.channels[ev.Channel] {
		return
	}

	conv := domain.Conversation{ID: ev.Channel, Platform: domain.PlatformBotAPI, Type: domain.ConversationChannel}
	msg := domain.Message{
		ID:           ev.TimeStamp,
		Conversation: conv,
		Sender: domain.User{
			ID:          ev.User,
			Platform:    domain.PlatformBotAPI,
			DisplayName: a.resolveUserName(ev.User),
		},
		Timestamp: slackTimestamp(ev.TimeStamp),
		Content:   domain.NewTextContent(ev.Text),
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		msg.ReplyTo = &domain.Message{ID: ev.ThreadTimeStamp, Conversation: conv}
	}
	a.Emit(domain.EventMessage, msg)
}

func (a *SlackAdapter) selfUser() domain.User {
	return domain.User{ID: a.botUserID, Platform: domain.PlatformBotAPI}
}

func slackTimestamp(ts string) time.Time {
	var sec, nsec int64
	fmt.Sscanf(ts, "%d.%d", &sec, &nsec)
	if sec == 0 {
		return time.Now()
	}
	return time.Unix(sec, nsec)
}

func (a *SlackAdapter) resolveUserName(userID string) string {
	if v, ok := a.userNames.Load(userID); ok {
		return v.(string)
	}
	info, err := a.api.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	name := info.RealName
	if name == "" {
		name = info.Name
	}
	a.userNames.Store(userID, name)
	return name
}

// SendText implements domain.Adapter.
func (a *SlackAdapter) SendText(ctx context.Context, conv domain.Conversation, text string) (domain.Message, error) {
	if err := a.AssertConnected("SendText"); err != nil {
		return domain.Message{}, err
	}
	conv.Platform = domain.PlatformBotAPI
	_, ts, err := a.api.PostMessageContext(ctx, conv.ID, slack.MsgOptionText(text, false))
	if err != nil {
		return domain.Message{}, domain.NewSubSystemError("bot_api", "SendText", domain.ErrTransport, err.Error())
	}
	return domain.Message{ID: ts, Conversation: conv, Sender: a.selfUser(), Content: domain.NewTextContent(text), Timestamp: time.Now()}, nil
}

// SendImage degrades to a link share: the caption and media URL are
// posted as a text message; nothing is uploaded.
func (a *SlackAdapter) SendImage(ctx context.Context, conv domain.Conversation, media domain.MediaRef, caption string) (domain.Message, error) {
	return a.sendAsLink(ctx, conv, domain.NewImageContent(media.URL, caption), media.URL, caption)
}

// SendAudio degrades to a link share: the wired client has no native
// audio-attachment helper exercised here.
func (a *SlackAdapter) SendAudio(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	return a.sendAsLink(ctx, conv, domain.NewAudioContent(media.URL, 0), media.URL, "")
}

// SendVoice degrades to audio.
func (a *SlackAdapter) SendVoice(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	msg, err := a.SendAudio(ctx, conv, media)
	if err == nil {
		msg.Content.Type = domain.ContentVoice
	}
	return msg, err
}

// SendFile implements domain.Adapter via a link share with filename.
func (a *SlackAdapter) SendFile(ctx context.Context, conv domain.Conversation, media domain.MediaRef, filename string) (domain.Message, error) {
	return a.sendAsLink(ctx, conv, domain.NewFileContent(media.URL, filename, int64(len(media.Data))), media.URL, filename)
}

// SendLocation degrades to a text message with coordinates: Slack has no
// native location message type.
func (a *SlackAdapter) SendLocation(ctx context.Context, conv domain.Conversation, lat, lng float64) (domain.Message, error) {
	text := fmt.Sprintf("location: %f,%f", lat, lng)
	msg, err := a.SendText(ctx, conv, text)
	if err == nil {
		msg.Content = domain.NewLocationContent(lat, lng, "")
	}
	return msg, err
}

func (a *SlackAdapter) sendAsLink(ctx context.Context, conv domain.Conversation, content domain.MessageContent, url, label string) (domain.Message, error) {
	if err := a.AssertConnected("Send"); err != nil {
		return domain.Message{}, err
	}
	text := url
	if label != "" {
		text = label + ": " + url
	}
	conv.Platform = domain.PlatformBotAPI
	_, ts, err := a.api.PostMessageContext(ctx, conv.ID, slack.MsgOptionText(text, false))
	if err != nil {
		return domain.Message{}, domain.NewSubSystemError("bot_api", "Send", domain.ErrTransport, err.Error())
	}
	return domain.Message{ID: ts, Conversation: conv, Sender: a.selfUser(), Content: content, Timestamp: time.Now()}, nil
}

// React implements domain.Adapter via emoji reaction add.
func (a *SlackAdapter) React(ctx context.Context, msg domain.Message, emoji string) error {
	if err := a.AssertConnected("React"); err != nil {
		return err
	}
	ref := slack.NewRefToMessage(msg.Conversation.ID, msg.ID)
	return a.api.AddReactionContext(ctx, emoji, ref)
}

// Reply posts into the message's thread.
func (a *SlackAdapter) Reply(ctx context.Context, msg domain.Message, content domain.MessageContent) (domain.Message, error) {
	if err := a.AssertConnected("Reply"); err != nil {
		return domain.Message{}, err
	}
	_, ts, err := a.api.PostMessageContext(ctx, msg.Conversation.ID, slack.MsgOptionText(content.Text, false), slack.MsgOptionTS(msg.ID))
	if err != nil {
		return domain.Message{}, domain.NewSubSystemError("bot_api", "Reply", domain.ErrTransport, err.Error())
	}
	return domain.Message{ID: ts, Conversation: msg.Conversation, Sender: a.selfUser(), Content: content, ReplyTo: &msg, Timestamp: time.Now()}, nil
}

// Forward re-posts the text into target; Slack has no native forward.
func (a *SlackAdapter) Forward(ctx context.Context, msg domain.Message, target domain.Conversation) (domain.Message, error) {
	return a.SendText(ctx, target, msg.Content.Text)
}

// Delete implements domain.Adapter.
func (a *SlackAdapter) Delete(ctx context.Context, msg domain.Message) error {
	if err := a.AssertConnected("Delete"); err != nil {
		return err
	}
	_, _, err := a.api.DeleteMessageContext(ctx, msg.Conversation.ID, msg.ID)
	return err
}

// SetTyping is unsupported: Slack's Socket Mode surface wired here has no
// typing-indicator event.
func (a *SlackAdapter) SetTyping(ctx context.Context, conv domain.Conversation, durationMs int) error {
	return a.Unsupported("SetTyping")
}

// MarkRead is a no-op: the Socket Mode event surface wired here has no
// read-receipt concept for bot users.
func (a *SlackAdapter) MarkRead(ctx context.Context, msg domain.Message) error {
	return nil
}

// GetConversations lists channels visible to the bot token.
func (a *SlackAdapter) GetConversations(ctx context.Context) ([]domain.Conversation, error) {
	if err := a.AssertConnected("GetConversations"); err != nil {
		return nil, err
	}
	params := &slack.GetConversationsParameters{Types: []string{"public_channel", "private_channel", "im"}}
	channels, _, err := a.api.GetConversationsContext(ctx, params)
	if err != nil {
		return nil, domain.NewSubSystemError("bot_api", "GetConversations", domain.ErrTransport, err.Error())
	}
	out := make([]domain.Conversation, len(channels))
	for i, c := range channels {
		convType := domain.ConversationChannel
		if c.IsIM {
			convType = domain.ConversationDM
		}
		out[i] = domain.Conversation{ID: c.ID, Platform: domain.PlatformBotAPI, Type: convType}
	}
	return out, nil
}

// GetMessages fetches recent channel history.
func (a *SlackAdapter) GetMessages(ctx context.Context, conv domain.Conversation, limit int, before *time.Time) ([]domain.Message, error) {
	if err := a.AssertConnected("GetMessages"); err != nil {
		return nil, err
	}
	params := &slack.GetConversationHistoryParameters{ChannelID: conv.ID, Limit: limit}
	if before != nil {
		params.Latest = fmt.Sprintf("%d.000000", before.Unix())
	}
	hist, err := a.api.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return nil, domain.NewSubSystemError("bot_api", "GetMessages", domain.ErrTransport, err.Error())
	}
	out := make([]domain.Message, len(hist.Messages))
	for i, m := range hist.Messages {
		out[i] = domain.Message{
			ID:           m.Timestamp,
			Conversation: conv,
			Sender:       domain.User{ID: m.User, Platform: domain.PlatformBotAPI},
			Timestamp:    slackTimestamp(m.Timestamp),
			Content:      domain.NewTextContent(m.Text),
		}
	}
	return out, nil
}
