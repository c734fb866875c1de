// Package browser's Adapter implements domain.Adapter by driving a
// logged-in web chat client's DOM: it authenticates via a QR/session
// element, opens conversations by clicking the chat list, sends by typing
// into a compose box, and discovers inbound messages by polling the
// message list. Outbound pacing is delegated to the behavioural session
// state machine and human-response simulator so automated actions land
// at human-plausible cadences rather than machine-instant ones.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatrt/internal/domain"
	"chatrt/internal/usecase/behaviour"
	"chatrt/internal/usecase/humantiming"
)

// Selectors names the CSS selectors the adapter drives. Each has a
// built-in default; SelectorOverrides in Config replaces only the
// non-empty entries, so a caller can retarget a single element without
// restating the whole set (the chat client's DOM structure is the one
// thing genuinely specific to a deployment, everything else is policy).
type Selectors struct {
	QRCode          string
	Authenticated   string
	ChatListItem    string
	MessageList     string
	MessageItem     string
	ComposeBox      string
	SendButton      string
	TypingIndicator string
}

var defaultSelectors = Selectors{
	QRCode:          `[data-testid="qr-code"] img`,
	Authenticated:   `[data-testid="chat-list"]`,
	ChatListItem:    `[data-testid="chat-list-item"]`,
	MessageList:     `[data-testid="conversation-panel-messages"]`,
	MessageItem:     `[data-testid="msg"]`,
	ComposeBox:      `[data-testid="compose-box-input"]`,
	SendButton:      `[data-testid="compose-btn-send"]`,
	TypingIndicator: `[data-testid="composing"]`,
}

// SelectorsFromMap builds a Selectors override set from the config file's
// free-form selector_overrides map. Unknown keys are ignored rather than
// rejected so a config written against a newer selector set still loads.
func SelectorsFromMap(m map[string]string) Selectors {
	return Selectors{
		QRCode:          m["qr_code"],
		Authenticated:   m["authenticated"],
		ChatListItem:    m["chat_list_item"],
		MessageList:     m["message_list"],
		MessageItem:     m["message_item"],
		ComposeBox:      m["compose_box"],
		SendButton:      m["send_button"],
		TypingIndicator: m["typing_indicator"],
	}
}

func mergeSelectors(overrides Selectors) Selectors {
	s := defaultSelectors
	if overrides.QRCode != "" {
		s.QRCode = overrides.QRCode
	}
	if overrides.Authenticated != "" {
		s.Authenticated = overrides.Authenticated
	}
	if overrides.ChatListItem != "" {
		s.ChatListItem = overrides.ChatListItem
	}
	if overrides.MessageList != "" {
		s.MessageList = overrides.MessageList
	}
	if overrides.MessageItem != "" {
		s.MessageItem = overrides.MessageItem
	}
	if overrides.ComposeBox != "" {
		s.ComposeBox = overrides.ComposeBox
	}
	if overrides.SendButton != "" {
		s.SendButton = overrides.SendButton
	}
	if overrides.TypingIndicator != "" {
		s.TypingIndicator = overrides.TypingIndicator
	}
	return s
}

// Config configures the browser-automation adapter.
type Config struct {
	LoginURL             string
	UserDataDir          string
	Headless             bool
	Proxy                string
	ElementTimeout       time.Duration
	MessagePollInterval  time.Duration
	SelectorOverrides    Selectors
	SelfUser             domain.User
	Timing               humantiming.Profile
}

// Adapter implements domain.Adapter over Engine. behaviourMachine (may be
// nil) paces outbound actions; when nil, actions fire without added
// delay, which is the right behaviour for tests driving a fake Engine.
type Adapter struct {
	*domain.BaseAdapter
	cfg       Config
	selectors Selectors
	logger    *slog.Logger
	engine    Engine
	behaviour *behaviour.Machine
	random    func() float64
	clock     func() time.Time

	mu         sync.Mutex
	openConv   string
	seen       map[string]bool
	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
}

// New constructs a browser-automation Adapter. random/clock are injected
// for humantiming determinism, matching spec §9's determinism contract.
func New(cfg Config, engine Engine, logger *slog.Logger, behaviourMachine *behaviour.Machine, random func() float64, clock func() time.Time) *Adapter {
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = 30 * time.Second
	}
	if cfg.MessagePollInterval <= 0 {
		cfg.MessagePollInterval = 3 * time.Second
	}
	return &Adapter{
		BaseAdapter: domain.NewBaseAdapter(domain.PlatformBrowser),
		cfg:         cfg,
		selectors:   mergeSelectors(cfg.SelectorOverrides),
		logger:      logger,
		engine:      engine,
		behaviour:   behaviourMachine,
		random:      random,
		clock:       clock,
		seen:        make(map[string]bool),
	}
}

// Connect navigates to the chat client, waits for either an already
// restored session or a QR code, and — if a QR was shown — waits for the
// authenticated element to appear before declaring the connection live.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.IsConnected() {
		return domain.NewSubSystemError("browser", "Connect", domain.ErrAlreadyConnected, "")
	}

	if err := a.engine.Navigate(ctx, a.cfg.LoginURL); err != nil {
		return domain.NewSubSystemError("browser", "Connect", domain.ErrTransport, err.Error())
	}

	authCtx, cancel := context.WithTimeout(ctx, a.cfg.ElementTimeout)
	defer cancel()

	if err := a.waitAuthenticatedOrQR(authCtx); err != nil {
		return err
	}

	a.SetConnected(true)
	a.Emit(domain.EventConnected, map[string]any{"platform": string(domain.PlatformBrowser)})

	if a.behaviour != nil {
		a.behaviour.Start()
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.pollCancel = pollCancel
	a.mu.Unlock()
	a.pollWG.Add(1)
	go a.pollLoop(pollCtx)

	return nil
}

// waitAuthenticatedOrQR polls for either selector and emits "qr" events
// for as long as only the QR element is present, attempt-numbering each
// observed code the way the mobile session manager numbers QR attempts.
func (a *Adapter) waitAuthenticatedOrQR(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastQR string
	attempt := 0

	for {
		var authenticated string
		_ = a.engine.Evaluate(ctx, existsJS(a.selectors.Authenticated), &authenticated)
		if authenticated == "true" {
			return nil
		}

		var qrSrc string
		_ = a.engine.Evaluate(ctx, qrImageSrcJS(a.selectors.QRCode), &qrSrc)
		if qrSrc != "" && qrSrc != lastQR {
			lastQR = qrSrc
			attempt++
			a.Emit("qr", map[string]any{"qr": qrSrc, "attempt": attempt})
		}

		select {
		case <-ctx.Done():
			return domain.NewSubSystemError("browser", "Connect", domain.ErrTimeout, "timed out waiting for authentication")
		case <-ticker.C:
		}
	}
}

func existsJS(selector string) string {
	return fmt.Sprintf(`document.querySelector(%q) ? "true" : "false"`, selector)
}

// Disconnect stops the polling loop and releases the browser engine.
// Idempotent.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.pollCancel
	a.pollCancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		a.pollWG.Wait()
	}

	if a.behaviour != nil {
		a.behaviour.Stop()
	}

	a.SetConnected(false)
	err := a.engine.Close()
	a.Emit(domain.EventDisconnected, nil)
	if err != nil {
		return domain.NewSubSystemError("browser", "Disconnect", domain.ErrTransport, err.Error())
	}
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer a.pollWG.Done()
	ticker := time.NewTicker(a.cfg.MessagePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context) {
	var raw string
	if err := a.engine.Evaluate(ctx, messageListJS(a.selectors.MessageList, a.selectors.MessageItem), &raw); err != nil {
		a.Emit(domain.EventError, err)
		return
	}

	var scraped []scrapedMessage
	if err := json.Unmarshal([]byte(raw), &scraped); err != nil {
		a.Emit(domain.EventError, fmt.Errorf("browser: decode scraped messages: %w", err))
		return
	}

	a.mu.Lock()
	conv := domain.Conversation{ID: a.openConv, Platform: domain.PlatformBrowser, Type: domain.ConversationDM}
	a.mu.Unlock()

	for _, s := range scraped {
		if s.ID == "" || a.markSeen(s.ID) {
			continue
		}
		if s.Outgoing {
			continue
		}
		a.Emit(domain.EventMessage, mapScraped(s, conv, a.cfg.SelfUser))
	}
}

func (a *Adapter) markSeen(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen[id] {
		return true
	}
	a.seen[id] = true
	return false
}

// ensureConversationOpen clicks the chat-list entry for conv if it is not
// already the open conversation.
func (a *Adapter) ensureConversationOpen(ctx context.Context, conv domain.Conversation) error {
	a.mu.Lock()
	already := a.openConv == conv.ID
	a.mu.Unlock()
	if already {
		return nil
	}

	selector := fmt.Sprintf(`%s[data-jid=%q]`, a.selectors.ChatListItem, conv.ID)
	if err := a.engine.Click(ctx, selector); err != nil {
		return domain.NewSubSystemError("browser", "ensureConversationOpen", domain.ErrTransport, err.Error())
	}
	if err := a.engine.WaitVisible(ctx, a.selectors.ComposeBox, a.cfg.ElementTimeout); err != nil {
		return domain.NewSubSystemError("browser", "ensureConversationOpen", domain.ErrTimeout, err.Error())
	}

	a.mu.Lock()
	a.openConv = conv.ID
	a.mu.Unlock()
	return nil
}

// pace sleeps for the human-response simulator's plan before performing
// text, scaled by the behaviour machine's current state (a session that is
// "away" or "idle" should respond slower than one already "active"), so
// automated sends don't land at machine-instant cadence. No-op when no
// behaviour machine was supplied (unit tests with a fake Engine).
func (a *Adapter) pace(ctx context.Context, text string) {
	if a.behaviour == nil {
		return
	}
	plan := humantiming.PlanResponse(a.cfg.Timing, domain.Message{}, text, a.random, a.clock)
	delay := time.Duration(plan.TotalDelayMs) * time.Millisecond
	delay = time.Duration(float64(delay) * behaviour.PaceMultiplier(a.behaviour.State()))
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (a *Adapter) sendText(ctx context.Context, op string, conv domain.Conversation, text string) (domain.Message, error) {
	if err := a.AssertConnected(op); err != nil {
		return domain.Message{}, err
	}
	if err := a.ensureConversationOpen(ctx, conv); err != nil {
		return domain.Message{}, err
	}

	a.pace(ctx, text)

	if err := a.engine.Type(ctx, a.selectors.ComposeBox, text); err != nil {
		return domain.Message{}, domain.NewSubSystemError("browser", op, domain.ErrTransport, err.Error())
	}
	if err := a.engine.Click(ctx, a.selectors.SendButton); err != nil {
		return domain.Message{}, domain.NewSubSystemError("browser", op, domain.ErrTransport, err.Error())
	}

	id := ulid.Make().String()
	a.markSeen(id)
	return domain.Message{
		ID:           id,
		Conversation: conv,
		Sender:       a.cfg.SelfUser,
		Timestamp:    a.clock(),
		Content:      domain.NewTextContent(text),
	}, nil
}

// SendText implements domain.Adapter.
func (a *Adapter) SendText(ctx context.Context, conv domain.Conversation, text string) (domain.Message, error) {
	return a.sendText(ctx, "SendText", conv, text)
}

// SendImage is unsupported: the reference DOM surface this adapter
// targets exposes no scriptable file-attach affordance.
func (a *Adapter) SendImage(ctx context.Context, conv domain.Conversation, media domain.MediaRef, caption string) (domain.Message, error) {
	return domain.Message{}, a.Unsupported("SendImage")
}

// SendAudio is unsupported for the same reason as SendImage.
func (a *Adapter) SendAudio(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	return domain.Message{}, a.Unsupported("SendAudio")
}

// SendVoice is unsupported for the same reason as SendImage.
func (a *Adapter) SendVoice(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	return domain.Message{}, a.Unsupported("SendVoice")
}

// SendFile is unsupported for the same reason as SendImage.
func (a *Adapter) SendFile(ctx context.Context, conv domain.Conversation, media domain.MediaRef, filename string) (domain.Message, error) {
	return domain.Message{}, a.Unsupported("SendFile")
}

// SendLocation is unsupported: no scriptable location-share affordance.
func (a *Adapter) SendLocation(ctx context.Context, conv domain.Conversation, lat, lng float64) (domain.Message, error) {
	return domain.Message{}, a.Unsupported("SendLocation")
}

// React is unsupported: reacting requires a hover-triggered context menu
// this adapter's selector set does not attempt to drive.
func (a *Adapter) React(ctx context.Context, msg domain.Message, emoji string) error {
	return a.Unsupported("React")
}

// Reply sends content as a new message in msg's conversation; the DOM
// surface exposes no reply-threading affordance to preserve the quote, so
// ReplyTo is set locally for the caller's benefit only.
func (a *Adapter) Reply(ctx context.Context, msg domain.Message, content domain.MessageContent) (domain.Message, error) {
	if content.Type != domain.ContentText {
		return domain.Message{}, a.Unsupported("Reply")
	}
	out, err := a.sendText(ctx, "Reply", msg.Conversation, content.Text)
	if err != nil {
		return out, err
	}
	out.ReplyTo = &domain.Message{ID: msg.ID, Conversation: msg.Conversation}
	return out, nil
}

// Forward is unsupported: no scriptable forward affordance is driven.
func (a *Adapter) Forward(ctx context.Context, msg domain.Message, target domain.Conversation) (domain.Message, error) {
	return domain.Message{}, a.Unsupported("Forward")
}

// Delete is unsupported: no scriptable delete-for-everyone affordance is driven.
func (a *Adapter) Delete(ctx context.Context, msg domain.Message) error {
	return a.Unsupported("Delete")
}

// SetTyping types a single space into the compose box without sending,
// to surface a native typing indicator, then waits durationMs. The space
// is not cleared from the compose box afterwards.
func (a *Adapter) SetTyping(ctx context.Context, conv domain.Conversation, durationMs int) error {
	if err := a.AssertConnected("SetTyping"); err != nil {
		return err
	}
	if err := a.ensureConversationOpen(ctx, conv); err != nil {
		return err
	}
	if err := a.engine.Type(ctx, a.selectors.ComposeBox, " "); err != nil {
		return domain.NewSubSystemError("browser", "SetTyping", domain.ErrTransport, err.Error())
	}
	if durationMs > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(durationMs) * time.Millisecond):
		}
	}
	return nil
}

// MarkRead is a no-op: the chat client auto-sends read receipts the
// moment a conversation is opened in the foreground, so there is no
// separate DOM action to drive. Matches spec's resolved open question.
func (a *Adapter) MarkRead(ctx context.Context, msg domain.Message) error {
	return nil
}

// GetConversations scrapes the chat-list sidebar.
func (a *Adapter) GetConversations(ctx context.Context) ([]domain.Conversation, error) {
	if err := a.AssertConnected("GetConversations"); err != nil {
		return nil, err
	}
	var raw string
	if err := a.engine.Evaluate(ctx, chatListJS(a.selectors.ChatListItem), &raw); err != nil {
		return nil, domain.NewSubSystemError("browser", "GetConversations", domain.ErrTransport, err.Error())
	}
	var items []struct {
		JID  string `json:"jid"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, domain.NewSubSystemError("browser", "GetConversations", domain.ErrTransport, err.Error())
	}
	convs := make([]domain.Conversation, 0, len(items))
	for _, it := range items {
		convs = append(convs, domain.Conversation{
			ID:       it.JID,
			Platform: domain.PlatformBrowser,
			Type:     domain.ConversationDM,
			Metadata: map[string]string{"name": it.Name},
		})
	}
	return convs, nil
}

// GetMessages is unsupported: this adapter only sees messages that are
// currently rendered, and does not script the client's scroll-to-load
// history mechanism.
func (a *Adapter) GetMessages(ctx context.Context, conv domain.Conversation, limit int, before *time.Time) ([]domain.Message, error) {
	return nil, a.Unsupported("GetMessages")
}

func chatListJS(itemSelector string) string {
	return fmt.Sprintf(`(function() {
  var items = document.querySelectorAll(%q);
  var out = [];
  items.forEach(function(el) {
    out.push({jid: el.getAttribute('data-jid') || '', name: el.getAttribute('data-name') || ''});
  });
  return JSON.stringify(out);
})()`, itemSelector)
}
