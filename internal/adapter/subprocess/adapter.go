// Package subprocess implements the subprocess-RPC adapter: a chat
// backend driven by a long-running child process that speaks JSON-RPC 2.0
// over stdio, modeled on the polling-loop shape of the teacher's
// signal-cli adapter but replacing HTTP polling with framed RPC calls.
package subprocess

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"chatrt/internal/domain"
	"chatrt/internal/usecase/process"
)

// Config configures the subprocess-RPC adapter.
type Config struct {
	Command        string
	Args           []string
	WorkDir        string
	RequestTimeout time.Duration
}

// Adapter implements domain.Adapter over a subprocess speaking JSON-RPC 2.0.
type Adapter struct {
	*domain.BaseAdapter
	cfg     Config
	logger  *slog.Logger
	manager *process.Manager
}

// New constructs a subprocess-RPC Adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	a := &Adapter{
		BaseAdapter: domain.NewBaseAdapter(domain.PlatformSubprocess),
		cfg:         cfg,
		logger:      logger,
	}
	a.manager = process.NewManager(
		process.ManagerConfig{RequestTimeout: cfg.RequestTimeout},
		logger,
		a.handleEnvelope,
		a.handleProcessError,
	)
	return a
}

func (a *Adapter) handleEnvelope(method string, params json.RawMessage) {
	switch method {
	case "message":
		var msg wireMessage
		if err := json.Unmarshal(params, &msg); err != nil {
			a.Emit(domain.EventError, domain.NewSubSystemError("subprocess", "handleEnvelope", domain.ErrValidation, err.Error()))
			return
		}
		a.Emit(domain.EventMessage, msg.toDomain())
	case "reaction":
		var r wireReaction
		if err := json.Unmarshal(params, &r); err != nil {
			return
		}
		a.Emit(domain.EventReaction, r.toDomain())
	case "typing":
		a.Emit(domain.EventTyping, params)
	case "presence":
		a.Emit(domain.EventPresence, params)
	default:
		a.logger.Debug("subprocess: unhandled envelope", "method", method)
	}
}

func (a *Adapter) handleProcessError(err error) {
	a.SetConnected(false)
	a.Emit(domain.EventDisconnected, err)
}

// Connect starts the subprocess and issues the initial handshake request.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.IsConnected() {
		return domain.NewSubSystemError("subprocess", "Connect", domain.ErrAlreadyConnected, a.cfg.Command)
	}
	if err := a.manager.Start(ctx, a.cfg.Command, a.cfg.Args, a.cfg.WorkDir); err != nil {
		return err
	}
	if _, err := a.manager.Request(ctx, "initialize", nil); err != nil {
		_ = a.manager.Stop(ctx)
		return err
	}
	a.SetConnected(true)
	a.Emit(domain.EventConnected, nil)
	return nil
}

// Disconnect stops the subprocess gracefully.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if !a.IsConnected() {
		return nil
	}
	a.SetConnected(false)
	err := a.manager.Stop(ctx)
	a.Emit(domain.EventDisconnected, nil)
	return err
}

type sendParams struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	Caption        string `json:"caption,omitempty"`
	Filename       string `json:"filename,omitempty"`
	Lat            float64 `json:"lat,omitempty"`
	Lng            float64 `json:"lng,omitempty"`
}

func (a *Adapter) sendRequest(ctx context.Context, method string, params sendParams) (domain.Message, error) {
	if err := a.AssertConnected(method); err != nil {
		return domain.Message{}, err
	}
	raw, err := a.manager.Request(ctx, method, params)
	if err != nil {
		return domain.Message{}, err
	}
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Message{}, domain.NewSubSystemError("subprocess", method, domain.ErrValidation, err.Error())
	}
	return msg.toDomain(), nil
}

// SendText implements domain.Adapter.
func (a *Adapter) SendText(ctx context.Context, conv domain.Conversation, text string) (domain.Message, error) {
	return a.sendRequest(ctx, "sendText", sendParams{ConversationID: conv.ID, Text: text})
}

// SendImage implements domain.Adapter.
func (a *Adapter) SendImage(ctx context.Context, conv domain.Conversation, media domain.MediaRef, caption string) (domain.Message, error) {
	return a.sendRequest(ctx, "sendImage", sendParams{ConversationID: conv.ID, MediaURL: media.URL, Caption: caption})
}

// SendAudio implements domain.Adapter.
func (a *Adapter) SendAudio(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	return a.sendRequest(ctx, "sendAudio", sendParams{ConversationID: conv.ID, MediaURL: media.URL})
}

// SendVoice implements domain.Adapter.
func (a *Adapter) SendVoice(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	return a.sendRequest(ctx, "sendVoice", sendParams{ConversationID: conv.ID, MediaURL: media.URL})
}

// SendFile implements domain.Adapter.
func (a *Adapter) SendFile(ctx context.Context, conv domain.Conversation, media domain.MediaRef, filename string) (domain.Message, error) {
	return a.sendRequest(ctx, "sendFile", sendParams{ConversationID: conv.ID, MediaURL: media.URL, Filename: filename})
}

// SendLocation implements domain.Adapter.
func (a *Adapter) SendLocation(ctx context.Context, conv domain.Conversation, lat, lng float64) (domain.Message, error) {
	return a.sendRequest(ctx, "sendLocation", sendParams{ConversationID: conv.ID, Lat: lat, Lng: lng})
}

// React implements domain.Adapter.
func (a *Adapter) React(ctx context.Context, msg domain.Message, emoji string) error {
	if err := a.AssertConnected("React"); err != nil {
		return err
	}
	_, err := a.manager.Request(ctx, "react", map[string]string{"messageId": msg.ID, "emoji": emoji})
	return err
}

// Reply implements domain.Adapter.
func (a *Adapter) Reply(ctx context.Context, msg domain.Message, content domain.MessageContent) (domain.Message, error) {
	if err := a.AssertConnected("Reply"); err != nil {
		return domain.Message{}, err
	}
	raw, err := a.manager.Request(ctx, "reply", map[string]any{"replyToId": msg.ID, "content": content})
	if err != nil {
		return domain.Message{}, err
	}
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return domain.Message{}, domain.NewSubSystemError("subprocess", "Reply", domain.ErrValidation, err.Error())
	}
	return wm.toDomain(), nil
}

// Forward implements domain.Adapter.
func (a *Adapter) Forward(ctx context.Context, msg domain.Message, target domain.Conversation) (domain.Message, error) {
	if err := a.AssertConnected("Forward"); err != nil {
		return domain.Message{}, err
	}
	raw, err := a.manager.Request(ctx, "forward", map[string]string{"messageId": msg.ID, "targetConversationId": target.ID})
	if err != nil {
		return domain.Message{}, err
	}
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return domain.Message{}, domain.NewSubSystemError("subprocess", "Forward", domain.ErrValidation, err.Error())
	}
	return wm.toDomain(), nil
}

// Delete implements domain.Adapter.
func (a *Adapter) Delete(ctx context.Context, msg domain.Message) error {
	if err := a.AssertConnected("Delete"); err != nil {
		return err
	}
	_, err := a.manager.Request(ctx, "delete", map[string]string{"messageId": msg.ID})
	return err
}

// SetTyping implements domain.Adapter.
func (a *Adapter) SetTyping(ctx context.Context, conv domain.Conversation, durationMs int) error {
	if err := a.AssertConnected("SetTyping"); err != nil {
		return err
	}
	_, err := a.manager.Request(ctx, "setTyping", map[string]any{"conversationId": conv.ID, "durationMs": durationMs})
	return err
}

// MarkRead implements domain.Adapter.
func (a *Adapter) MarkRead(ctx context.Context, msg domain.Message) error {
	if err := a.AssertConnected("MarkRead"); err != nil {
		return err
	}
	_, err := a.manager.Request(ctx, "markRead", map[string]string{"messageId": msg.ID})
	return err
}

// GetConversations implements domain.Adapter.
func (a *Adapter) GetConversations(ctx context.Context) ([]domain.Conversation, error) {
	if err := a.AssertConnected("GetConversations"); err != nil {
		return nil, err
	}
	raw, err := a.manager.Request(ctx, "getConversations", nil)
	if err != nil {
		return nil, err
	}
	var wcs []wireConversation
	if err := json.Unmarshal(raw, &wcs); err != nil {
		return nil, domain.NewSubSystemError("subprocess", "GetConversations", domain.ErrValidation, err.Error())
	}
	out := make([]domain.Conversation, len(wcs))
	for i, wc := range wcs {
		out[i] = wc.toDomain()
	}
	return out, nil
}

// GetMessages implements domain.Adapter.
func (a *Adapter) GetMessages(ctx context.Context, conv domain.Conversation, limit int, before *time.Time) ([]domain.Message, error) {
	if err := a.AssertConnected("GetMessages"); err != nil {
		return nil, err
	}
	params := map[string]any{"conversationId": conv.ID, "limit": limit}
	if before != nil {
		params["before"] = before.UnixMilli()
	}
	raw, err := a.manager.Request(ctx, "getMessages", params)
	if err != nil {
		return nil, err
	}
	var wms []wireMessage
	if err := json.Unmarshal(raw, &wms); err != nil {
		return nil, domain.NewSubSystemError("subprocess", "GetMessages", domain.ErrValidation, err.Error())
	}
	out := make([]domain.Message, len(wms))
	for i, wm := range wms {
		out[i] = wm.toDomain()
	}
	return out, nil
}
