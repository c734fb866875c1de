package mobile

import (
	"context"
	"encoding/json"
	"time"

	"chatrt/internal/domain"
)

func (a *Adapter) sender(op string) (Sender, error) {
	if err := a.AssertConnected(op); err != nil {
		return nil, err
	}
	sock := a.manager.ActiveSocket()
	if sock == nil {
		return nil, domain.NewSubSystemError("mobile", op, domain.ErrNotConnected, "no active socket")
	}
	sender, ok := sock.(Sender)
	if !ok {
		return nil, a.Unsupported(op)
	}
	return sender, nil
}

func (a *Adapter) now() time.Time {
	if a.clock != nil {
		return a.clock()
	}
	return time.Now()
}

func (a *Adapter) selfUser() domain.User {
	return domain.User{ID: a.selfJID, Platform: domain.PlatformMobile}
}

func (a *Adapter) sendContent(ctx context.Context, op string, conv domain.Conversation, req map[string]any, content domain.MessageContent) (domain.Message, error) {
	sender, err := a.sender(op)
	if err != nil {
		return domain.Message{}, err
	}
	conv.Platform = domain.PlatformMobile
	req["kind"] = "send"
	req["conversationJid"] = conv.ID
	raw, err := sender.Send(ctx, req)
	if err != nil {
		return domain.Message{}, domain.NewSubSystemError("mobile", op, domain.ErrTransport, err.Error())
	}
	var resp struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &resp)
	return domain.Message{ID: resp.ID, Conversation: conv, Sender: a.selfUser(), Content: content, Timestamp: a.now()}, nil
}

// SendText implements domain.Adapter.
func (a *Adapter) SendText(ctx context.Context, conv domain.Conversation, text string) (domain.Message, error) {
	return a.sendContent(ctx, "SendText", conv, map[string]any{"text": text}, domain.NewTextContent(text))
}

// SendImage implements domain.Adapter.
func (a *Adapter) SendImage(ctx context.Context, conv domain.Conversation, media domain.MediaRef, caption string) (domain.Message, error) {
	return a.sendContent(ctx, "SendImage", conv, map[string]any{"imageUrl": media.URL, "caption": caption}, domain.NewImageContent(media.URL, caption))
}

// SendAudio implements domain.Adapter.
func (a *Adapter) SendAudio(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	return a.sendContent(ctx, "SendAudio", conv, map[string]any{"audioUrl": media.URL}, domain.NewAudioContent(media.URL, 0))
}

// SendVoice implements domain.Adapter, using the backend's native
// voice-note framing rather than degrading to audio.
func (a *Adapter) SendVoice(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	return a.sendContent(ctx, "SendVoice", conv, map[string]any{"audioUrl": media.URL, "ptt": true}, domain.NewVoiceContent(media.URL, 0))
}

// SendFile implements domain.Adapter.
func (a *Adapter) SendFile(ctx context.Context, conv domain.Conversation, media domain.MediaRef, filename string) (domain.Message, error) {
	return a.sendContent(ctx, "SendFile", conv, map[string]any{"documentUrl": media.URL, "filename": filename}, domain.NewFileContent(media.URL, filename, int64(len(media.Data))))
}

// SendLocation implements domain.Adapter.
func (a *Adapter) SendLocation(ctx context.Context, conv domain.Conversation, lat, lng float64) (domain.Message, error) {
	return a.sendContent(ctx, "SendLocation", conv, map[string]any{"lat": lat, "lng": lng}, domain.NewLocationContent(lat, lng, ""))
}

// React implements domain.Adapter.
func (a *Adapter) React(ctx context.Context, msg domain.Message, emoji string) error {
	sender, err := a.sender("React")
	if err != nil {
		return err
	}
	_, err = sender.Send(ctx, map[string]any{"kind": "react", "messageId": msg.ID, "conversationJid": msg.Conversation.ID, "emoji": emoji})
	if err != nil {
		return domain.NewSubSystemError("mobile", "React", domain.ErrTransport, err.Error())
	}
	return nil
}

// Reply implements domain.Adapter.
func (a *Adapter) Reply(ctx context.Context, msg domain.Message, content domain.MessageContent) (domain.Message, error) {
	out, err := a.sendContent(ctx, "Reply", msg.Conversation, map[string]any{"text": content.Text, "replyToId": msg.ID}, content)
	if err != nil {
		return out, err
	}
	out.ReplyTo = &msg
	return out, nil
}

// Forward implements domain.Adapter.
func (a *Adapter) Forward(ctx context.Context, msg domain.Message, target domain.Conversation) (domain.Message, error) {
	sender, err := a.sender("Forward")
	if err != nil {
		return domain.Message{}, err
	}
	raw, err := sender.Send(ctx, map[string]any{"kind": "forward", "messageId": msg.ID, "fromConversationJid": msg.Conversation.ID, "toConversationJid": target.ID})
	if err != nil {
		return domain.Message{}, domain.NewSubSystemError("mobile", "Forward", domain.ErrTransport, err.Error())
	}
	var resp struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &resp)
	target.Platform = domain.PlatformMobile
	return domain.Message{ID: resp.ID, Conversation: target, Sender: a.selfUser(), Content: msg.Content, Timestamp: a.now()}, nil
}

// Delete implements domain.Adapter.
func (a *Adapter) Delete(ctx context.Context, msg domain.Message) error {
	sender, err := a.sender("Delete")
	if err != nil {
		return err
	}
	_, err = sender.Send(ctx, map[string]any{"kind": "delete", "messageId": msg.ID, "conversationJid": msg.Conversation.ID})
	if err != nil {
		return domain.NewSubSystemError("mobile", "Delete", domain.ErrTransport, err.Error())
	}
	return nil
}

// SetTyping implements domain.Adapter. A positive durationMs schedules a
// pause update after that long; the timer is tracked per conversation and
// cleared on Disconnect.
func (a *Adapter) SetTyping(ctx context.Context, conv domain.Conversation, durationMs int) error {
	sender, err := a.sender("SetTyping")
	if err != nil {
		return err
	}
	_, err = sender.Send(ctx, map[string]any{"kind": "presence", "conversationJid": conv.ID, "state": "composing"})
	if err != nil {
		return domain.NewSubSystemError("mobile", "SetTyping", domain.ErrTransport, err.Error())
	}
	if durationMs > 0 {
		a.scheduleTypingPause(conv.ID, time.Duration(durationMs)*time.Millisecond)
	}
	return nil
}

func (a *Adapter) scheduleTypingPause(convID string, after time.Duration) {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	if prev, ok := a.typingTimers[convID]; ok {
		prev.Stop()
	}
	a.typingTimers[convID] = time.AfterFunc(after, func() {
		a.timerMu.Lock()
		delete(a.typingTimers, convID)
		a.timerMu.Unlock()

		sender, err := a.sender("SetTyping")
		if err != nil {
			return
		}
		if _, err := sender.Send(context.Background(), map[string]any{"kind": "presence", "conversationJid": convID, "state": "paused"}); err != nil {
			a.Emit(domain.EventError, domain.NewSubSystemError("mobile", "SetTyping", domain.ErrTransport, err.Error()))
		}
	})
}

// MarkRead implements domain.Adapter.
func (a *Adapter) MarkRead(ctx context.Context, msg domain.Message) error {
	sender, err := a.sender("MarkRead")
	if err != nil {
		return err
	}
	_, err = sender.Send(ctx, map[string]any{"kind": "read", "messageId": msg.ID, "conversationJid": msg.Conversation.ID})
	if err != nil {
		return domain.NewSubSystemError("mobile", "MarkRead", domain.ErrTransport, err.Error())
	}
	return nil
}

// GetConversations is unsupported: the mobile protocol's store-backed
// chat list is out of scope for this reference wiring.
func (a *Adapter) GetConversations(ctx context.Context) ([]domain.Conversation, error) {
	return nil, a.Unsupported("GetConversations")
}

// GetMessages is unsupported for the same reason.
func (a *Adapter) GetMessages(ctx context.Context, conv domain.Conversation, limit int, before *time.Time) ([]domain.Message, error) {
	return nil, a.Unsupported("GetMessages")
}
