package domain

import (
	"context"
	"sync"
	"time"
)

// Adapter is the capability surface every chat backend implements. All
// I/O-bearing methods take a context and may fail with NotConnected if
// called before Connect, or UnsupportedOperation if the backend cannot
// satisfy the call.
type Adapter interface {
	Platform() Platform

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	SendText(ctx context.Context, conv Conversation, text string) (Message, error)
	SendImage(ctx context.Context, conv Conversation, media MediaRef, caption string) (Message, error)
	SendAudio(ctx context.Context, conv Conversation, media MediaRef) (Message, error)
	SendVoice(ctx context.Context, conv Conversation, media MediaRef) (Message, error)
	SendFile(ctx context.Context, conv Conversation, media MediaRef, filename string) (Message, error)
	SendLocation(ctx context.Context, conv Conversation, lat, lng float64) (Message, error)

	React(ctx context.Context, msg Message, emoji string) error
	Reply(ctx context.Context, msg Message, content MessageContent) (Message, error)
	Forward(ctx context.Context, msg Message, target Conversation) (Message, error)
	Delete(ctx context.Context, msg Message) error

	SetTyping(ctx context.Context, conv Conversation, durationMs int) error
	MarkRead(ctx context.Context, msg Message) error

	GetConversations(ctx context.Context) ([]Conversation, error)
	GetMessages(ctx context.Context, conv Conversation, limit int, before *time.Time) ([]Message, error)

	On(name EventName, handler EventHandler) Unsubscribe
	Off(name EventName)
}

// BaseAdapter centralizes connection-state bookkeeping and event emission
// so each concrete adapter only implements its backend-specific transport
// and mapping. Embed it and guard each operation with AssertConnected.
type BaseAdapter struct {
	platform Platform
	emitter  *Emitter

	mu        sync.Mutex
	connected bool
}

// NewBaseAdapter returns a BaseAdapter for platform.
func NewBaseAdapter(platform Platform) *BaseAdapter {
	return &BaseAdapter{platform: platform, emitter: NewEmitter()}
}

func (b *BaseAdapter) Platform() Platform { return b.platform }

func (b *BaseAdapter) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SetConnected updates the connection flag. Concrete adapters call this
// from Connect/Disconnect after the transport has actually opened/closed.
func (b *BaseAdapter) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// AssertConnected returns ErrNotConnected (as a DomainError tagged with
// this adapter's platform and op) unless the adapter is connected.
func (b *BaseAdapter) AssertConnected(op string) error {
	if !b.IsConnected() {
		return NewSubSystemError(string(b.platform), op, ErrNotConnected, "")
	}
	return nil
}

// On registers handler for name.
func (b *BaseAdapter) On(name EventName, handler EventHandler) Unsubscribe {
	return b.emitter.On(name, handler)
}

// Off removes all handlers for name.
func (b *BaseAdapter) Off(name EventName) { b.emitter.Off(name) }

// Emit dispatches payload to this adapter's listeners for name.
func (b *BaseAdapter) Emit(name EventName, payload any) { b.emitter.Emit(name, payload) }

// Unsupported builds the standard UnsupportedOperation error for op.
func (b *BaseAdapter) Unsupported(op string) error {
	return NewUnsupportedOperation(b.platform, op)
}
