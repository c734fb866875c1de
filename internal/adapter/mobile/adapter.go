// Package mobile implements the mobile-protocol adapter: a domain.Adapter
// over usecase/session.Manager's connect/reconnect/QR lifecycle, with a
// nhooyr.io/websocket-backed Socket and envelope mapping to the unified
// domain types.
package mobile

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"chatrt/internal/domain"
	"chatrt/internal/usecase/session"
)

// Config configures the mobile-protocol adapter.
type Config struct {
	WebSocketURL    string
	Session         session.Config
	PrintQRTerminal bool
	QROut           io.Writer
}

// Adapter implements domain.Adapter atop session.Manager.
type Adapter struct {
	*domain.BaseAdapter
	cfg     Config
	logger  *slog.Logger
	manager *session.Manager
	clock   func() time.Time
	selfJID string

	timerMu      sync.Mutex
	typingTimers map[string]*time.Timer
}

// New constructs a mobile-protocol Adapter. authStore persists credentials
// across reconnects and process restarts; random/clock are injected for
// the session manager's deterministic backoff per spec §9.
func New(cfg Config, authStore session.AuthStore, logger *slog.Logger, random func() float64, clock func() time.Time) *Adapter {
	a := &Adapter{
		BaseAdapter:  domain.NewBaseAdapter(domain.PlatformMobile),
		cfg:          cfg,
		logger:       logger,
		clock:        clock,
		typingTimers: make(map[string]*time.Timer),
	}
	a.manager = session.NewManager(cfg.Session, authStore, func() session.Socket {
		return newWebSocketSocket(cfg.WebSocketURL, logger)
	}, random, clock)

	a.manager.On("qr", a.handleQR)
	a.manager.On("connected", a.handleConnected)
	a.manager.On("disconnected", a.handleDisconnected)
	a.manager.On("session-expired", a.handleSessionExpired)
	a.manager.On("reconnecting", a.handleReconnecting)
	a.manager.On(domain.EventError, func(p any) { a.Emit(domain.EventError, p) })
	a.manager.On("message", a.handleIncomingEnvelope)
	a.manager.On("reaction", a.handleIncomingReaction)
	a.manager.On("receipt", a.handleIncomingReceipt)
	a.manager.On("presence", a.handleIncomingPresence)

	return a
}

func (a *Adapter) handleQR(payload any) {
	m, _ := payload.(map[string]any)
	code, _ := m["qr"].(string)
	if a.cfg.PrintQRTerminal && code != "" {
		out := a.cfg.QROut
		if out == nil {
			out = io.Discard
		}
		if err := session.PrintQR(out, code); err != nil {
			a.logger.Warn("mobile: failed to render QR", "error", err)
		}
	}
	a.Emit("qr", payload)
}

func (a *Adapter) handleConnected(payload any) {
	if m, ok := payload.(map[string]any); ok {
		if jid, ok := m["jid"].(string); ok {
			a.selfJID = jid
		}
	}
	a.SetConnected(true)
	a.Emit(domain.EventConnected, payload)
}

func (a *Adapter) handleDisconnected(payload any) {
	a.clearTypingTimers()
	a.SetConnected(false)
	a.Emit(domain.EventDisconnected, payload)
}

func (a *Adapter) handleSessionExpired(payload any) {
	a.clearTypingTimers()
	a.SetConnected(false)
	a.Emit(domain.EventDisconnected, payload)
}

func (a *Adapter) handleReconnecting(payload any) {
	a.Emit(domain.EventDisconnected, payload)
}

func (a *Adapter) handleIncomingEnvelope(payload any) {
	env, ok := payload.(Envelope)
	if !ok {
		return
	}
	mapped, skip := mapEnvelope(env, a.selfJID)
	if skip {
		return
	}
	a.Emit(domain.EventMessage, mapped)
}

// rawPayload normalizes a pass-through payload: the websocket socket hands
// the frame's envelope through as json.RawMessage.
func rawPayload(payload any) (json.RawMessage, bool) {
	raw, ok := payload.(json.RawMessage)
	return raw, ok && len(raw) > 0
}

func (a *Adapter) handleIncomingReaction(payload any) {
	raw, ok := rawPayload(payload)
	if !ok {
		return
	}
	var env reactionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	a.Emit(domain.EventReaction, mapReaction(env))
}

func (a *Adapter) handleIncomingReceipt(payload any) {
	raw, ok := rawPayload(payload)
	if !ok {
		return
	}
	var env receiptEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	ev, isRead := mapReceipt(env)
	if !isRead {
		return
	}
	a.Emit(domain.EventRead, ev)
}

func (a *Adapter) handleIncomingPresence(payload any) {
	raw, ok := rawPayload(payload)
	if !ok {
		return
	}
	var env presenceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	typing, presence := mapPresence(env)
	if typing != nil {
		a.Emit(domain.EventTyping, *typing)
	}
	if presence != nil {
		a.Emit(domain.EventPresence, *presence)
	}
}

// Connect starts the mobile-protocol session lifecycle.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.manager.Connect(ctx)
}

// Disconnect tears down the session and clears every pending typing-pause
// timer. Idempotent.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.clearTypingTimers()
	err := a.manager.Disconnect(ctx)
	a.SetConnected(false)
	return err
}

func (a *Adapter) clearTypingTimers() {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	for conv, t := range a.typingTimers {
		t.Stop()
		delete(a.typingTimers, conv)
	}
}
