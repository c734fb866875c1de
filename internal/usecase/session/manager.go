// Package session implements the mobile-protocol session manager: the
// connect/reconnect lifecycle, QR pairing flow, disconnect classification,
// and exponential backoff that sit beneath the mobile-protocol adapter.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatrt/internal/domain"
)

// State is the session lifecycle's closed enumeration.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateWaitingForQR  State = "waiting_for_qr"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateSessionExpired State = "session_expired"
)

// DisconnectCategory is the closed enumeration of disconnect reasons.
type DisconnectCategory string

const (
	CategoryLoggedOut          DisconnectCategory = "logged_out"
	CategoryBadSession         DisconnectCategory = "bad_session"
	CategoryBanned             DisconnectCategory = "banned"
	CategoryConnectionClosed   DisconnectCategory = "connection_closed"
	CategoryConnectionLost     DisconnectCategory = "connection_lost"
	CategoryConnectionReplaced DisconnectCategory = "connection_replaced"
	CategoryRestartRequired    DisconnectCategory = "restart_required"
	CategoryServiceUnavailable DisconnectCategory = "service_unavailable"
	CategoryMultideviceMismatch DisconnectCategory = "multidevice_mismatch"
	CategoryTimedOut           DisconnectCategory = "timed_out"
	CategoryUnknown            DisconnectCategory = "unknown"
)

// Classification is the outcome of classifying a disconnect.
type Classification struct {
	Category          DisconnectCategory
	ShouldReconnect   bool
	ShouldClearSession bool
}

// DisconnectError describes the backend's close reason.
type DisconnectError struct {
	StatusCode int
	Text       string
	Intentional bool
}

// ClassifyDisconnect maps a backend disconnect error to a Classification
// using the literal status-code table from the specification.
func ClassifyDisconnect(e DisconnectError) Classification {
	switch e.StatusCode {
	case 401:
		return Classification{CategoryLoggedOut, false, true}
	case 500:
		return Classification{CategoryBadSession, false, true}
	case 403:
		return Classification{CategoryBanned, false, true}
	case 428:
		return Classification{CategoryConnectionClosed, true, false}
	case 408:
		if strings.Contains(strings.ToLower(e.Text), "qr") || strings.Contains(strings.ToLower(e.Text), "pairing") {
			return Classification{CategoryTimedOut, false, false}
		}
		return Classification{CategoryConnectionLost, true, false}
	case 440:
		return Classification{CategoryConnectionReplaced, false, false}
	case 515:
		return Classification{CategoryRestartRequired, true, false}
	case 503:
		return Classification{CategoryServiceUnavailable, true, false}
	case 411:
		return Classification{CategoryMultideviceMismatch, false, false}
	default:
		return Classification{CategoryUnknown, true, false}
	}
}

// AuthState is whatever the backend needs to restore a session.
type AuthState struct {
	Data []byte
}

// AuthStore is the external credential persistence contract. The core
// imposes no filesystem structure; a file-backed reference implementation
// is provided in filestore.go.
type AuthStore interface {
	LoadState(ctx context.Context) (AuthState, error)
	SaveCreds(ctx context.Context, creds AuthState) error
	ClearState(ctx context.Context) error
	HasExistingState(ctx context.Context) (bool, error)
}

// Socket is the minimal transport surface the session manager drives. A
// concrete implementation wraps the mobile-protocol client library (e.g.
// over nhooyr.io/websocket); the manager itself has no transport opinion
// beyond this interface.
type Socket interface {
	Open(ctx context.Context) (<-chan SocketEvent, error)
	Close() error
	SendPairingCode(ctx context.Context, phone string) (string, error)
}

// SocketEvent is one update delivered on the socket's event channel.
type SocketEvent struct {
	Kind       string // "qr", "connection", "creds.update"
	QRCode     string
	Connection string // "open" or "close"
	IsNewLogin bool
	JID        string
	Disconnect *DisconnectError
	Creds      AuthState
	Raw        any // payload for pass-through kinds the manager has no opinion on
}

// Config configures the session manager.
type Config struct {
	MaxReconnectAttempts int
	BaseReconnectDelayMs int64
	MaxReconnectDelayMs  int64
	QRTimeoutMs          int64
}

// Manager drives the mobile-protocol connect/reconnect lifecycle.
type Manager struct {
	cfg       Config
	authStore AuthStore
	newSocket func() Socket
	random    func() float64
	clock     func() time.Time
	emitter   *domain.Emitter

	mu           sync.Mutex
	state        State
	socket       Socket
	qrAttempt    int
	reconnectAttempt int
	reconnectTimer   *time.Timer
	qrTimer          *time.Timer
	intentionalStop  bool
}

// NewManager constructs a Manager. newSocket is called once per connect
// attempt to obtain a fresh transport. random must return values in
// [0,1); clock supplies the current time, both injected for determinism.
func NewManager(cfg Config, authStore AuthStore, newSocket func() Socket, random func() float64, clock func() time.Time) *Manager {
	return &Manager{
		cfg:       cfg,
		authStore: authStore,
		newSocket: newSocket,
		random:    random,
		clock:     clock,
		emitter:   domain.NewEmitter(),
		state:     StateDisconnected,
	}
}

// On registers a listener for a session-manager event: qr, authenticated,
// connected, disconnected, reconnecting, session-expired, error.
func (m *Manager) On(name domain.EventName, handler domain.EventHandler) domain.Unsubscribe {
	return m.emitter.On(name, handler)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect rejects if the manager is in any state other than disconnected.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return domain.NewSubSystemError("mobile", "Connect", domain.ErrAlreadyConnected, string(m.state))
	}
	m.intentionalStop = false
	m.state = StateConnecting
	m.mu.Unlock()

	return m.openSocket(ctx)
}

func (m *Manager) openSocket(ctx context.Context) error {
	sock := m.newSocket()
	events, err := sock.Open(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return domain.NewSubSystemError("mobile", "Connect", domain.ErrTransport, err.Error())
	}

	m.mu.Lock()
	m.socket = sock
	m.mu.Unlock()

	go m.readLoop(ctx, events)
	return nil
}

func (m *Manager) readLoop(ctx context.Context, events <-chan SocketEvent) {
	for evt := range events {
		m.handleEvent(ctx, evt)
	}
}

func (m *Manager) handleEvent(ctx context.Context, evt SocketEvent) {
	switch evt.Kind {
	case "qr":
		m.handleQR(evt.QRCode)
	case "connection":
		if evt.Connection == "open" {
			m.handleOpen(evt)
		} else if evt.Connection == "close" {
			m.handleClose(ctx, evt)
		}
	case "creds.update":
		go func() {
			if err := m.authStore.SaveCreds(ctx, evt.Creds); err != nil {
				m.emitter.Emit(domain.EventError, err)
			}
		}()
	default:
		// Kinds the session manager itself has no lifecycle opinion about
		// (e.g. a decoded chat envelope) pass straight through to adapter
		// listeners under their own name.
		m.emitter.Emit(domain.EventName(evt.Kind), evt.Raw)
	}
}

func (m *Manager) handleQR(code string) {
	m.mu.Lock()
	m.qrAttempt++
	attempt := m.qrAttempt
	m.state = StateWaitingForQR
	if m.qrTimer == nil && m.cfg.QRTimeoutMs > 0 {
		m.qrTimer = time.AfterFunc(time.Duration(m.cfg.QRTimeoutMs)*time.Millisecond, m.qrTimedOut)
	}
	m.mu.Unlock()

	m.emitter.Emit("qr", map[string]any{"qr": code, "attempt": attempt})
}

// qrTimedOut fires when no open arrived within QRTimeoutMs of the first
// QR. Pairing exhaustion is permanent for this connect: the socket is torn
// down and no reconnect is scheduled, same outcome as a 408 close whose
// text references QR exhaustion.
func (m *Manager) qrTimedOut() {
	m.mu.Lock()
	if m.state != StateWaitingForQR {
		m.mu.Unlock()
		return
	}
	m.state = StateSessionExpired
	m.qrTimer = nil
	sock := m.socket
	m.socket = nil
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	m.emitter.Emit("session-expired", map[string]any{"reason": string(CategoryTimedOut)})
}

func (m *Manager) handleOpen(evt SocketEvent) {
	m.mu.Lock()
	m.qrAttempt = 0
	m.reconnectAttempt = 0
	m.state = StateConnected
	if m.qrTimer != nil {
		m.qrTimer.Stop()
		m.qrTimer = nil
	}
	m.mu.Unlock()

	m.emitter.Emit("authenticated", map[string]any{"isNewLogin": evt.IsNewLogin})
	m.emitter.Emit("connected", map[string]any{"jid": evt.JID})
}

func (m *Manager) handleClose(ctx context.Context, evt SocketEvent) {
	m.mu.Lock()
	intentional := m.intentionalStop
	alreadyTerminal := m.state == StateSessionExpired || m.state == StateDisconnected
	if m.qrTimer != nil {
		m.qrTimer.Stop()
		m.qrTimer = nil
	}
	m.mu.Unlock()

	if intentional || alreadyTerminal {
		return
	}

	var de DisconnectError
	if evt.Disconnect != nil {
		de = *evt.Disconnect
	}
	classification := ClassifyDisconnect(de)

	if classification.ShouldClearSession {
		go func() {
			_ = m.authStore.ClearState(ctx)
		}()
	}

	if !classification.ShouldReconnect {
		m.mu.Lock()
		m.state = StateSessionExpired
		m.mu.Unlock()
		m.emitter.Emit("session-expired", map[string]any{"reason": string(classification.Category)})
		return
	}

	m.scheduleReconnect(ctx)
}

func (m *Manager) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	m.reconnectAttempt++
	attempt := m.reconnectAttempt
	maxAttempts := m.cfg.MaxReconnectAttempts
	m.mu.Unlock()

	if attempt > maxAttempts {
		m.mu.Lock()
		m.state = StateSessionExpired
		m.mu.Unlock()
		m.emitter.Emit("session-expired", map[string]any{"reason": "max_reconnect_attempts"})
		return
	}

	delay := m.backoffDelay(attempt)

	m.mu.Lock()
	m.state = StateReconnecting
	m.mu.Unlock()

	m.emitter.Emit("reconnecting", map[string]any{
		"attempt":     attempt,
		"maxAttempts": maxAttempts,
		"delayMs":     delay,
	})

	m.mu.Lock()
	m.reconnectTimer = time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		m.mu.Lock()
		m.state = StateConnecting
		m.mu.Unlock()
		if err := m.openSocket(ctx); err != nil {
			m.emitter.Emit(domain.EventError, err)
		}
	})
	m.mu.Unlock()
}

// backoffDelay computes clamp(base * 2^(attempt-1) * (1 + U(-0.25, 0.25)), 0, max).
func (m *Manager) backoffDelay(attempt int) int64 {
	base := float64(m.cfg.BaseReconnectDelayMs)
	raw := base * pow2(attempt-1)
	jitter := 1.0 + (m.random()*0.5 - 0.25)
	delay := raw * jitter
	if delay < 0 {
		delay = 0
	}
	max := float64(m.cfg.MaxReconnectDelayMs)
	if max > 0 && delay > max {
		delay = max
	}
	return int64(delay)
}

func pow2(n int) float64 {
	if n < 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// Disconnect is idempotent; it clears timers and reconnect counters and
// tears down the live socket without scheduling a reconnect.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.intentionalStop = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.qrTimer != nil {
		m.qrTimer.Stop()
		m.qrTimer = nil
	}
	m.reconnectAttempt = 0
	m.qrAttempt = 0
	sock := m.socket
	m.socket = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	m.emitter.Emit("disconnected", nil)
	return nil
}

// SendPairingCode delegates to the live socket; fails if not connected.
func (m *Manager) SendPairingCode(ctx context.Context, phone string) (string, error) {
	m.mu.Lock()
	sock := m.socket
	m.mu.Unlock()
	if sock == nil {
		return "", domain.NewSubSystemError("mobile", "SendPairingCode", domain.ErrNotConnected, "no active socket")
	}
	return sock.SendPairingCode(ctx, phone)
}

// ActiveSocket returns the currently open socket, or nil if disconnected.
// Adapters use this to issue outbound calls that are outside the session
// manager's own connect/reconnect/QR responsibility.
func (m *Manager) ActiveSocket() Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socket
}

func (m *Manager) String() string {
	return fmt.Sprintf("session.Manager{state=%s}", m.State())
}
