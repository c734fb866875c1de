package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocket lets a test drive events and observe Close calls.
type fakeSocket struct {
	mu     sync.Mutex
	events chan SocketEvent
	closed bool
	openErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan SocketEvent, 16)}
}

func (f *fakeSocket) Open(ctx context.Context) (<-chan SocketEvent, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.events, nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	close(f.events)
	return nil
}

func (f *fakeSocket) SendPairingCode(ctx context.Context, phone string) (string, error) {
	return "123-456", nil
}

type memAuthStore struct {
	mu      sync.Mutex
	cleared int
	saved   int
}

func (s *memAuthStore) LoadState(ctx context.Context) (AuthState, error) { return AuthState{}, nil }
func (s *memAuthStore) SaveCreds(ctx context.Context, creds AuthState) error {
	s.mu.Lock()
	s.saved++
	s.mu.Unlock()
	return nil
}
func (s *memAuthStore) ClearState(ctx context.Context) error {
	s.mu.Lock()
	s.cleared++
	s.mu.Unlock()
	return nil
}
func (s *memAuthStore) HasExistingState(ctx context.Context) (bool, error) { return false, nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestManager_QRFlowThenAuthenticated(t *testing.T) {
	sock := newFakeSocket()
	store := &memAuthStore{}
	m := NewManager(Config{MaxReconnectAttempts: 3, BaseReconnectDelayMs: 100, MaxReconnectDelayMs: 10000},
		store, func() Socket { return sock }, func() float64 { return 0.5 }, time.Now)

	var qrAttempts []int
	var authCount, connCount int
	m.On("qr", func(p any) { qrAttempts = append(qrAttempts, p.(map[string]any)["attempt"].(int)) })
	m.On("authenticated", func(p any) { authCount++ })
	m.On("connected", func(p any) { connCount++ })

	require.NoError(t, m.Connect(context.Background()))
	sock.events <- SocketEvent{Kind: "qr", QRCode: "code1"}
	sock.events <- SocketEvent{Kind: "qr", QRCode: "code2"}
	sock.events <- SocketEvent{Kind: "connection", Connection: "open", IsNewLogin: true, JID: "123@s"}

	waitFor(t, func() bool { return connCount == 1 })
	assert.Equal(t, []int{1, 2}, qrAttempts)
	assert.Equal(t, 1, authCount)
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_PermanentLogout(t *testing.T) {
	sock := newFakeSocket()
	store := &memAuthStore{}
	m := NewManager(Config{MaxReconnectAttempts: 3, BaseReconnectDelayMs: 100, MaxReconnectDelayMs: 10000},
		store, func() Socket { return sock }, func() float64 { return 0.5 }, time.Now)

	var expiredReason string
	var reconnectCount int
	m.On("session-expired", func(p any) { expiredReason = p.(map[string]any)["reason"].(string) })
	m.On("reconnecting", func(p any) { reconnectCount++ })

	require.NoError(t, m.Connect(context.Background()))
	sock.events <- SocketEvent{Kind: "connection", Connection: "open"}
	waitFor(t, func() bool { return m.State() == StateConnected })

	sock.events <- SocketEvent{Kind: "connection", Connection: "close", Disconnect: &DisconnectError{StatusCode: 401}}

	waitFor(t, func() bool { return m.State() == StateSessionExpired })
	assert.Equal(t, "logged_out", expiredReason)
	assert.Equal(t, 0, reconnectCount)
	store.mu.Lock()
	assert.Equal(t, 1, store.cleared)
	store.mu.Unlock()
}

func TestManager_ExponentialBackoffMonotonicInExpectation(t *testing.T) {
	var delays []int64
	m := &Manager{
		cfg:    Config{BaseReconnectDelayMs: 100, MaxReconnectDelayMs: 10000},
		random: func() float64 { return 0.5 }, // zero jitter term
	}
	delays = append(delays, m.backoffDelay(1))
	delays = append(delays, m.backoffDelay(2))
	assert.Greater(t, delays[1], int64(float64(delays[0])*0.5))
	assert.LessOrEqual(t, delays[0], int64(10000))
	assert.LessOrEqual(t, delays[1], int64(10000))
}

func TestClassifyDisconnect_Table(t *testing.T) {
	cases := []struct {
		code     int
		text     string
		category DisconnectCategory
		reconnect bool
		clear    bool
	}{
		{401, "", CategoryLoggedOut, false, true},
		{500, "", CategoryBadSession, false, true},
		{403, "", CategoryBanned, false, true},
		{428, "", CategoryConnectionClosed, true, false},
		{408, "", CategoryConnectionLost, true, false},
		{408, "QR code expired", CategoryTimedOut, false, false},
		{440, "", CategoryConnectionReplaced, false, false},
		{515, "", CategoryRestartRequired, true, false},
		{503, "", CategoryServiceUnavailable, true, false},
		{411, "", CategoryMultideviceMismatch, false, false},
		{999, "", CategoryUnknown, true, false},
	}
	for _, c := range cases {
		got := ClassifyDisconnect(DisconnectError{StatusCode: c.code, Text: c.text})
		assert.Equal(t, c.category, got.Category, "code %d", c.code)
		assert.Equal(t, c.reconnect, got.ShouldReconnect, "code %d", c.code)
		assert.Equal(t, c.clear, got.ShouldClearSession, "code %d", c.code)
	}
}

func TestManager_ZeroMaxReconnectAttemptsStopsOnFirstDisconnect(t *testing.T) {
	sock := newFakeSocket()
	store := &memAuthStore{}
	m := NewManager(Config{MaxReconnectAttempts: 0, BaseReconnectDelayMs: 100, MaxReconnectDelayMs: 10000},
		store, func() Socket { return sock }, func() float64 { return 0.5 }, time.Now)

	var expiredReason string
	var reconnectCount int
	m.On("session-expired", func(p any) { expiredReason = p.(map[string]any)["reason"].(string) })
	m.On("reconnecting", func(p any) { reconnectCount++ })

	require.NoError(t, m.Connect(context.Background()))
	sock.events <- SocketEvent{Kind: "connection", Connection: "open"}
	waitFor(t, func() bool { return m.State() == StateConnected })

	// 428 (connection closed) is normally reconnectable, but a zero cap
	// must stop on the very first disconnect rather than reconnect forever.
	sock.events <- SocketEvent{Kind: "connection", Connection: "close", Disconnect: &DisconnectError{StatusCode: 428}}

	waitFor(t, func() bool { return m.State() == StateSessionExpired })
	assert.Equal(t, "max_reconnect_attempts", expiredReason)
	assert.Equal(t, 0, reconnectCount)
}

func TestManager_QRTimeoutExpiresSession(t *testing.T) {
	sock := newFakeSocket()
	store := &memAuthStore{}
	m := NewManager(Config{MaxReconnectAttempts: 3, BaseReconnectDelayMs: 100, MaxReconnectDelayMs: 10000, QRTimeoutMs: 30},
		store, func() Socket { return sock }, func() float64 { return 0.5 }, time.Now)

	var expiredReason string
	var mu sync.Mutex
	m.On("session-expired", func(p any) {
		mu.Lock()
		expiredReason = p.(map[string]any)["reason"].(string)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	sock.events <- SocketEvent{Kind: "qr", QRCode: "code1"}

	waitFor(t, func() bool { return m.State() == StateSessionExpired })
	mu.Lock()
	assert.Equal(t, "timed_out", expiredReason)
	mu.Unlock()
	sock.mu.Lock()
	assert.True(t, sock.closed)
	sock.mu.Unlock()
}

func TestManager_OpenCancelsQRTimeout(t *testing.T) {
	sock := newFakeSocket()
	store := &memAuthStore{}
	m := NewManager(Config{MaxReconnectAttempts: 3, BaseReconnectDelayMs: 100, MaxReconnectDelayMs: 10000, QRTimeoutMs: 50},
		store, func() Socket { return sock }, func() float64 { return 0.5 }, time.Now)

	require.NoError(t, m.Connect(context.Background()))
	sock.events <- SocketEvent{Kind: "qr", QRCode: "code1"}
	sock.events <- SocketEvent{Kind: "connection", Connection: "open"}
	waitFor(t, func() bool { return m.State() == StateConnected })

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_ConnectRejectedWhenNotDisconnected(t *testing.T) {
	sock := newFakeSocket()
	store := &memAuthStore{}
	m := NewManager(Config{}, store, func() Socket { return sock }, func() float64 { return 0.5 }, time.Now)
	require.NoError(t, m.Connect(context.Background()))
	err := m.Connect(context.Background())
	assert.Error(t, err)
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	sock := newFakeSocket()
	store := &memAuthStore{}
	m := NewManager(Config{}, store, func() Socket { return sock }, func() float64 { return 0.5 }, time.Now)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect(context.Background()))
	require.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())
}
